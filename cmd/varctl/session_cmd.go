package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/openvar/varledger/pkg/session"
)

// runCloseSessionCmd implements `varctl close-session`.
//
// Closes a contiguous event window, computes its Merkle session root, and
// records the bundle. With a signing key the closure itself is appended to
// the stream as a session_close event.
//
// Exit codes:
//
//	0 = session closed
//	2 = runtime error
func runCloseSessionCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("close-session", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbPath   string
		streamID string
		fromSeq  uint64
		toSeq    uint64
		seedFile string
		keyID    string
	)

	cmd.StringVar(&dbPath, "db", "", "Path to the SQLite ledger database (REQUIRED)")
	cmd.StringVar(&streamID, "stream", "", "Stream id (REQUIRED)")
	cmd.Uint64Var(&fromSeq, "from", 0, "First event seq of the session (REQUIRED)")
	cmd.Uint64Var(&toSeq, "to", 0, "Last event seq of the session (REQUIRED)")
	cmd.StringVar(&seedFile, "key-seed-file", "", "Hex seed file; when set, a session_close event is recorded")
	cmd.StringVar(&keyID, "key-id", "", "Signing key id for the session_close event")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if streamID == "" || fromSeq == 0 || toSeq == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --stream, --from, and --to are required")
		return 2
	}

	s, log, err := openLedger(dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer s.Close()

	ctx := context.Background()
	bundler := session.NewBundler(log, s)
	if seedFile != "" {
		signer, err := loadSigner(seedFile, keyID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		bundler.WithRecorder(signer)
		defer func() { _ = s.RegisterKey(ctx, signer.KeyID(), signer.PublicKeyHex()) }()
	}

	bundle, err := bundler.CloseSession(ctx, streamID, fromSeq, toSeq)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: close session failed: %v\n", err)
		return 2
	}

	out, _ := json.MarshalIndent(bundle, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}

// runExportCmd implements `varctl export`.
//
// Writes a closed session window as an offline verification bundle.
//
// Exit codes:
//
//	0 = bundle written
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbPath   string
		streamID string
		fromSeq  uint64
		toSeq    uint64
		outFile  string
	)

	cmd.StringVar(&dbPath, "db", "", "Path to the SQLite ledger database (REQUIRED)")
	cmd.StringVar(&streamID, "stream", "", "Stream id (REQUIRED)")
	cmd.Uint64Var(&fromSeq, "from", 0, "First event seq of the closed session (REQUIRED)")
	cmd.Uint64Var(&toSeq, "to", 0, "Last event seq of the closed session (REQUIRED)")
	cmd.StringVar(&outFile, "out", "", "Output file; stdout when omitted")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if streamID == "" || fromSeq == 0 || toSeq == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --stream, --from, and --to are required")
		return 2
	}

	s, log, err := openLedger(dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer s.Close()

	bundler := session.NewBundler(log, s)
	bundle, err := bundler.Export(context.Background(), streamID, fromSeq, toSeq)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		return 2
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: encode bundle: %v\n", err)
		return 2
	}

	if outFile == "" {
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	if err := os.WriteFile(outFile, data, 0o644); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: write bundle: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "bundle written to %s\n", outFile)
	return 0
}
