package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/openvar/varledger/pkg/crypto"
	"github.com/openvar/varledger/pkg/ledger"
)

// runAppendCmd implements `varctl append`.
//
// Appends one signed event at the stream tip. The payload is given inline as
// JSON or with @file syntax.
//
// Exit codes:
//
//	0 = event appended
//	2 = runtime error
func runAppendCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("append", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbPath    string
		streamID  string
		eventType string
		payload   string
		seedFile  string
		keyID     string
	)

	cmd.StringVar(&dbPath, "db", "", "Path to the SQLite ledger database (REQUIRED)")
	cmd.StringVar(&streamID, "stream", "", "Stream id (REQUIRED)")
	cmd.StringVar(&eventType, "type", string(ledger.EventAnalysis), "Event type")
	cmd.StringVar(&payload, "payload", "", "Event payload as JSON, or @file (REQUIRED)")
	cmd.StringVar(&seedFile, "key-seed-file", "", "File holding a hex-encoded 32-byte Ed25519 seed (REQUIRED)")
	cmd.StringVar(&keyID, "key-id", "", "Signing key id (default: VAR_SERVICE_KEY_ID)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if streamID == "" || payload == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --stream and --payload are required")
		return 2
	}

	raw := []byte(payload)
	if strings.HasPrefix(payload, "@") {
		data, err := os.ReadFile(payload[1:])
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: read payload file: %v\n", err)
			return 2
		}
		raw = data
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: payload is not valid JSON: %v\n", err)
		return 2
	}

	signer, err := loadSigner(seedFile, keyID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	s, log, err := openLedger(dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer s.Close()

	ctx := context.Background()
	event, err := log.Append(ctx, streamID, ledger.EventType(eventType), decoded, []crypto.Signer{signer})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: append failed: %v\n", err)
		return 2
	}
	if err := s.RegisterKey(ctx, signer.KeyID(), signer.PublicKeyHex()); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: persist public key: %v\n", err)
		return 2
	}

	out, _ := json.MarshalIndent(event, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}
