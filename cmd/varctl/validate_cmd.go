package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

// runValidateCmd implements `varctl validate`.
//
// Walks a stream from genesis, recomputing every hash and signature.
//
// Exit codes:
//
//	0 = chain valid
//	1 = divergence found
//	2 = runtime error
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbPath     string
		streamID   string
		jsonOutput bool
	)

	cmd.StringVar(&dbPath, "db", "", "Path to the SQLite ledger database (REQUIRED)")
	cmd.StringVar(&streamID, "stream", "", "Stream id (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if streamID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --stream is required")
		return 2
	}

	s, log, err := openLedger(dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer s.Close()

	result, err := log.ValidateChain(context.Background(), streamID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: validation failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
	} else if result.Valid {
		_, _ = fmt.Fprintf(stdout, "stream %s: chain valid, %d events\n", streamID, result.Length)
	} else {
		_, _ = fmt.Fprintf(stdout, "stream %s: INVALID at seq %d: %s\n",
			streamID, result.Divergence.Seq, result.Divergence.Reason)
	}

	if !result.Valid {
		return 1
	}
	return 0
}
