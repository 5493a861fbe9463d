package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

// runInspectCmd implements `varctl inspect`.
//
// Without --stream it lists all streams with their tips. With --stream it
// lists the stream's events and closed sessions.
//
// Exit codes:
//
//	0 = ok
//	2 = runtime error
func runInspectCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("inspect", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbPath     string
		streamID   string
		jsonOutput bool
	)

	cmd.StringVar(&dbPath, "db", "", "Path to the SQLite ledger database (REQUIRED)")
	cmd.StringVar(&streamID, "stream", "", "Stream id; lists all streams when omitted")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	s, log, err := openLedger(dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer s.Close()

	ctx := context.Background()

	if streamID == "" {
		streams, err := s.Streams(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		for _, id := range streams {
			tip, seq, err := s.Tip(ctx, id)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
			_, _ = fmt.Fprintf(stdout, "%s\tseq %d\ttip %s\n", id, seq, tip)
		}
		return 0
	}

	events, err := log.Range(ctx, streamID, 1, 0)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	bundles, err := s.Bundles(ctx, streamID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(map[string]interface{}{
			"stream_id": streamID,
			"events":    events,
			"sessions":  bundles,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
		return 0
	}

	for _, e := range events {
		_, _ = fmt.Fprintf(stdout, "%4d  %-24s %s  %s\n", e.Seq, e.Type, e.EventID, e.Timestamp)
	}
	for _, b := range bundles {
		_, _ = fmt.Fprintf(stdout, "session %d: seq %d-%d root %s (%d witnesses)\n",
			b.SessionIndex, b.FromSeq, b.ToSeq, b.SessionRoot, len(b.Witnesses))
	}
	return 0
}
