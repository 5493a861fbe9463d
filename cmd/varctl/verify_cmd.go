package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/openvar/varledger/pkg/verifier"
)

// runVerifyCmd implements `varctl verify`.
//
// Verifies an exported session bundle entirely offline: canonical bytes,
// hash chain, Merkle inclusion, and signatures.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundlePath string
		jsonOutput bool
	)

	cmd.StringVar(&bundlePath, "bundle", "", "Path to the exported bundle JSON (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if bundlePath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bundle is required")
		return 2
	}

	raw, err := os.ReadFile(bundlePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read bundle: %v\n", err)
		return 2
	}

	report, err := verifier.VerifyBundleJSON(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printReport(stdout, report)
	}

	if !report.OK() {
		return 1
	}
	return 0
}

func printReport(w io.Writer, r *verifier.Report) {
	status := func(ok bool) string {
		if ok {
			return "PASS"
		}
		return "FAIL"
	}
	_, _ = fmt.Fprintf(w, "stream %s, events %d-%d (%d events)\n", r.StreamID, r.FromSeq, r.ToSeq, r.Events)
	_, _ = fmt.Fprintf(w, "  chain:      %s\n", status(r.ChainValid))
	_, _ = fmt.Fprintf(w, "  root:       %s\n", status(r.RootValid))
	_, _ = fmt.Fprintf(w, "  inclusion:  %s\n", status(r.ProofsValid))
	_, _ = fmt.Fprintf(w, "  signatures: %s\n", status(r.SignaturesValid))
	for _, wr := range r.WitnessReports {
		_, _ = fmt.Fprintf(w, "  witness %s: %s\n", wr.WitnessID, status(wr.Valid))
	}
	for _, f := range r.Findings {
		_, _ = fmt.Fprintf(w, "  finding [%s] seq %d %s: %s\n", f.Check, f.Seq, f.EventID, f.Detail)
	}
	if r.OK() {
		_, _ = fmt.Fprintln(w, "VERIFIED")
	} else {
		_, _ = fmt.Fprintln(w, "NOT VERIFIED")
	}
}
