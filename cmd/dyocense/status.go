package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyocense/kernel/internal/kernel/run"
)

func runStatus(args []string, stdout, stderr io.Writer) int {
	var (
		server string
		token  string
		runID  string
		asJSON bool
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--run requires a value")
				return exitFailure
			}
			runID = args[i]
		case "--json":
			asJSON = true
		case "--server":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--server requires a value")
				return exitFailure
			}
			server = args[i]
		case "--token":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--token requires a value")
				return exitFailure
			}
			token = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return exitFailure
		}
	}

	if runID == "" {
		fmt.Fprintln(stderr, "--run is required")
		return exitFailure
	}

	c := newAPIClient(server, token)
	doc, err := c.getRun(context.Background(), runID)
	if err != nil {
		return reportErr(stderr, err)
	}

	if asJSON {
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitFailure
		}
		fmt.Fprintln(stdout, string(b))
	} else {
		printRun(stdout, doc)
	}

	// In-flight runs exit 0; terminal runs report their outcome so scripts
	// can poll status in a loop and branch on the final code.
	if doc.State.Terminal() {
		return runExit(doc)
	}
	return exitOK
}

func printRun(stdout io.Writer, doc *run.Run) {
	fmt.Fprintf(stdout, "run_id=%s\n", doc.RunID)
	fmt.Fprintf(stdout, "tenant=%s\n", doc.TenantID)
	fmt.Fprintf(stdout, "tier=%s\n", doc.TierSnapshot.Name)
	fmt.Fprintf(stdout, "created_at=%s\n", doc.CreatedAt.Format(time.RFC3339))
	printOutcome(stdout, doc)
	for i := range doc.Stages {
		st := &doc.Stages[i]
		line := fmt.Sprintf("stage %s: %s", st.Name, st.State)
		if st.Attempts > 1 {
			line += fmt.Sprintf(" attempts=%d", st.Attempts)
		}
		fmt.Fprintln(stdout, line)
	}
}
