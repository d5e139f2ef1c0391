package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dyocense/kernel/internal/kernel/run"
)

func runCancel(args []string, stdout, stderr io.Writer) int {
	var (
		server string
		token  string
		runID  string
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
	var resp struct {
		RunID string    `json:"run_id"`
		State run.State `json:"state"`
	}
	if _, err := c.do(context.Background(), "POST", "/v1/runs/"+runID+"/cancel", nil, &resp); err != nil {
		return reportErr(stderr, err)
	}
	fmt.Fprintf(stdout, "run_id=%s\n", resp.RunID)
	fmt.Fprintf(stdout, "state=%s\n", resp.State)
	return exitOK
}
