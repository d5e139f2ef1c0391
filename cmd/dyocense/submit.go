package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/oklog/ulid/v2"

	"github.com/dyocense/kernel/internal/kernel/admission"
	"github.com/dyocense/kernel/internal/kernel/run"
)

func runSubmit(args []string, stdout, stderr io.Writer) int {
	var (
		server    string
		token     string
		goal      string
		key       string
		dataPath  string
		tablePath string
		overPath  string
		archetype string
		wait      bool
		horizon   = 1
		scenarios = 1
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--goal":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--goal requires a value")
				return exitFailure
			}
			goal = args[i]
		case "--key":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--key requires a value")
				return exitFailure
			}
			key = args[i]
		case "--horizon":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--horizon requires a value")
				return exitFailure
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				fmt.Fprintln(stderr, "--horizon must be a positive integer")
				return exitFailure
			}
			horizon = n
		case "--scenarios":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--scenarios requires a value")
				return exitFailure
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				fmt.Fprintln(stderr, "--scenarios must be a positive integer")
				return exitFailure
			}
			scenarios = n
		case "--data":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--data requires a value")
				return exitFailure
			}
			dataPath = args[i]
		case "--tables":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--tables requires a value")
				return exitFailure
			}
			tablePath = args[i]
		case "--overrides":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--overrides requires a value")
				return exitFailure
			}
			overPath = args[i]
		case "--archetype":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--archetype requires a value")
				return exitFailure
			}
			archetype = args[i]
		case "--wait":
			wait = true
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

	if goal == "" {
		fmt.Fprintln(stderr, "--goal is required")
		return exitFailure
	}
	// A stable key makes retries of the same submission replay instead of
	// double-charging; generate one when the caller doesn't care.
	if key == "" {
		key = "cli-" + ulid.Make().String()
	}

	req := run.SubmitRequest{
		IdempotencyKey: key,
		Goal:           goal,
		Horizon:        horizon,
		NumScenarios:   scenarios,
		ArchetypeID:    archetype,
	}
	var err error
	if dataPath != "" {
		if req.DataInputs, err = readJSONFile(dataPath); err != nil {
			fmt.Fprintln(stderr, err)
			return exitFailure
		}
	}
	if tablePath != "" {
		if req.TablesProfile, err = readJSONFile(tablePath); err != nil {
			fmt.Fprintln(stderr, err)
			return exitFailure
		}
	}
	if overPath != "" {
		if req.ConstraintsOverrides, err = readJSONFile(overPath); err != nil {
			fmt.Fprintln(stderr, err)
			return exitFailure
		}
	}

	ctx := context.Background()
	c := newAPIClient(server, token)

	var rcpt admission.Receipt
	if _, err := c.do(ctx, "POST", "/v1/runs", req, &rcpt); err != nil {
		return reportErr(stderr, err)
	}
	fmt.Fprintf(stdout, "run_id=%s\n", rcpt.RunID)
	fmt.Fprintf(stdout, "idempotency_key=%s\n", key)
	if rcpt.DuplicateOf != "" {
		fmt.Fprintf(stdout, "duplicate_of=%s\n", rcpt.DuplicateOf)
	}

	if !wait {
		fmt.Fprintf(stdout, "state=%s\n", rcpt.State)
		return exitOK
	}

	doc, err := c.waitTerminal(ctx, rcpt.RunID, stderr)
	if err != nil {
		return reportErr(stderr, err)
	}
	printOutcome(stdout, doc)
	return runExit(doc)
}

// printOutcome writes the terminal summary lines shared by submit --wait and
// status.
func printOutcome(stdout io.Writer, doc *run.Run) {
	fmt.Fprintf(stdout, "state=%s\n", doc.State)
	if doc.Result.EvidenceRef != "" {
		fmt.Fprintf(stdout, "evidence=%s\n", doc.Result.EvidenceRef)
	}
	if dna := doc.Fingerprints[run.FingerprintPlanDNA]; dna != "" {
		fmt.Fprintf(stdout, "plan_dna=%s\n", dna)
	}
	for i := range doc.Stages {
		st := &doc.Stages[i]
		if st.ErrorKind == "" {
			continue
		}
		if st.State == run.StageFailed || st.State == run.StageTimedOut || st.State == run.StageCanceled {
			fmt.Fprintf(stdout, "failed_stage=%s\n", st.Name)
			fmt.Fprintf(stdout, "error_kind=%s\n", st.ErrorKind)
			fmt.Fprintf(stdout, "error_msg=%s\n", st.ErrorMsg)
			break
		}
	}
}
