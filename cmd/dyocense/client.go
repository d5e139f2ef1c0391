package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dyocense/kernel/internal/kernel/run"
)

// Exit codes. 1 is reserved for usage mistakes and transport failures; the
// rest classify the run outcome so scripts can branch without parsing output.
const (
	exitOK         = 0
	exitFailure    = 1
	exitValidation = 2
	exitBudget     = 3
	exitDenied     = 4
	exitTimeout    = 5
	exitInfeasible = 6
	exitInternal   = 7
)

// kindExit maps a taxonomy kind onto the exit-code contract.
func kindExit(kind run.ErrorKind) int {
	switch kind {
	case run.KindValidation, run.KindSchemaViolation, run.KindInvalidGoal:
		return exitValidation
	case run.KindBudgetExhausted:
		return exitBudget
	case run.KindPolicyDenied:
		return exitDenied
	case run.KindTimedOut, run.KindTimeoutPartial, run.KindPipelineTimeout:
		return exitTimeout
	case run.KindInfeasible:
		return exitInfeasible
	case run.KindInternal, run.KindInfrastructure, run.KindSolverError,
		run.KindForecastError, run.KindExplainError, run.KindPolicyEvalError,
		run.KindServiceUnavailable, run.KindStoreUnavailable,
		run.KindAdapterUnavailable, run.KindLLMUnavailable:
		return exitInternal
	default:
		return exitFailure
	}
}

// runExit maps a terminal run document onto the exit-code contract. Partial
// successes still delivered a plan and exit 0; the printed state carries the
// distinction.
func runExit(doc *run.Run) int {
	switch doc.State {
	case run.StateSucceeded, run.StateSucceededPartial:
		return exitOK
	case run.StateDenied:
		return exitDenied
	case run.StateCanceled:
		return exitFailure
	case run.StateFailed:
		for i := range doc.Stages {
			st := &doc.Stages[i]
			if st.ErrorKind == "" {
				continue
			}
			if st.State == run.StageFailed || st.State == run.StageTimedOut {
				return kindExit(st.ErrorKind)
			}
		}
		return exitInternal
	default:
		return exitInternal
	}
}

// apiError is a non-2xx response carrying the kernel's error envelope.
type apiError struct {
	Status   int
	Envelope run.Envelope
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Envelope.ErrorKind, e.Envelope.ErrorMsg)
}

// reportErr prints err and picks its exit code: envelope errors map through
// the taxonomy, everything else is a transport failure.
func reportErr(stderr io.Writer, err error) int {
	fmt.Fprintln(stderr, err)
	var ae *apiError
	if errors.As(err, &ae) {
		return kindExit(ae.Envelope.ErrorKind)
	}
	return exitFailure
}

type apiClient struct {
	base  string
	token string
	hc    *http.Client
}

func newAPIClient(server, token string) *apiClient {
	if server == "" {
		server = os.Getenv("DYOCENSE_SERVER")
	}
	if server == "" {
		server = "http://127.0.0.1:8080"
	}
	if token == "" {
		token = os.Getenv("DYOCENSE_TOKEN")
	}
	return &apiClient{
		base:  strings.TrimRight(server, "/"),
		token: token,
		hc:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do performs one request. Non-2xx responses decode into *apiError so callers
// can map the envelope kind; 2xx bodies decode into out when out is non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	if resp.StatusCode >= 400 {
		var env run.Envelope
		if jerr := json.Unmarshal(raw, &env); jerr == nil && env.ErrorKind != "" {
			return resp.StatusCode, &apiError{Status: resp.StatusCode, Envelope: env}
		}
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *apiClient) getRun(ctx context.Context, runID string) (*run.Run, error) {
	var doc run.Run
	if _, err := c.do(ctx, http.MethodGet, "/v1/runs/"+runID, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// waitTerminal polls the run until it reaches a terminal state, echoing state
// transitions to stderr so long solves show progress.
func (c *apiClient) waitTerminal(ctx context.Context, runID string, stderr io.Writer) (*run.Run, error) {
	last := run.State("")
	for {
		doc, err := c.getRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if doc.State != last {
			fmt.Fprintf(stderr, "state=%s\n", doc.State)
			last = doc.State
		}
		if doc.State.Terminal() {
			return doc, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// readJSONFile loads a JSON object from path for the submit payload maps.
func readJSONFile(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
