package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"hub-sync-service/internal/sync"
)

// Exit codes for CLI commands.
const (
	ExitSuccess = 0 // Every selected type completed without failures
	ExitFailure = 1 // Record failures, deferred or interrupted types
	ExitFatal   = 2 // Fatal error before any type completed
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors that are not an
// ExitError come from flag parsing or configuration and are fatal.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFatal
}

// reportExitError maps a finished cycle to the command's result.
func reportExitError(report *sync.Report) error {
	switch {
	case report.Fatal != "" && report.Completed() == 0:
		return NewExitError(ExitFatal, "sync aborted: "+report.Fatal)
	case !report.Clean():
		return NewExitError(ExitFailure, "sync finished with failures")
	}
	return nil
}

// CLIResponse is the JSON envelope of --format json.
type CLIResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w io.Writer, status string, data any, errMsg string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(CLIResponse{Status: status, Data: data, Error: errMsg})
}

// printReport writes the cycle summary in the requested format.
func printReport(w io.Writer, format string, report *sync.Report) error {
	if format == "json" {
		status := "ok"
		if !report.Clean() {
			status = "partial"
		}
		return writeJSON(w, status, report, report.Fatal)
	}

	fmt.Fprintf(w, "Cycle %s (%s) finished in %s\n",
		report.CycleID, report.Direction, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	if report.Fatal != "" {
		fmt.Fprintf(w, "Fatal: %s\n", report.Fatal)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSTATUS\tCREATED\tUPDATED\tCONFLICTS\tFAILED\tDEFERRED\tSKIPPED")
	for _, t := range report.Types {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			t.EntityType, t.Status, t.Created, t.Updated, t.ConflictsResolved, t.Failed, t.Deferred, t.Skipped)
	}
	tot := report.Totals()
	fmt.Fprintf(tw, "TOTAL\t\t%d\t%d\t%d\t%d\t%d\t%d\n",
		tot.Created, tot.Updated, tot.ConflictsResolved, tot.Failed, tot.Deferred, tot.Skipped)
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, t := range report.Types {
		if t.Error != "" {
			fmt.Fprintf(w, "%s: %s\n", t.EntityType, t.Error)
		}
		for _, f := range t.NewFailures {
			fmt.Fprintf(w, "  %s %s/%s [%s] %s\n", t.EntityType, f.Direction, f.SourceID, f.Cause, f.Message)
		}
	}
	return nil
}
