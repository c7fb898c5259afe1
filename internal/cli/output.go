package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/acksell/portalsync/mutqueue"
	"github.com/acksell/portalsync/record"
)

// Process exit status of portalsync commands. Scripts driving the queue
// tell a refused or missing entry (ExitFailure) apart from a command that
// never reached the data layer (ExitCommandError).
const (
	ExitSuccess = 0
	// ExitFailure: the data layer ran and said no, e.g. an unknown temp id,
	// a record not in the cache, or a flush that hit the remote's refusal.
	ExitFailure = 1
	// ExitCommandError: bad flags, an unreadable portalsync.yaml, an unknown
	// collection, or a local store that would not open.
	ExitCommandError = 2
)

// ExitError is a command error tagged with the status main exits with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps a command's error to its exit status. Untagged errors,
// such as a reconciler failing under run, count as ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &exitErr):
		return exitErr.Code
	default:
		return ExitFailure
	}
}

// printer writes command results as JSON or as aligned text.
type printer struct {
	format string
	w      io.Writer
}

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) records(recs []record.Record) error {
	if p.format == "json" {
		if recs == nil {
			recs = []record.Record{}
		}
		return p.json(recs)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tFIELDS")
	for _, r := range recs {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.ID, r.UpdatedAt, fields)
	}
	return tw.Flush()
}

func (p printer) entries(entries []mutqueue.Entry) error {
	if p.format == "json" {
		if entries == nil {
			entries = []mutqueue.Entry{}
		}
		return p.json(entries)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TEMP ID\tCOLLECTION\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.TempID, e.Collection, e.Status, e.Attempts, e.LastError)
	}
	return tw.Flush()
}

func (p printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}
