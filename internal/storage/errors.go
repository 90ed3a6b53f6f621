package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnavailable  = errors.New("storage: clickhouse unavailable")
	ErrInsertFailed = errors.New("storage: insert failed")
	ErrWriterClosed = errors.New("storage: batch writer is closed")
)

// OpError describes a failed ClickHouse operation.
type OpError struct {
	Op       string
	Table    string
	Attempts int
	Err      error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString("storage: ")
	b.WriteString(e.Op)
	if e.Table != "" {
		b.WriteString(" " + e.Table)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (%d attempts)", e.Attempts)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OpError) Unwrap() error { return e.Err }

func unavailable(op string, err error) error {
	return &OpError{Op: op, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
}

func insertFailed(table string, attempts int, err error) error {
	return &OpError{Op: "insert into", Table: table, Attempts: attempts, Err: fmt.Errorf("%w: %w", ErrInsertFailed, err)}
}
