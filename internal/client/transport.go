package client

import (
	"context"
	"errors"
	"fmt"

	"fauxnetd/internal/operations"
)

// ErrNotFound is returned when the server does not know the operation id. The
// operation may have finished, failed or never existed.
var ErrNotFound = operations.ErrOperationNotFound

// StartRequest is the body of POST /api/operations/start
type StartRequest struct {
	Kind       operations.Kind        `json:"kind"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Options    map[string]interface{} `json:"options,omitempty"`
}

// StartResponse acknowledges a start
type StartResponse struct {
	OperationID string          `json:"operation_id"`
	Kind        operations.Kind `json:"kind"`
	Phases      []int           `json:"phases"`
	Duplicate   bool            `json:"duplicate,omitempty"`
	Message     string          `json:"message"`
	File        string          `json:"file,omitempty"`
}

// Transport talks to the server for a tracker
type Transport interface {
	Start(ctx context.Context, req StartRequest) (StartResponse, error)
	// Poll returns the current record or ErrNotFound
	Poll(ctx context.Context, id string) (operations.ProgressRecord, error)
	// Stream calls onRecord for each snapshot and returns nil right after a terminal
	// one. A stream that ends early is a *TransportError.
	Stream(ctx context.Context, id string, onRecord func(operations.ProgressRecord)) error
}

// TransportError is a delivery failure. It says nothing about the operation itself.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: server answered %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is a delivery failure
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ProblemError is a problem details answer the server gave to a request
type ProblemError struct {
	Status    int    `json:"status"`
	Title     string `json:"title"`
	Detail    string `json:"detail"`
	ErrorType string `json:"error_type"`
}

func (e *ProblemError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Title != "" {
		return e.Title
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}
