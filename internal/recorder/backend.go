// Package recorder drives the external ghost-recorder service: starting
// and stopping capture sessions, tracking them locally as a hint, and
// releasing admission slots exactly once per session.
package recorder

import (
	"context"

	"github.com/famcall/famcall/internal/call"
)

// StartRequest carries everything the recorder service needs to join a
// call as the "recorder" peer and post the artifact back.
type StartRequest struct {
	GroupID string
	CallID  string
	Kind    call.Kind
	// CallbackToken authenticates the recorder's signaling and ingest
	// callbacks against our API.
	CallbackToken string
	// APIBase is the public base URL the recorder calls back on.
	APIBase string
}

// Backend is the external media-capture service. The headless browser
// farm behind it is authoritative for what is actually recording; the
// coordinator only keeps hints.
type Backend interface {
	Start(ctx context.Context, req StartRequest) error
	Stop(ctx context.Context, callID string, kind call.Kind) error
	// Status reports whether a capture session is running.
	Status(ctx context.Context, callID string, kind call.Kind) (bool, error)
}
