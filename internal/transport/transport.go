// Package transport defines the duplex call contract with the dialogue
// service and ships a WebSocket implementation and an in-memory loopback.
package transport

import (
	"context"
	"errors"

	"github.com/normanking/cortexconverse/internal/frames"
)

// Common errors
var (
	ErrTransportCancelled  = errors.New("transport cancelled")
	ErrTransportFault      = errors.New("transport fault")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrSendClosed          = errors.New("send side closed")
	ErrUnknownEnvelope     = errors.New("unknown envelope type")
)

// Metadata keys sent with every call.
const (
	HeaderSource        = "X-Source"
	HeaderClientVersion = "X-Client-Version"
)

// Client opens duplex calls.
type Client interface {
	Open(ctx context.Context) (Call, error)
}

// Call is one duplex exchange. Send and CloseSend belong to the writer,
// Recv to the reader; they may run on different goroutines.
type Call interface {
	Send(ctx context.Context, msg frames.Outbound) error
	CloseSend() error
	// Recv returns io.EOF once the service has finished the response.
	Recv(ctx context.Context) (frames.Envelope, error)
	Close() error
}

// ServerCall is the service side of a call.
type ServerCall interface {
	// Recv returns io.EOF after the client closed its send side.
	Recv(ctx context.Context) (frames.Outbound, error)
	Send(ctx context.Context, env frames.Envelope) error
	Metadata() map[string]string
}

// ServerFunc answers one call. Returning ends the response stream.
type ServerFunc func(ctx context.Context, call ServerCall) error

// IsCancelled reports whether err stems from cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrTransportCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
