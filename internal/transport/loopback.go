package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/normanking/cortexconverse/internal/frames"
)

const loopbackBuffer = 64

// Loopback is an in-memory Client that answers every call with a ServerFunc.
type Loopback struct {
	handler  ServerFunc
	metadata map[string]string

	mu          sync.Mutex
	opened      int
	unavailable error
}

// NewLoopback creates a loopback client served by handler.
func NewLoopback(handler ServerFunc, metadata map[string]string) *Loopback {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Loopback{handler: handler, metadata: md}
}

// SetUnavailable makes subsequent Open calls fail with cause. Nil restores service.
func (l *Loopback) SetUnavailable(cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = cause
}

// Opened returns how many calls have been opened.
func (l *Loopback) Opened() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened
}

// Open starts a call and runs the handler on its own goroutine.
func (l *Loopback) Open(ctx context.Context) (Call, error) {
	l.mu.Lock()
	if l.unavailable != nil {
		cause := l.unavailable
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, cause)
	}
	l.opened++
	l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportCancelled, err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	c := &loopCall{
		ctx:    callCtx,
		cancel: cancel,
		up:     make(chan frames.Outbound, loopbackBuffer),
		down:   make(chan frames.Envelope, loopbackBuffer),
		done:   make(chan struct{}),
	}
	srv := &loopServer{call: c, metadata: l.metadata}

	go func() {
		err := l.handler(callCtx, srv)
		c.errMu.Lock()
		c.handlerErr = err
		c.errMu.Unlock()
		close(c.done)
		close(c.down)
	}()

	return c, nil
}

type loopCall struct {
	ctx    context.Context
	cancel context.CancelFunc

	up   chan frames.Outbound
	down chan frames.Envelope
	done chan struct{}

	mu         sync.Mutex
	sendClosed bool

	errMu      sync.Mutex
	handlerErr error
}

func (c *loopCall) Send(ctx context.Context, msg frames.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return ErrSendClosed
	}
	select {
	case c.up <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: service finished the call", ErrTransportFault)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTransportCancelled, ctx.Err())
	case <-c.ctx.Done():
		return fmt.Errorf("%w: %v", ErrTransportCancelled, c.ctx.Err())
	}
}

func (c *loopCall) CloseSend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.up)
	}
	return nil
}

func (c *loopCall) Recv(ctx context.Context) (frames.Envelope, error) {
	select {
	case env, ok := <-c.down:
		if ok {
			return env, nil
		}
		c.errMu.Lock()
		err := c.handlerErr
		c.errMu.Unlock()
		switch {
		case err == nil:
			return nil, io.EOF
		case c.ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %v", ErrTransportCancelled, c.ctx.Err())
		default:
			return nil, fmt.Errorf("%w: %v", ErrTransportFault, err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTransportCancelled, ctx.Err())
	case <-c.ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTransportCancelled, c.ctx.Err())
	}
}

func (c *loopCall) Close() error {
	c.cancel()
	return nil
}

type loopServer struct {
	call     *loopCall
	metadata map[string]string
}

func (s *loopServer) Recv(ctx context.Context) (frames.Outbound, error) {
	select {
	case msg, ok := <-s.call.up:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *loopServer) Send(ctx context.Context, env frames.Envelope) error {
	select {
	case s.call.down <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *loopServer) Metadata() map[string]string {
	return s.metadata
}
