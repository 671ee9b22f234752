package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/normanking/cortexconverse/internal/frames"
	"github.com/rs/zerolog"
)

// WSConfig configures the WebSocket client.
type WSConfig struct {
	URL              string
	Source           string
	ClientVersion    string
	HandshakeTimeout time.Duration
}

// DefaultWSConfig returns defaults for a local service.
func DefaultWSConfig() *WSConfig {
	return &WSConfig{
		URL:              "ws://localhost:8765/converse",
		Source:           "cortexconverse",
		ClientVersion:    "0.1.0",
		HandshakeTimeout: 10 * time.Second,
	}
}

// WSClient opens one WebSocket connection per call.
type WSClient struct {
	config *WSConfig
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewWSClient creates a WebSocket client.
func NewWSClient(config *WSConfig, logger zerolog.Logger) *WSClient {
	if config == nil {
		config = DefaultWSConfig()
	}
	return &WSClient{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		logger: logger.With().Str("component", "ws-transport").Logger(),
	}
}

// Open dials the service. The connection is closed when ctx is cancelled.
func (c *WSClient) Open(ctx context.Context) (Call, error) {
	header := http.Header{}
	header.Set(HeaderSource, c.config.Source)
	header.Set(HeaderClientVersion, c.config.ClientVersion)

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportCancelled, ctx.Err())
		}
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: status %d: %v", ErrUpstreamUnavailable, c.config.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUpstreamUnavailable, c.config.URL, err)
	}

	c.logger.Debug().Str("url", c.config.URL).Msg("Call opened")
	return newWSCall(ctx, conn, c.logger), nil
}

type wsCall struct {
	ctx    context.Context
	conn   *websocket.Conn
	logger zerolog.Logger
	stop   func() bool

	writeMu    sync.Mutex
	sendClosed bool
	closeOnce  sync.Once
}

func newWSCall(ctx context.Context, conn *websocket.Conn, logger zerolog.Logger) *wsCall {
	c := &wsCall{ctx: ctx, conn: conn, logger: logger}
	c.stop = context.AfterFunc(ctx, func() {
		conn.Close()
	})
	return c
}

func (c *wsCall) Send(ctx context.Context, msg frames.Outbound) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sendClosed {
		return ErrSendClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return c.mapError(ctx, "write", err)
	}
	return nil
}

func (c *wsCall) CloseSend() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sendClosed {
		return nil
	}
	c.sendClosed = true
	if err := c.conn.WriteMessage(websocket.TextMessage, encodeEndOfInput()); err != nil {
		return c.mapError(c.ctx, "close send", err)
	}
	return nil
}

func (c *wsCall) Recv(ctx context.Context) (frames.Envelope, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil, io.EOF
			}
			return nil, c.mapError(ctx, "read", err)
		}

		env, err := DecodeEnvelope(data)
		if errors.Is(err, ErrUnknownEnvelope) {
			c.logger.Debug().Err(err).Msg("Skipping envelope")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportFault, err)
		}
		return env, nil
	}
}

func (c *wsCall) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stop()
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsCall) mapError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransportCancelled, op, ctx.Err())
	}
	if c.ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransportCancelled, op, c.ctx.Err())
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %s: connection closed", ErrTransportCancelled, op)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransportFault, op, err)
}

// ServeWS runs fn over an accepted WebSocket connection and closes it
// normally when fn returns.
func ServeWS(ctx context.Context, conn *websocket.Conn, metadata map[string]string, fn ServerFunc, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &wsServer{
		conn:     conn,
		metadata: metadata,
		inbound:  make(chan frames.Outbound, loopbackBuffer),
		readErr:  make(chan error, 1),
	}
	go srv.readLoop(cancel, logger)

	err := fn(ctx, srv)

	srv.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	srv.writeMu.Unlock()
	conn.Close()
	return err
}

type wsServer struct {
	conn     *websocket.Conn
	metadata map[string]string
	inbound  chan frames.Outbound
	readErr  chan error
	writeMu  sync.Mutex
}

// readLoop decodes client frames until end of input or a read failure.
// A failure other than end of input cancels the handler.
func (s *wsServer) readLoop(cancel context.CancelFunc, logger zerolog.Logger) {
	defer close(s.inbound)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.readErr <- err
			cancel()
			return
		}
		msg, err := DecodeOutbound(data)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			logger.Debug().Err(err).Msg("Skipping client frame")
			continue
		}
		s.inbound <- msg
	}
}

func (s *wsServer) Recv(ctx context.Context) (frames.Outbound, error) {
	select {
	case msg, ok := <-s.inbound:
		if !ok {
			select {
			case err := <-s.readErr:
				return nil, err
			default:
				return nil, io.EOF
			}
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *wsServer) Send(ctx context.Context, env frames.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsServer) Metadata() map[string]string {
	return s.metadata
}
