package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/normanking/cortexconverse/internal/frames"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers every text input with a transcript and a session id.
func echoServer(ctx context.Context, call ServerCall) error {
	for {
		msg, err := call.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case frames.Config:
			if err := call.Send(ctx, frames.SessionIDAssignment{SessionID: "sess-" + m.AgentID}); err != nil {
				return err
			}
		case frames.Data:
			if err := call.Send(ctx, frames.UserTranscript{Text: m.Text, IsFinal: true}); err != nil {
				return err
			}
		}
	}
}

func drain(t *testing.T, call Call) []frames.Envelope {
	t.Helper()
	var out []frames.Envelope
	for {
		env, err := call.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, env)
	}
}

func TestWire_RoundTrip(t *testing.T) {
	data, err := Encode(frames.AgentAudioChunk{Text: "hi", SampleRate: 22050, InteractionID: "i-1"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"agent_audio"`)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, frames.AgentAudioChunk{Text: "hi", SampleRate: 22050, InteractionID: "i-1"}, env)

	_, err = DecodeEnvelope([]byte(`{"type":"hologram"}`))
	assert.ErrorIs(t, err, ErrUnknownEnvelope)

	_, err = DecodeOutbound(encodeEndOfInput())
	assert.ErrorIs(t, err, io.EOF)
}

func TestLoopback_RoundTrip(t *testing.T) {
	lb := NewLoopback(echoServer, nil)
	ctx := context.Background()

	call, err := lb.Open(ctx)
	require.NoError(t, err)
	defer call.Close()

	require.NoError(t, call.Send(ctx, frames.Config{AgentID: "a1"}))
	require.NoError(t, call.Send(ctx, frames.Data{Text: "hello"}))
	require.NoError(t, call.CloseSend())
	assert.ErrorIs(t, call.Send(ctx, frames.Data{Text: "late"}), ErrSendClosed)

	got := drain(t, call)
	assert.Equal(t, []frames.Envelope{
		frames.SessionIDAssignment{SessionID: "sess-a1"},
		frames.UserTranscript{Text: "hello", IsFinal: true},
	}, got)
	assert.Equal(t, 1, lb.Opened())
}

func TestLoopback_Unavailable(t *testing.T) {
	lb := NewLoopback(echoServer, nil)
	lb.SetUnavailable(errors.New("maintenance"))

	_, err := lb.Open(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, 0, lb.Opened())
}

func TestLoopback_HandlerErrorIsFault(t *testing.T) {
	lb := NewLoopback(func(ctx context.Context, call ServerCall) error {
		return errors.New("boom")
	}, nil)

	call, err := lb.Open(context.Background())
	require.NoError(t, err)
	_, err = call.Recv(context.Background())
	assert.ErrorIs(t, err, ErrTransportFault)
}

func TestLoopback_CloseCancelsRecv(t *testing.T) {
	lb := NewLoopback(func(ctx context.Context, call ServerCall) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	call, err := lb.Open(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := call.Recv(context.Background())
		errCh <- err
	}()
	require.NoError(t, call.Close())

	select {
	case err := <-errCh:
		assert.True(t, IsCancelled(err))
	case <-time.After(time.Second):
		t.Fatal("Recv did not return after Close")
	}
}

func TestWSClient_RoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	headers := make(chan http.Header, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ServeWS(r.Context(), conn, nil, echoServer, zerolog.Nop())
	}))
	defer srv.Close()

	cfg := DefaultWSConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.Source = "test-suite"
	client := NewWSClient(cfg, zerolog.Nop())

	ctx := context.Background()
	call, err := client.Open(ctx)
	require.NoError(t, err)
	defer call.Close()

	require.NoError(t, call.Send(ctx, frames.Config{AgentID: "a2"}))
	require.NoError(t, call.Send(ctx, frames.Data{Text: "over the wire"}))
	require.NoError(t, call.CloseSend())

	got := drain(t, call)
	assert.Equal(t, []frames.Envelope{
		frames.SessionIDAssignment{SessionID: "sess-a2"},
		frames.UserTranscript{Text: "over the wire", IsFinal: true},
	}, got)

	h := <-headers
	assert.Equal(t, "test-suite", h.Get(HeaderSource))
	assert.Equal(t, cfg.ClientVersion, h.Get(HeaderClientVersion))
}

func TestWSClient_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := DefaultWSConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	_, err := NewWSClient(cfg, zerolog.Nop()).Open(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}
