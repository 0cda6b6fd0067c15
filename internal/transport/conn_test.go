// ABOUTME: Tests for the WebSocket frame connection
// ABOUTME: Round trips over httptest servers
package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/audera/audera-go/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades and sends every received frame straight back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, DefaultConfig())
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msg, err := conn.Receive()
			if err != nil {
				return
			}
			if err := conn.Send(msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialTest(t *testing.T, srv *httptest.Server) *Conn {
	t.Helper()
	addr := strings.TrimPrefix(srv.URL, "http://")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := Dial(ctx, addr, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSendReceiveRoundTrip(t *testing.T) {
	conn := dialTest(t, echoServer(t))

	hb, err := protocol.NewControl(protocol.TypeHeartbeat, 3, protocol.Heartbeat{Sent: 99})
	require.NoError(t, err)
	require.NoError(t, conn.Send(hb))
	require.NoError(t, conn.Send(protocol.NewAudio(protocol.AudioFrame{Seq: 4, Capture: 1234, Payload: []byte{1}})))

	got, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeHeartbeat, got.Type)
	assert.Equal(t, uint32(3), got.ID)

	got, err = conn.Receive()
	require.NoError(t, err)
	frame, err := got.Audio()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), frame.Seq)
	assert.Equal(t, int64(1234), frame.Capture)
}

func TestSendFuncBuildsUnderLock(t *testing.T) {
	conn := dialTest(t, echoServer(t))

	built := false
	err := conn.SendFunc(func() (protocol.Message, error) {
		built = true
		return protocol.NewControl(protocol.TypeGoodbye, 1, protocol.Goodbye{Reason: "test"})
	})
	require.NoError(t, err)
	assert.True(t, built)

	got, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeGoodbye, got.Type)
}

func TestTextMessageIsProtocolViolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	conn := dialTest(t, srv)
	_, err := conn.Receive()
	assert.True(t, errors.Is(err, protocol.ErrMalformed), "expected ErrMalformed, got %v", err)
}

func TestSendAfterClose(t *testing.T) {
	conn := dialTest(t, echoServer(t))
	require.NoError(t, conn.Close())

	select {
	case <-conn.Done():
	default:
		t.Fatal("expected Done to be closed")
	}

	err := conn.Send(protocol.NewAudio(protocol.AudioFrame{}))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = conn.Receive()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "127.0.0.1:1", DefaultConfig())
	assert.Error(t, err)
}
