// Package testhelpers provides common utilities and helper functions for testing the Nexus Chat gateway.
//
// It is shared by the package-level tests of the server and client packages: it dials
// authenticated websocket connections, emits protocol events and reads them back
// across batched frames.
package testhelpers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus-chat/internal/protocol"
)

// TestOrigin is the origin allowed by the default configuration.
const TestOrigin = "http://localhost:8080"

// DefaultTimeout bounds every read performed by the helpers.
const DefaultTimeout = 2 * time.Second

// CreateTestServer creates a test HTTP server with the given handler.
// It returns a running httptest.Server that should be closed after use.
func CreateTestServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// WebSocketURL converts an httptest server URL to its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	return resp
}

// ConnectWebSocket dials url presenting token as a bearer credential. The
// handshake response is returned so rejected handshakes can be inspected.
func ConnectWebSocket(url, token string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Emit sends one event envelope.
func Emit(conn *websocket.Conn, event protocol.EventType, payload any) error {
	raw, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// ErrTimeout is returned when no matching event arrives in time.
var ErrTimeout = errors.New("timed out waiting for event")

// EventReader reads envelopes from a connection, splitting batched frames.
// It is not safe for concurrent use.
type EventReader struct {
	conn    *websocket.Conn
	pending []protocol.Envelope
}

// NewEventReader wraps conn.
func NewEventReader(conn *websocket.Conn) *EventReader {
	return &EventReader{conn: conn}
}

// Next returns the next envelope, waiting at most timeout for a frame.
func (r *EventReader) Next(timeout time.Duration) (protocol.Envelope, error) {
	for len(r.pending) == 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return protocol.Envelope{}, err
		}
		_, frame, err := r.conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return protocol.Envelope{}, ErrTimeout
			}
			return protocol.Envelope{}, err
		}
		envs, err := protocol.DecodeFrame(frame)
		if err != nil {
			return protocol.Envelope{}, err
		}
		r.pending = append(r.pending, envs...)
	}
	env := r.pending[0]
	r.pending = r.pending[1:]
	return env, nil
}

// Expect returns the next envelope of the given event, skipping presence
// events unless presence is what is expected. Any other event fails the test.
func (r *EventReader) Expect(t *testing.T, event protocol.EventType) protocol.Envelope {
	t.Helper()
	for {
		env, err := r.Next(DefaultTimeout)
		if err != nil {
			t.Fatalf("waiting for %q: %v", event, err)
		}
		if env.Event == event {
			return env
		}
		if env.Event == protocol.EventPresence {
			continue
		}
		t.Fatalf("expected %q event, got %q: %s", event, env.Event, string(env.Data))
	}
}

// ExpectInto is Expect followed by binding the payload into v.
func (r *EventReader) ExpectInto(t *testing.T, event protocol.EventType, v any) {
	t.Helper()
	env := r.Expect(t, event)
	if err := env.Bind(v); err != nil {
		t.Fatalf("bind %q: %v", event, err)
	}
}

// ExpectNone fails if an event other than presence arrives within d. A
// websocket read deadline poisons the connection, so call it last.
func (r *EventReader) ExpectNone(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		env, err := r.Next(remaining)
		if errors.Is(err, ErrTimeout) {
			return
		}
		if err != nil {
			return
		}
		if env.Event != protocol.EventPresence {
			t.Fatalf("unexpected %q event: %s", env.Event, string(env.Data))
		}
	}
}
