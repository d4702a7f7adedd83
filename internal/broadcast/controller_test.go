package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeServer speaks enough of obs-websocket v5 for the controller
type fakeServer struct {
	password string

	mu        sync.Mutex
	requests  []string
	streaming bool
	authOK    bool
}

func (s *fakeServer) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		helloData := map[string]any{"obsWebSocketVersion": "5.5.0", "rpcVersion": 1}
		if s.password != "" {
			helloData["authentication"] = map[string]string{"challenge": "chal", "salt": "salt"}
		}
		if err := writeMsg(conn, opHello, helloData); err != nil {
			return
		}

		var msg message
		if err := conn.ReadJSON(&msg); err != nil || msg.Op != opIdentify {
			return
		}
		var id identify
		_ = json.Unmarshal(msg.D, &id)
		if s.password != "" && id.Authentication != authResponse(s.password, "salt", "chal") {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(4009, "Authentication failed."), time.Now().Add(time.Second))
			return
		}
		s.mu.Lock()
		s.authOK = true
		s.mu.Unlock()

		if err := writeMsg(conn, opIdentified, map[string]int{"negotiatedRpcVersion": 1}); err != nil {
			return
		}

		for {
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			var req request
			_ = json.Unmarshal(msg.D, &req)

			s.mu.Lock()
			s.requests = append(s.requests, req.RequestType)
			s.mu.Unlock()

			// Unsolicited events are interleaved with responses
			_ = writeMsg(conn, opEvent, map[string]any{"eventType": "StreamStateChanged"})

			resp := map[string]any{
				"requestType":   req.RequestType,
				"requestId":     req.RequestID,
				"requestStatus": map[string]any{"result": true, "code": 100},
			}
			switch req.RequestType {
			case "GetStreamStatus":
				s.mu.Lock()
				resp["responseData"] = map[string]any{"outputActive": s.streaming, "outputDuration": 1500}
				s.mu.Unlock()
			case "StartStream":
				s.mu.Lock()
				s.streaming = true
				s.mu.Unlock()
			case "StopStream":
				s.mu.Lock()
				if !s.streaming {
					resp["requestStatus"] = map[string]any{"result": false, "code": 501, "comment": "not active"}
				}
				s.streaming = false
				s.mu.Unlock()
			default:
				resp["requestStatus"] = map[string]any{"result": false, "code": 204}
			}
			if err := writeMsg(conn, opResponse, resp); err != nil {
				return
			}
		}
	}
}

func writeMsg(conn *websocket.Conn, op int, d any) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return conn.WriteJSON(message{Op: op, D: payload})
}

func startServer(t *testing.T, s *fakeServer) string {
	t.Helper()
	srv := httptest.NewServer(s.handler(t))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestController_StreamLifecycle(t *testing.T) {
	server := &fakeServer{password: "hunter2"}
	url := startServer(t, server)
	ctx := context.Background()

	c := New(url, "hunter2", zerolog.Nop())
	defer c.Close()

	if c.Connected() {
		t.Fatal("connected before first call")
	}

	st, err := c.StreamStatus(ctx)
	if err != nil {
		t.Fatalf("StreamStatus: %v", err)
	}
	if st.Active {
		t.Error("stream active before start")
	}
	if !c.Connected() {
		t.Error("not connected after successful call")
	}

	if err := c.StartStream(ctx); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	st, err = c.StreamStatus(ctx)
	if err != nil {
		t.Fatalf("StreamStatus: %v", err)
	}
	if !st.Active || st.DurationMS != 1500 {
		t.Errorf("unexpected status: %+v", st)
	}

	if err := c.StopStream(ctx); err != nil {
		t.Fatalf("StopStream: %v", err)
	}

	// Rejected requests surface as RequestError and keep the connection
	err = c.StopStream(ctx)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != 501 {
		t.Errorf("Code = %d, want 501", reqErr.Code)
	}
	if !c.Connected() {
		t.Error("disconnected after rejected request")
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if !server.authOK {
		t.Error("server did not accept authentication")
	}
	want := []string{"GetStreamStatus", "StartStream", "GetStreamStatus", "StopStream", "StopStream"}
	if strings.Join(server.requests, ",") != strings.Join(want, ",") {
		t.Errorf("requests = %v, want %v", server.requests, want)
	}
}

func TestController_BadPassword(t *testing.T) {
	url := startServer(t, &fakeServer{password: "right"})

	c := New(url, "wrong", zerolog.Nop())
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error with wrong password")
	}
	if c.Connected() {
		t.Error("connected despite failed identify")
	}
}

func TestController_NoAuth(t *testing.T) {
	url := startServer(t, &fakeServer{})

	c := New(url, "", zerolog.Nop())
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestController_Disabled(t *testing.T) {
	c := New("", "", zerolog.Nop())
	if c.Enabled() {
		t.Error("Enabled with empty url")
	}
	if err := c.StopStream(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}

type brokenClient struct {
	closed bool
}

func (b *brokenClient) call(ctx context.Context, requestType string, data any, out any) error {
	return errors.New("connection reset")
}

func (b *brokenClient) Close() error {
	b.closed = true
	return nil
}

func TestController_ReconnectsAfterTransportError(t *testing.T) {
	c := New("ws://example.invalid", "", zerolog.Nop())
	dials := 0
	broken := &brokenClient{}
	c.connect = func(ctx context.Context, url, password string) (rpcClient, error) {
		dials++
		return broken, nil
	}

	if err := c.StopStream(context.Background()); err == nil {
		t.Fatal("expected transport error")
	}
	if !broken.closed {
		t.Error("broken client not closed")
	}
	if c.Connected() {
		t.Error("still connected after transport error")
	}

	_ = c.StopStream(context.Background())
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
}

func TestAuthResponse(t *testing.T) {
	// Deterministic and sensitive to every input
	a := authResponse("pw", "salt", "chal")
	if a != authResponse("pw", "salt", "chal") {
		t.Error("authResponse not deterministic")
	}
	for _, other := range []string{
		authResponse("pw2", "salt", "chal"),
		authResponse("pw", "salt2", "chal"),
		authResponse("pw", "salt", "chal2"),
	} {
		if other == a {
			t.Error("authResponse ignored an input")
		}
	}
}
