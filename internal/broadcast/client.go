package broadcast

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// obs-websocket v5 opcodes
const (
	opHello      = 0
	opIdentify   = 1
	opIdentified = 2
	opEvent      = 5
	opRequest    = 6
	opResponse   = 7
)

const (
	rpcVersion     = 1
	defaultTimeout = 5 * time.Second
)

type message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type hello struct {
	ObsWebSocketVersion string `json:"obsWebSocketVersion"`
	RPCVersion          int    `json:"rpcVersion"`
	Authentication      *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication,omitempty"`
}

type identify struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type request struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type response struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData"`
}

// RequestError is a request the broadcast app rejected
type RequestError struct {
	RequestType string
	Code        int
	Comment     string
}

func (e *RequestError) Error() string {
	if e.Comment == "" {
		return fmt.Sprintf("%s failed with code %d", e.RequestType, e.Code)
	}
	return fmt.Sprintf("%s failed with code %d: %s", e.RequestType, e.Code, e.Comment)
}

type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// dial connects and completes the Hello/Identify handshake
func dial(ctx context.Context, url, password string) (*wsClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: defaultTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &wsClient{conn: conn}

	if err := c.identify(ctx, password); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *wsClient) identify(ctx context.Context, password string) error {
	c.setDeadline(ctx)

	var msg message
	if err := c.conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("hello read: %w", err)
	}
	if msg.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", msg.Op)
	}

	var h hello
	if err := json.Unmarshal(msg.D, &h); err != nil {
		return fmt.Errorf("unmarshal hello: %w", err)
	}

	id := identify{RPCVersion: rpcVersion}
	if h.Authentication != nil {
		if password == "" {
			return fmt.Errorf("server requires a password")
		}
		id.Authentication = authResponse(password, h.Authentication.Salt, h.Authentication.Challenge)
	}

	if err := c.write(opIdentify, id); err != nil {
		return fmt.Errorf("identify write: %w", err)
	}

	if err := c.conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("identify read: %w", err)
	}
	if msg.Op != opIdentified {
		return fmt.Errorf("expected identified, got op %d", msg.Op)
	}
	return nil
}

// authResponse computes base64(sha256(base64(sha256(password+salt)) + challenge))
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

// call sends a request and waits for its response, skipping any events
func (c *wsClient) call(ctx context.Context, requestType string, data any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setDeadline(ctx)

	reqID := uuid.NewString()
	if err := c.write(opRequest, request{
		RequestType: requestType,
		RequestID:   reqID,
		RequestData: data,
	}); err != nil {
		return err
	}

	for {
		var msg message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Op == opEvent {
			continue
		}
		if msg.Op != opResponse {
			return fmt.Errorf("unexpected op %d", msg.Op)
		}

		var resp response
		if err := json.Unmarshal(msg.D, &resp); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		if resp.RequestID != reqID {
			continue
		}
		if !resp.RequestStatus.Result {
			return &RequestError{
				RequestType: requestType,
				Code:        resp.RequestStatus.Code,
				Comment:     resp.RequestStatus.Comment,
			}
		}
		if out != nil && len(resp.ResponseData) > 0 {
			if err := json.Unmarshal(resp.ResponseData, out); err != nil {
				return fmt.Errorf("unmarshal %s data: %w", requestType, err)
			}
		}
		return nil
	}
}

func (c *wsClient) write(op int, d any) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(message{Op: op, D: payload})
}

func (c *wsClient) setDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	_ = c.conn.SetReadDeadline(deadline)
	_ = c.conn.SetWriteDeadline(deadline)
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
