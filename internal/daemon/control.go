package daemon

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Control socket opcodes
const (
	opRequest  = 1
	opResponse = 2
)

// maxFrame bounds a single control frame
const maxFrame = 1 << 20

// Control commands accepted over the socket
const (
	CommandPing    = "ping"
	CommandPlay    = "play"
	CommandPause   = "pause"
	CommandStatus  = "status"
	CommandRestart = "restart"
)

// Request is a control command sent to the daemon
type Request struct {
	ID      string `json:"id"`
	Command string `json:"command"`
}

// Response answers a Request
type Response struct {
	ID     string    `json:"id"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	Status *Snapshot `json:"status,omitempty"`
}

// Handler executes a control command
type Handler func(ctx context.Context, command string) Response

// ControlServer accepts framed JSON commands on a unix socket
type ControlServer struct {
	path    string
	handler Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewControlServer creates a server bound to path once Run is called
func NewControlServer(path string, handler Handler, logger zerolog.Logger) *ControlServer {
	return &ControlServer{
		path:    path,
		handler: handler,
		logger:  logger.With().Str("component", "control").Logger(),
	}
}

// Listen binds the socket, replacing a stale one left by a previous run
func (s *ControlServer) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Run serves connections until ctx is cancelled. Listen must be called first.
func (s *ControlServer) Run(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("control server not listening")
	}

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	s.logger.Info().Str("socket", s.path).Msg("Control socket listening")

	var wg sync.WaitGroup
	defer wg.Wait()
	defer os.Remove(s.path)

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(ctx, conn)
		}()
	}
}

func (s *ControlServer) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	op, data, err := readFrame(conn)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to read control frame")
		return
	}
	if op != opRequest {
		s.logger.Debug().Uint32("op", op).Msg("Unexpected control opcode")
		return
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.reply(conn, Response{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	s.logger.Debug().Str("command", req.Command).Str("id", req.ID).Msg("Control command")

	resp := s.handler(ctx, req.Command)
	resp.ID = req.ID
	s.reply(conn, resp)
}

func (s *ControlServer) reply(conn net.Conn, resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode control response")
		return
	}
	if err := writeFrame(conn, opResponse, payload); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write control response")
	}
}

// Send issues a single command to the daemon listening on socketPath
func Send(ctx context.Context, socketPath, command string) (Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := Request{ID: uuid.NewString(), Command: command}
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	if err := writeFrame(conn, opRequest, payload); err != nil {
		return Response{}, fmt.Errorf("write request: %w", err)
	}

	op, data, err := readFrame(conn)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	if op != opResponse {
		return Response{}, fmt.Errorf("unexpected opcode %d", op)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.ID != req.ID {
		return Response{}, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	if !resp.OK {
		return resp, fmt.Errorf("daemon: %s", resp.Error)
	}
	return resp, nil
}

// writeFrame sends [opcode LE u32][length LE u32][payload]
func writeFrame(w io.Writer, opcode uint32, payload []byte) error {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], opcode)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame, allocating exactly the declared length
func readFrame(r io.Reader) (uint32, []byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	opcode := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > maxFrame {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return opcode, payload, nil
}
