package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// ErrGone reports a send to a connection the transport no longer has. The
// router logs these at warn and carries on; a vanished console must not abort
// the dispatch chain for other frames.
var ErrGone = errors.New("gateway: connection gone")

// Sender delivers outbound frames to one console connection. Implementations
// must be safe for concurrent use — the inbound handler, the ASR reader, and
// analysis completions all send on the same connection.
type Sender interface {
	Send(ctx context.Context, frame Outbound) error
}

// wsSender sends JSON text frames over a coder/websocket connection with a
// bounded per-write timeout. A timed-out or failed write is reported as
// ErrGone.
type wsSender struct {
	conn    *websocket.Conn
	timeout time.Duration
}

// newWSSender wraps conn. timeout bounds each write.
func newWSSender(conn *websocket.Conn, timeout time.Duration) *wsSender {
	return &wsSender{conn: conn, timeout: timeout}
}

// Send marshals the frame and writes it as one text message.
func (s *wsSender) Send(ctx context.Context, frame Outbound) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("gateway: marshal %s frame: %w", frame.Type, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", ErrGone, err)
	}
	return nil
}
