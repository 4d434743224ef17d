package relay

import (
	"context"
	"time"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/gorilla/websocket"
)

// Conn is the part of *websocket.Conn a session needs from either leg.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

type outboundFrame struct {
	messageType int
	data        []byte
}

// outbound serializes writes to one connection through a bounded queue.
// Enqueue never blocks; a full queue is reported to the caller, which tears
// the session down.
type outbound struct {
	conn         Conn
	frames       chan outboundFrame
	writeTimeout time.Duration
	pingInterval time.Duration
}

func newOutbound(conn Conn, size int, writeTimeout, pingInterval time.Duration) *outbound {
	if size <= 0 {
		size = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &outbound{
		conn:         conn,
		frames:       make(chan outboundFrame, size),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

func (o *outbound) Enqueue(messageType int, data []byte) error {
	select {
	case o.frames <- outboundFrame{messageType: messageType, data: data}:
		return nil
	default:
		return shared.ErrOutboundQueueFull
	}
}

// Run writes queued frames until ctx is done or a write fails. A zero ping
// interval disables keepalive pings.
func (o *outbound) Run(ctx context.Context) error {
	var pingC <-chan time.Time
	if o.pingInterval > 0 {
		ticker := time.NewTicker(o.pingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pingC:
			deadline := time.Now().Add(o.writeTimeout)
			if err := o.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame := <-o.frames:
			if ctx.Err() != nil {
				return nil
			}
			if err := o.write(frame); err != nil {
				return err
			}
		}
	}
}

func (o *outbound) write(frame outboundFrame) error {
	if err := o.conn.SetWriteDeadline(time.Now().Add(o.writeTimeout)); err != nil {
		return err
	}
	return o.conn.WriteMessage(frame.messageType, frame.data)
}

// closeWith sends a close frame with code and reason, best effort.
func (o *outbound) closeWith(code int, reason string) {
	deadline := time.Now().Add(min(o.writeTimeout, time.Second))
	_ = o.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
