package parser

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

// lane delivers messages of one direction in order. Paused messages are
// held until the state returns to none; ignored messages are dropped.
type lane struct {
	mu   sync.Mutex
	held []Message
	emit func(Message)
}

func (l *lane) push(state types.ParserState, m Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch state {
	case types.StatePause:
		l.held = append(l.held, m)
	case types.StateIgnore:
	default:
		l.flushLocked()
		l.emit(m)
	}
}

func (l *lane) onState(change StateChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch change.Current {
	case types.StateNone:
		l.flushLocked()
	case types.StateIgnore:
		l.held = nil
	}
}

func (l *lane) flushLocked() {
	held := l.held
	l.held = nil
	for _, m := range held {
		l.emit(m)
	}
}

func (l *lane) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// Socket is the client side of a parser connection carried over a
// WebSocket. Client messages are captured and forwarded to sendToServer
// listeners subject to the send state; server messages passed to
// ServerMessage are captured and written to the client subject to the
// receive state. Injected sendToClient frames are written directly.
type Socket struct {
	conn *Conn
	nc   net.Conn

	writeMu sync.Mutex
	send    lane
	receive lane

	done chan struct{}
}

// Upgrade upgrades the plugin-side HTTP request to a WebSocket and binds it
// to c. The socket is read until the client goes away, at which point c is
// disconnected.
func Upgrade(w http.ResponseWriter, r *http.Request, c *Conn) (*Socket, error) {
	nc, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, err
	}

	s := &Socket{conn: c, nc: nc, done: make(chan struct{})}
	s.send.emit = c.toServer.publish
	s.receive.emit = s.writeClient

	c.Attach(func() { _ = nc.Close() })
	c.OnSendToClient(s.writeClient)
	c.OnSendStateChange(s.send.onState)
	c.OnReceiveStateChange(s.receive.onState)

	go s.readLoop()
	return s, nil
}

// ServerMessage captures a message received from the server and delivers it
// to the client according to the receive state.
func (s *Socket) ServerMessage(data []byte, binary bool) {
	opcode := types.OpcodeText
	if binary {
		opcode = types.OpcodeBinary
	}
	if s.conn.ServerFrame(data, types.FrameOptions{Opcode: opcode}) == nil {
		return
	}
	s.receive.push(s.conn.ReceiveState().Current, Message{Data: data, Binary: binary})
}

// Held returns the number of paused messages in each direction.
func (s *Socket) Held() (send, receive int) {
	return s.send.pending(), s.receive.pending()
}

// Done is closed once the read loop has exited.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Close closes the underlying connection.
func (s *Socket) Close() error {
	return s.nc.Close()
}

func (s *Socket) readLoop() {
	defer close(s.done)
	for {
		data, op, err := wsutil.ReadClientData(s.nc)
		if err != nil {
			s.conn.Disconnect(closeError(err))
			_ = s.nc.Close()
			return
		}
		binary := op == ws.OpBinary
		opcode := types.OpcodeText
		if binary {
			opcode = types.OpcodeBinary
		}
		if s.conn.ClientFrame(data, types.FrameOptions{Opcode: opcode}) == nil {
			continue
		}
		s.send.push(s.conn.SendState().Current, Message{Data: data, Binary: binary})
	}
}

func (s *Socket) writeClient(m Message) {
	op := ws.OpText
	if m.Binary {
		op = ws.OpBinary
	}
	s.writeMu.Lock()
	err := wsutil.WriteServerMessage(s.nc, op, m.Data)
	s.writeMu.Unlock()
	if err != nil {
		slog.Debug("parser socket write failed", "request_id", s.conn.ID(), "error", err)
	}
}

// closeError maps a read error onto the disconnect error: a close frame or
// EOF is a clean close.
func closeError(err error) error {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
