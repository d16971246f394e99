package parser

import (
	"log/slog"
	"sync"

	"github.com/dgnsrekt/plugin_bridge/internal/controlplane"
	"github.com/dgnsrekt/plugin_bridge/internal/payload"
	"github.com/dgnsrekt/plugin_bridge/internal/types"
)

// Conn is the custom-parser state of one intercepted connection.
type Conn struct {
	id     string
	engine *Engine

	mu           sync.Mutex
	send         tracker
	receive      tracker
	disconnected bool
	closer       func()

	sendState    hub[StateChange]
	receiveState hub[StateChange]
	disconnect   hub[error]
	clientFrame  hub[*types.Frame]
	serverFrame  hub[*types.Frame]
	toClient     hub[Message]
	toServer     hub[Message]
}

func newConn(id string, engine *Engine, initial types.InitialStates) *Conn {
	c := &Conn{
		id:      id,
		engine:  engine,
		send:    tracker{cur: initial.Send},
		receive: tracker{cur: initial.Receive},
	}
	c.sendState.name = "sendStateChange"
	c.receiveState.name = "receiveStateChange"
	c.disconnect.name = "disconnect"
	c.clientFrame.name = "clientFrame"
	c.serverFrame.name = "serverFrame"
	c.toClient.name = "sendToClient"
	c.toServer.name = "sendToServer"
	return c
}

// ID returns the request id.
func (c *Conn) ID() string { return c.id }

// SendState returns the current and previous send states.
func (c *Conn) SendState() StateChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StateChange{Current: c.send.cur, Previous: c.send.prev}
}

// ReceiveState returns the current and previous receive states.
func (c *Conn) ReceiveState() StateChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StateChange{Current: c.receive.cur, Previous: c.receive.prev}
}

// Disconnected reports whether Disconnect has run.
func (c *Conn) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// Attach installs the function that tears the underlying connection down
// when the control plane drops it.
func (c *Conn) Attach(closer func()) {
	c.mu.Lock()
	c.closer = closer
	c.mu.Unlock()
}

// Attached reports whether a transport has been attached.
func (c *Conn) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closer != nil
}

// OnSendStateChange subscribes fn to send state changes. When a state is
// already known fn is called with it before OnSendStateChange returns.
func (c *Conn) OnSendStateChange(fn func(StateChange)) (cancel func()) {
	cancel = c.sendState.subscribe(fn)
	c.mu.Lock()
	last, ok := c.send.last()
	c.mu.Unlock()
	if ok {
		c.sendState.deliver(fn, last)
	}
	return cancel
}

// OnReceiveStateChange is the receive-side counterpart of OnSendStateChange.
func (c *Conn) OnReceiveStateChange(fn func(StateChange)) (cancel func()) {
	cancel = c.receiveState.subscribe(fn)
	c.mu.Lock()
	last, ok := c.receive.last()
	c.mu.Unlock()
	if ok {
		c.receiveState.deliver(fn, last)
	}
	return cancel
}

// OnDisconnect subscribes fn to the one-shot disconnect event. A nil error
// means a clean close.
func (c *Conn) OnDisconnect(fn func(error)) (cancel func()) {
	return c.disconnect.subscribe(fn)
}

func (c *Conn) OnClientFrame(fn func(*types.Frame)) (cancel func()) {
	return c.clientFrame.subscribe(fn)
}

func (c *Conn) OnServerFrame(fn func(*types.Frame)) (cancel func()) {
	return c.serverFrame.subscribe(fn)
}

// OnSendToClient subscribes fn to frames that must be written to the client.
func (c *Conn) OnSendToClient(fn func(Message)) (cancel func()) {
	return c.toClient.subscribe(fn)
}

// OnSendToServer subscribes fn to frames that must be written to the server.
func (c *Conn) OnSendToServer(fn func(Message)) (cancel func()) {
	return c.toServer.subscribe(fn)
}

// ClientFrame captures a frame sent by the client.
func (c *Conn) ClientFrame(data []byte, opts types.FrameOptions) *types.Frame {
	f := c.engine.recorder.Record(c.id, data, opts, true)
	if f != nil {
		c.clientFrame.publish(f)
	}
	return f
}

// ServerFrame captures a frame sent by the server.
func (c *Conn) ServerFrame(data []byte, opts types.FrameOptions) *types.Frame {
	f := c.engine.recorder.Record(c.id, data, opts, false)
	if f != nil {
		c.serverFrame.publish(f)
	}
	return f
}

// Disconnect ends the connection once: it queues the closing marker frame,
// deregisters the connection and emits disconnect. Later calls do nothing.
func (c *Conn) Disconnect(err error) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	c.mu.Unlock()

	c.engine.recorder.RecordClose(c.id, err)
	c.engine.remove(c)
	c.engine.poller.Schedule(c.engine.cfg.SuccessInterval)
	slog.Debug("parser connection closed", "request_id", c.id, "error", err)
	c.disconnect.publish(err)
}

func (c *Conn) destroy() {
	c.mu.Lock()
	closer := c.closer
	c.mu.Unlock()
	if closer != nil {
		closer()
	}
	c.Disconnect(nil)
}

// apply handles one control-plane directive. A nil directive destroys the
// connection.
func (c *Conn) apply(d *controlplane.Directive) {
	if d == nil {
		c.destroy()
		return
	}

	c.mu.Lock()
	sendChange, sendChanged := c.send.apply(types.StateFromStatus(d.SendStatus))
	recvChange, recvChanged := c.receive.apply(types.StateFromStatus(d.ReceiveStatus))
	c.mu.Unlock()

	if sendChanged {
		c.sendState.publish(sendChange)
	}
	if recvChanged {
		c.receiveState.publish(recvChange)
	}
	dispatch(&c.toClient, d.ToClient)
	dispatch(&c.toServer, d.ToServer)
}

func dispatch(h *hub[Message], frames []types.InjectedFrame) {
	for _, f := range frames {
		data := payload.Decode(f.Base64)
		if data == nil {
			continue
		}
		h.publish(Message{Data: data, Binary: f.Binary})
	}
}
