package realtime

import "context"

// Context carries one inbound event through the middleware chain to its
// handler.
type Context struct {
	context.Context
	Conn *Conn
	Hub  *Hub
	Kind EventKind
}

func (c *Context) Send(eventType string, payload any) error {
	return c.Hub.sendTo(c.Conn, newEnvelope(eventType, payload))
}
