package runtime

import "github.com/shilomagen/shula-sub000/internal/driver"

// compositeHandler fans each driver callback out to every registered
// handler, in order. The lifecycle manager comes first so state transitions
// land before content handling sees the callback.
type compositeHandler struct {
	handlers []driver.Handler
}

func newCompositeHandler(handlers ...driver.Handler) *compositeHandler {
	return &compositeHandler{handlers: handlers}
}

func (c *compositeHandler) OnReady() {
	for _, h := range c.handlers {
		h.OnReady()
	}
}

func (c *compositeHandler) OnAuthChallenge(code string) {
	for _, h := range c.handlers {
		h.OnAuthChallenge(code)
	}
}

func (c *compositeHandler) OnAuthFailure(msg string) {
	for _, h := range c.handlers {
		h.OnAuthFailure(msg)
	}
}

func (c *compositeHandler) OnDisconnected(reason string) {
	for _, h := range c.handlers {
		h.OnDisconnected(reason)
	}
}

func (c *compositeHandler) OnMessage(msg driver.RawMessage) {
	for _, h := range c.handlers {
		h.OnMessage(msg)
	}
}

func (c *compositeHandler) OnAck(ack driver.RawAck) {
	for _, h := range c.handlers {
		h.OnAck(ack)
	}
}

func (c *compositeHandler) OnReaction(r driver.RawReaction) {
	for _, h := range c.handlers {
		h.OnReaction(r)
	}
}

func (c *compositeHandler) OnGroupJoin(n driver.GroupNotification) {
	for _, h := range c.handlers {
		h.OnGroupJoin(n)
	}
}

func (c *compositeHandler) OnGroupLeave(n driver.GroupNotification) {
	for _, h := range c.handlers {
		h.OnGroupLeave(n)
	}
}

func (c *compositeHandler) OnGroupAdminChanged(n driver.GroupNotification) {
	for _, h := range c.handlers {
		h.OnGroupAdminChanged(n)
	}
}
