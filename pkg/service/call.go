package service

import "context"

// Handler serves the calls accepted by a `Server`.
//
// ServeCall runs on its own goroutine and may block as long as the call
// needs. It should end the call with one of `Call.SetSucceeded`,
// `Call.SetFailed` or `Call.SetAborted`; returning without doing so
// aborts the call. The returned payload is sent with the terminal reply.
type Handler interface {
	ServeCall(call *Call, request []byte) []byte
}

// HandlerFunc adapts a function to the `Handler` interface.
type HandlerFunc func(call *Call, request []byte) []byte

func (fn HandlerFunc) ServeCall(call *Call, request []byte) []byte {
	return fn(call, request)
}

// Call is the handle a `Handler` uses to observe and end its call.
// It is safe for concurrent use.
type Call struct {
	ctx context.Context
	s   *slot
	gen uint64
}

// Context is cancelled when the client goes away or the server shuts
// down. A cancel request from the client does NOT cancel it.
func (c *Call) Context() context.Context {
	return c.ctx
}

// Slot returns the id of the slot serving the call.
func (c *Call) Slot() uint32 {
	return c.s.id
}

// Status returns the current status of the call.
func (c *Call) Status() CallStatus {
	c.s.lk.RLock()
	defer c.s.lk.RUnlock()
	if c.s.gen != c.gen {
		return Aborted
	}
	return c.s.status
}

// IsCancelRequested reports whether the client asked to cancel the call.
func (c *Call) IsCancelRequested() bool {
	return c.Status() == CancelRequested
}

// IsAborted reports whether the call was aborted, either by the handler
// or because its stream is gone.
func (c *Call) IsAborted() bool {
	return c.Status() == Aborted
}

// SetSucceeded ends the call successfully. Like the other setters, it
// returns false and does nothing if the call already ended.
func (c *Call) SetSucceeded() bool {
	return c.transition(Succeeded)
}

// SetFailed ends the call with an error.
func (c *Call) SetFailed() bool {
	return c.transition(Failed)
}

// SetAborted gives up on the call.
func (c *Call) SetAborted() bool {
	return c.transition(Aborted)
}

func (c *Call) transition(to CallStatus) bool {
	c.s.lk.Lock()
	defer c.s.lk.Unlock()
	if c.s.gen != c.gen || !c.s.running {
		return false
	}

	switch c.s.status {
	case Running, CancelRequested:
		c.s.status = to
		return true
	default:
		return false
	}
}
