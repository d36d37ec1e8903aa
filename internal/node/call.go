package node

import (
	"context"
	"sync"
)

// Call groups the sessions that together form one phone call, associated by
// the listener's call-tracking header.
type Call struct {
	uuid string

	mu       sync.Mutex
	sessions []*Session
	first    *Session
	last     *Session
	vars     map[string]any
}

// NewCall starts a call containing its initial session.
func NewCall(uuid string, first *Session) *Call {
	return &Call{
		uuid:     uuid,
		sessions: []*Session{first},
		first:    first,
		vars:     make(map[string]any),
	}
}

// ID implements Model.
func (c *Call) ID() string { return c.uuid }

// UUID returns the call's tracking id.
func (c *Call) UUID() string { return c.uuid }

// CID returns the app id of the call's first session.
func (c *Call) CID() string {
	c.mu.Lock()
	first := c.first
	c.mu.Unlock()
	if first == nil {
		return ""
	}
	return first.CID()
}

// Done reports whether every member session has hung up.
func (c *Call) Done() bool { return c.Len() == 0 }

// Append adds a later leg and updates the last-session reference.
func (c *Call) Append(sess *Session) {
	c.mu.Lock()
	c.sessions = append(c.sessions, sess)
	c.last = sess
	c.mu.Unlock()
}

// remove drops a hungup session. Reports whether it was a member.
func (c *Call) remove(sess *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.sessions {
		if s == sess {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of tracked member sessions.
func (c *Call) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Sessions returns a snapshot of the member sessions in join order.
func (c *Call) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, len(c.sessions))
	copy(out, c.sessions)
	return out
}

// First returns the session that originated the call.
func (c *Call) First() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.first
}

// Last returns the most recently joined leg, nil for single-leg calls.
func (c *Call) Last() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// GetPeer returns the opposite end of the call relative to sess, nil when
// sess is neither the first nor the last leg.
func (c *Call) GetPeer(sess *Session) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess == nil {
		return nil
	}
	switch sess {
	case c.first:
		return c.last
	case c.last:
		return c.first
	}
	return nil
}

// AppVar reads call-scoped application state.
func (c *Call) AppVar(name string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vars[name]
}

// SetAppVar writes call-scoped application state.
func (c *Call) SetAppVar(name string, value any) {
	c.mu.Lock()
	c.vars[name] = value
	c.mu.Unlock()
}

// Hangup hangs up the whole call by killing its first leg; the server tears
// down bridged legs itself.
func (c *Call) Hangup(ctx context.Context) error {
	first := c.First()
	if first == nil {
		return nil
	}
	_, err := first.Hangup(ctx, "")
	return err
}
