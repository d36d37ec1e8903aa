// Package client is the operator-facing facade for one server: it loads
// apps onto the node's event loop, builds and issues originate commands,
// and proxies api/bgapi calls over its own transmit connection.
package client

import (
	"fmt"

	"github.com/callstorm/callstorm/internal/node"
)

// Registration binds one event type to exactly one of a handler, a
// callback, or a coroutine. Prepend places the entry ahead of previously
// registered ones for its (app, event) chain.
type Registration struct {
	Event     string
	Handler   node.HandlerFunc
	Callback  node.CallbackFunc
	Coroutine node.CoroutineFunc
	Prepend   bool
}

func (r Registration) validate() error {
	if r.Event == "" {
		return fmt.Errorf("registration without an event name")
	}
	n := 0
	if r.Handler != nil {
		n++
	}
	if r.Callback != nil {
		n++
	}
	if r.Coroutine != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("registration for %s must carry exactly one of handler, callback, or coroutine", r.Event)
	}
	return nil
}

// App is anything that can be loaded under an app id: it reports the event
// registrations to install on the node's event loop.
type App interface {
	Registrations() []Registration
}

// Initializer is implemented by apps needing setup when loaded. Init runs
// before any registration is installed; an error aborts the load.
type Initializer interface {
	Init(env *Env) error
}

// Finalizer is implemented by apps needing teardown when unloaded.
type Finalizer interface {
	Teardown() error
}

// Env hands a loading app its owning client and listener. Anything cluster
// scoped is injected by the app's own constructor instead.
type Env struct {
	Client   *Client
	Listener *node.Listener
}
