// Package node implements per-server state tracking: the event loop that
// dispatches decoded events through handler, callback, and coroutine chains,
// and the listener whose default handlers maintain session, call, and job
// tables.
package node

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/callstorm/callstorm/internal/esl"
)

// Server connection defaults.
const (
	DefaultPort     = 8021
	DefaultPassword = "ClueCon"
)

// Model is a tracked entity the dispatcher hands to application code: a
// Session, a Call, or a Job.
type Model interface {
	ID() string
	CID() string
	Done() bool
}

// HandlerFunc maintains core state for one event type. It reports whether
// the event was consumed and returns the affected model and job, either of
// which may be nil. Exactly one handler exists per event name.
type HandlerFunc func(ev esl.Event) (consumed bool, model Model, job *Job)

// CallbackFunc runs inline in the dispatch goroutine after the handler.
// Panics are logged and swallowed.
type CallbackFunc func(ev esl.Event, model Model, job *Job)

// CoroutineFunc is launched on its own goroutine after the callback chain.
// The context is cancelled when the loop shuts down.
type CoroutineFunc func(ctx context.Context, ev esl.Event, model Model, job *Job)

// EventLoop owns one receive connection to a server and dispatches its
// decoded events serially. Handlers are keyed by event name; callbacks and
// coroutines are keyed by (app id, event name).
type EventLoop struct {
	host     string
	port     int
	password string
	logger   *slog.Logger
	connOpts esl.Options

	mu           sync.RWMutex
	conn         *esl.Conn
	handlers     map[string]HandlerFunc
	callbacks    map[string]map[string][]CallbackFunc
	coroutines   map[string]map[string][]CoroutineFunc
	appIDHeaders []string
	unsub        map[string]struct{}
	running      bool
	epoch        time.Time
	fsTime       time.Time

	waitersMu sync.Mutex
	waiters   map[*Session]map[string][]chan struct{}

	ctx        context.Context
	cancel     context.CancelFunc
	dispatchWG sync.WaitGroup
	coroWG     sync.WaitGroup
}

// LoopOptions tune an event loop at construction.
type LoopOptions struct {
	// AppIDHeaders seeds the header names consulted to resolve an event's
	// app id, most specific first.
	AppIDHeaders []string
	Logger       *slog.Logger
	Conn         esl.Options
}

// NewEventLoop builds a loop for one server. No connection is made until
// Connect.
func NewEventLoop(host string, port int, password string, opts LoopOptions) *EventLoop {
	if port == 0 {
		port = DefaultPort
	}
	if password == "" {
		password = DefaultPassword
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLoop{
		host:         host,
		port:         port,
		password:     password,
		logger:       logger.With("component", "loop", "host", host),
		connOpts:     opts.Conn,
		handlers:     make(map[string]HandlerFunc),
		callbacks:    make(map[string]map[string][]CallbackFunc),
		coroutines:   make(map[string]map[string][]CoroutineFunc),
		appIDHeaders: append([]string(nil), opts.AppIDHeaders...),
		unsub:        make(map[string]struct{}),
		waiters:      make(map[*Session]map[string][]chan struct{}),
	}
}

// Host returns the server host this loop targets.
func (l *EventLoop) Host() string { return l.host }

// Port returns the server port this loop targets.
func (l *EventLoop) Port() int { return l.port }

// Password returns the event socket password.
func (l *EventLoop) Password() string { return l.password }

// Conn returns the loop's receive connection, nil before Connect.
func (l *EventLoop) Conn() *esl.Conn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn
}

// Connected reports whether the receive connection is up.
func (l *EventLoop) Connected() bool {
	conn := l.Conn()
	return conn != nil && conn.Connected()
}

// IsRunning reports whether the dispatcher is consuming events.
func (l *EventLoop) IsRunning() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

// Epoch returns the server time of the first dispatched event.
func (l *EventLoop) Epoch() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.epoch
}

// FSTime returns the server time of the most recently dispatched event.
func (l *EventLoop) FSTime() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fsTime
}

// Connect dials and authenticates the receive connection, then subscribes
// to every handled event type. Connecting twice is a no-op.
func (l *EventLoop) Connect(ctx context.Context) error {
	if l.Connected() {
		return nil
	}
	conn, err := esl.Dial(ctx, l.host, l.port, l.password, l.connOpts)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return l.subscribeHandled(ctx)
}

// subscribeHandled subscribes the connection to all handler-registered event
// types not on the unsubscribe list.
func (l *EventLoop) subscribeHandled(ctx context.Context) error {
	l.mu.RLock()
	names := make([]string, 0, len(l.handlers))
	for name := range l.handlers {
		if _, off := l.unsub[name]; !off {
			names = append(names, name)
		}
	}
	conn := l.conn
	l.mu.RUnlock()
	if conn == nil || len(names) == 0 {
		return nil
	}
	return conn.Subscribe(ctx, names...)
}

// Start launches the dispatcher goroutine. The loop must be connected.
func (l *EventLoop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil || !l.conn.Connected() {
		return &esl.ConfigurationError{Msg: "cannot start event loop before connecting"}
	}
	if l.running {
		return &esl.ConfigurationError{Msg: "event loop already running"}
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.running = true
	l.dispatchWG.Add(1)
	go l.run(l.conn)
	return nil
}

// Reconnect re-dials after transport loss and re-issues the recorded
// subscription set. The dispatcher keeps draining the same event channel.
func (l *EventLoop) Reconnect(ctx context.Context) error {
	conn := l.Conn()
	if conn == nil {
		return &esl.ConfigurationError{Msg: "reconnect requested before connect"}
	}
	if err := conn.Reconnect(ctx); err != nil {
		return err
	}
	return l.subscribeHandled(ctx)
}

// Disconnect exits the server link, stops the dispatcher, and cancels all
// in-flight coroutines.
func (l *EventLoop) Disconnect(ctx context.Context) error {
	conn := l.Conn()
	if conn == nil {
		return nil
	}
	err := conn.Disconnect(ctx)
	l.dispatchWG.Wait()
	l.mu.Lock()
	cancel := l.cancel
	l.running = false
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.coroWG.Wait()
	return err
}

// RegisterHandler installs the single handler for an event type and
// subscribes the connection to it when already connected.
func (l *EventLoop) RegisterHandler(evname string, h HandlerFunc) error {
	l.mu.Lock()
	if _, off := l.unsub[evname]; off {
		l.mu.Unlock()
		return &esl.ConfigurationError{Msg: "events of type " + evname + " have been unsubscribed for this loop"}
	}
	if _, dup := l.handlers[evname]; dup {
		l.mu.Unlock()
		return &esl.ConfigurationError{Msg: "a handler for " + evname + " already exists"}
	}
	l.handlers[evname] = h
	conn := l.conn
	l.mu.Unlock()

	if conn != nil && conn.Connected() {
		return conn.Subscribe(context.Background(), evname)
	}
	return nil
}

// HasHandler reports whether a handler is installed for the event type.
func (l *EventLoop) HasHandler(evname string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.handlers[evname]
	return ok
}

// Unsubscribe removes event types entirely: their handlers are dropped and
// re-registration is refused. Only valid while disconnected.
func (l *EventLoop) Unsubscribe(evnames ...string) error {
	if l.Connected() {
		return &esl.ConfigurationError{Msg: "you must disconnect this event loop before unsubscribing from events"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var missing []string
	for _, name := range evnames {
		l.unsub[name] = struct{}{}
		if _, ok := l.handlers[name]; ok {
			delete(l.handlers, name)
		} else {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		l.logger.Warn("no handlers registered for unsubscribed events", "events", missing)
	}
	return nil
}

// AddCallback appends (or prepends) a callback for (appID, evname).
func (l *EventLoop) AddCallback(appID, evname string, cb CallbackFunc, prepend bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.callbacks[appID]
	if m == nil {
		m = make(map[string][]CallbackFunc)
		l.callbacks[appID] = m
	}
	if prepend {
		m[evname] = append([]CallbackFunc{cb}, m[evname]...)
	} else {
		m[evname] = append(m[evname], cb)
	}
}

// AddCoroutine appends (or prepends) a coroutine for (appID, evname).
func (l *EventLoop) AddCoroutine(appID, evname string, coro CoroutineFunc, prepend bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.coroutines[appID]
	if m == nil {
		m = make(map[string][]CoroutineFunc)
		l.coroutines[appID] = m
	}
	if prepend {
		m[evname] = append([]CoroutineFunc{coro}, m[evname]...)
	} else {
		m[evname] = append(m[evname], coro)
	}
}

// RemoveApp drops every callback and coroutine registered under an app id.
func (l *EventLoop) RemoveApp(appID string) {
	l.mu.Lock()
	delete(l.callbacks, appID)
	delete(l.coroutines, appID)
	l.mu.Unlock()
}

// PrependAppIDHeader records a header name consulted for app id resolution.
// Newest registrations win, so the header is prepended.
func (l *EventLoop) PrependAppIDHeader(header string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.appIDHeaders {
		if h == header {
			return
		}
	}
	l.appIDHeaders = append([]string{header}, l.appIDHeaders...)
}

// AppIDHeaders returns the current app id resolution order.
func (l *EventLoop) AppIDHeaders() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.appIDHeaders...)
}

// AppID resolves the app id for an event: the first non-empty value among
// the registered headers, else the literal "default".
func (l *EventLoop) AppID(ev esl.Event) string {
	l.mu.RLock()
	headers := l.appIDHeaders
	l.mu.RUnlock()
	for _, h := range headers {
		if v := ev.Get(h); v != "" {
			return v
		}
	}
	return "default"
}

// run consumes the decoded event stream until the connection closes for
// good. Events are dispatched one at a time in arrival order.
func (l *EventLoop) run(conn *esl.Conn) {
	defer l.dispatchWG.Done()
	for ev := range conn.Events() {
		if !l.Dispatch(ev) {
			l.logger.Warn("unconsumed event", "event", ev)
		}
	}
	l.logger.Debug("event stream closed, dispatcher exiting")
}

// Dispatch routes one event: handler, session future completion, callback
// chain, coroutine launches, app-var waiter wakeup, and terminal-session
// future cancellation, in that order. The run goroutine drives it for live
// connections; it may also be fed directly with captured event streams.
func (l *EventLoop) Dispatch(ev esl.Event) bool {
	if ts := ev.Timestamp(); !ts.IsZero() {
		l.mu.Lock()
		if l.epoch.IsZero() {
			l.epoch = ts
		}
		l.fsTime = ts
		l.mu.Unlock()
	}

	evname := ev.Name()
	l.mu.RLock()
	handler := l.handlers[evname]
	l.mu.RUnlock()
	if handler == nil {
		l.logger.Error("unknown event", "event", evname)
		return false
	}

	consumed, model, job := l.invokeHandler(handler, evname, ev)

	var appID string
	switch {
	case model != nil:
		if appID = model.CID(); appID == "" {
			appID = "default"
		}
	case job != nil && job.CID() != "":
		// A failed origination leaves no session behind; the job still
		// knows which app launched it.
		appID = job.CID()
	default:
		appID = l.AppID(ev)
	}

	if sess, ok := model.(*Session); ok && sess != nil {
		if sess.completeRecv(evname, ev) {
			// Give resumed waiters a chance to run before the
			// callback chain observes further state changes.
			runtime.Gosched()
		}
	}

	if consumed {
		for _, cb := range l.callbackChain(appID, evname) {
			l.invokeCallback(cb, evname, ev, model, job)
		}
		for _, coro := range l.coroutineChain(appID, evname) {
			l.launchCoroutine(coro, evname, ev, model, job)
		}
	}

	if model != nil {
		if sess, ok := model.(*Session); ok && sess != nil {
			l.wakeWaiters(sess)
			if sess.Done() {
				if names := sess.cancelPending(esl.ErrCancelled); len(names) > 0 {
					l.logger.Warn("cancelling futures of terminal session",
						"uuid", sess.UUID(), "events", names)
				}
			}
		}
	}
	return consumed
}

func (l *EventLoop) invokeHandler(h HandlerFunc, evname string, ev esl.Event) (consumed bool, model Model, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("handler panicked", "event", evname, "panic", r)
			consumed, model, job = false, nil, nil
		}
	}()
	return h(ev)
}

func (l *EventLoop) invokeCallback(cb CallbackFunc, evname string, ev esl.Event, model Model, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("callback panicked", "event", evname, "panic", r)
		}
	}()
	cb(ev, model, job)
}

// launchCoroutine starts the coroutine goroutine and returns only once it
// has begun running, preserving launch order relative to later events.
func (l *EventLoop) launchCoroutine(coro CoroutineFunc, evname string, ev esl.Event, model Model, job *Job) {
	ctx := l.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	started := make(chan struct{})
	l.coroWG.Add(1)
	go func() {
		defer l.coroWG.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("coroutine panicked", "event", evname, "panic", r)
			}
		}()
		close(started)
		coro(ctx, ev, model, job)
	}()
	<-started
}

func (l *EventLoop) callbackChain(appID, evname string) []CallbackFunc {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m := l.callbacks[appID]
	if m == nil {
		return nil
	}
	cbs := m[evname]
	if len(cbs) == 0 {
		return nil
	}
	out := make([]CallbackFunc, len(cbs))
	copy(out, cbs)
	return out
}

func (l *EventLoop) coroutineChain(appID, evname string) []CoroutineFunc {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m := l.coroutines[appID]
	if m == nil {
		return nil
	}
	coros := m[evname]
	if len(coros) == 0 {
		return nil
	}
	out := make([]CoroutineFunc, len(coros))
	copy(out, coros)
	return out
}

// WaitFor blocks until the named session app var becomes truthy, most
// usually set by a callback. Must not be called from the dispatch goroutine.
func (l *EventLoop) WaitFor(ctx context.Context, sess *Session, varname string, timeout time.Duration) error {
	ch := make(chan struct{})
	l.waitersMu.Lock()
	byVar := l.waiters[sess]
	if byVar == nil {
		byVar = make(map[string][]chan struct{})
		l.waiters[sess] = byVar
	}
	byVar[varname] = append(byVar[varname], ch)
	l.waitersMu.Unlock()

	remove := func() {
		l.waitersMu.Lock()
		defer l.waitersMu.Unlock()
		byVar, ok := l.waiters[sess]
		if !ok {
			return
		}
		chans := byVar[varname]
		for i, c := range chans {
			if c == ch {
				byVar[varname] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(byVar[varname]) == 0 {
			delete(byVar, varname)
		}
		if len(byVar) == 0 {
			delete(l.waiters, sess)
		}
	}

	// The var may have turned truthy before we registered.
	if truthy(sess.AppVar(varname)) {
		remove()
		return nil
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		remove()
		return ctx.Err()
	case <-timer:
		remove()
		return &esl.TimeoutError{Op: "waitfor " + varname, Timeout: timeout}
	}
}

// wakeWaiters releases every waiter whose watched var is now truthy.
func (l *EventLoop) wakeWaiters(sess *Session) {
	l.waitersMu.Lock()
	defer l.waitersMu.Unlock()
	byVar, ok := l.waiters[sess]
	if !ok {
		return
	}
	for varname, chans := range byVar {
		if !truthy(sess.AppVar(varname)) {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(byVar, varname)
	}
	if len(byVar) == 0 {
		delete(l.waiters, sess)
	}
}

// truthy interprets an app var the way waiters expect: nil, false, zero, and
// empty string block; everything else releases.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}
