package node

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/callstorm/callstorm/internal/esl"
)

// DefaultCallTrackingHeader is the channel variable used to group sessions
// into calls when no override is configured.
const DefaultCallTrackingHeader = "variable_call_uuid"

// maxFailedPerCause bounds the retained failed sessions per hangup cause.
const maxFailedPerCause = 1000

// jobGate pauses the BACKGROUND_JOB handler while a producer inserts a new
// job, closing the window where the completion event could outrun the
// registration.
type jobGate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newJobGate() *jobGate {
	ch := make(chan struct{})
	close(ch)
	return &jobGate{ch: ch}
}

// Block pauses BACKGROUND_JOB handling until Unblock.
func (g *jobGate) Block() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

// Unblock resumes BACKGROUND_JOB handling.
func (g *jobGate) Unblock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

// Wait blocks while the gate is held.
func (g *jobGate) Wait() {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	<-ch
}

// ListenerOptions tune a listener at construction.
type ListenerOptions struct {
	// CallTrackingHeader names the channel variable (with the variable_
	// prefix) whose value groups sessions into calls. Commonly an x-header
	// variable when tracking calls through an intermediary device.
	CallTrackingHeader string
	// MaxLimit caps the active calls this node admits through the pool
	// iterator. Zero or negative means unbounded.
	MaxLimit  int
	Reconnect esl.ReconnectPolicy
	Logger    *slog.Logger
}

// Listener tracks sessions, calls, and background jobs for one server by
// installing the default state handlers on its event loop.
type Listener struct {
	loop               *EventLoop
	logger             *slog.Logger
	policy             esl.ReconnectPolicy
	callTrackingHeader string
	maxLimit           int
	gate               *jobGate

	mu             sync.RWMutex
	sessions       map[string]*Session
	calls          map[string]*Call
	bgJobs         map[string]*Job
	hangupCauses   map[string]int
	failedJobs     map[string]int
	sessionsPerApp map[string]int
	failedSessions map[string][]*Session
	totalAnswered  int
}

// NewListener installs the default handlers on loop. It fails when any of
// the default event types already has a handler.
func NewListener(loop *EventLoop, opts ListenerOptions) (*Listener, error) {
	if opts.CallTrackingHeader == "" {
		opts.CallTrackingHeader = DefaultCallTrackingHeader
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = math.MaxInt
	}
	if opts.Reconnect == (esl.ReconnectPolicy{}) {
		opts.Reconnect = esl.DefaultReconnectPolicy()
	}
	if opts.Reconnect.Delay == 0 {
		opts.Reconnect.Delay = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Listener{
		loop:               loop,
		logger:             logger.With("component", "listener", "host", loop.Host()),
		policy:             opts.Reconnect,
		callTrackingHeader: opts.CallTrackingHeader,
		maxLimit:           opts.MaxLimit,
		gate:               newJobGate(),
		sessions:           make(map[string]*Session),
		calls:              make(map[string]*Call),
		bgJobs:             make(map[string]*Job),
		hangupCauses:       make(map[string]int),
		failedJobs:         make(map[string]int),
		sessionsPerApp:     make(map[string]int),
		failedSessions:     make(map[string][]*Session),
	}

	defaults := []struct {
		evname  string
		handler HandlerFunc
	}{
		{"CHANNEL_CREATE", l.handleInitial},
		{"CHANNEL_ORIGINATE", l.handleInitial},
		{"CHANNEL_ANSWER", l.handleAnswer},
		{"CHANNEL_HANGUP", l.handleHangup},
		{"CHANNEL_PARK", l.LookupSess},
		{"CALL_UPDATE", l.LookupSess},
		{"BACKGROUND_JOB", l.handleBackgroundJob},
		{"LOG", l.handleLog},
		{esl.EventServerDisconnected, l.handleDisconnect},
	}
	for _, r := range defaults {
		if err := loop.RegisterHandler(r.evname, r.handler); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Loop returns the owning event loop.
func (l *Listener) Loop() *EventLoop { return l.loop }

// Host returns the tracked server's host.
func (l *Listener) Host() string { return l.loop.Host() }

// Port returns the tracked server's port.
func (l *Listener) Port() int { return l.loop.Port() }

// MaxLimit returns the per-node active call admission cap.
func (l *Listener) MaxLimit() int { return l.maxLimit }

// CallTrackingHeader returns the configured call association variable.
func (l *Listener) CallTrackingHeader() string { return l.callTrackingHeader }

// Connect dials the loop's receive connection.
func (l *Listener) Connect(ctx context.Context) error { return l.loop.Connect(ctx) }

// Start launches the loop's dispatcher.
func (l *Listener) Start() error { return l.loop.Start() }

// Disconnect stops the loop and closes its connection.
func (l *Listener) Disconnect(ctx context.Context) error { return l.loop.Disconnect(ctx) }

// Connected reports whether the loop's connection is up.
func (l *Listener) Connected() bool { return l.loop.Connected() }

// IsRunning reports whether the loop dispatcher is running.
func (l *Listener) IsRunning() bool { return l.loop.IsRunning() }

// Unsubscribe proxies to the loop; valid only while disconnected.
func (l *Listener) Unsubscribe(evnames ...string) error { return l.loop.Unsubscribe(evnames...) }

// BlockJobs pauses BACKGROUND_JOB handling while a job is registered.
func (l *Listener) BlockJobs() { l.gate.Block() }

// UnblockJobs resumes BACKGROUND_JOB handling.
func (l *Listener) UnblockJobs() { l.gate.Unblock() }

// RegisterJob tracks a job for completion by the BACKGROUND_JOB handler.
// Callers must wrap the bgapi send and this registration in a
// BlockJobs/UnblockJobs region.
func (l *Listener) RegisterJob(job *Job) {
	l.mu.Lock()
	l.bgJobs[job.UUID()] = job
	l.mu.Unlock()
}

// Session returns the tracked session for a channel uuid, nil if unknown.
func (l *Listener) Session(uuid string) *Session {
	if uuid == "" {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessions[uuid]
}

// Call returns the tracked call for a call uuid, nil if unknown.
func (l *Listener) Call(uuid string) *Call {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.calls[uuid]
}

// Job returns the tracked background job for a job uuid, nil if unknown.
func (l *Listener) Job(uuid string) *Job {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bgJobs[uuid]
}

// CountSessions returns the number of active sessions.
func (l *Listener) CountSessions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

// CountCalls returns the number of active calls.
func (l *Listener) CountCalls() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.calls)
}

// CountJobs returns the number of background jobs awaiting completion.
func (l *Listener) CountJobs() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.bgJobs)
}

// CountFailed returns the failed session count: every hangup that was not a
// NORMAL_CLEARING.
func (l *Listener) CountFailed() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0
	for _, n := range l.hangupCauses {
		total += n
	}
	return total - l.hangupCauses[DefaultHangupCause]
}

// TotalAnswered returns the cumulative answered session count.
func (l *Listener) TotalAnswered() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalAnswered
}

// HangupCauses returns a copy of the hangup cause counters.
func (l *Listener) HangupCauses() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int, len(l.hangupCauses))
	for k, v := range l.hangupCauses {
		out[k] = v
	}
	return out
}

// SessionsPerApp returns a copy of the per-app active session counters.
func (l *Listener) SessionsPerApp() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int, len(l.sessionsPerApp))
	for k, v := range l.sessionsPerApp {
		out[k] = v
	}
	return out
}

// FailedJobs returns a copy of the failed job counters keyed by error text.
func (l *Listener) FailedJobs() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int, len(l.failedJobs))
	for k, v := range l.failedJobs {
		out[k] = v
	}
	return out
}

// FailedSessionsFor returns the retained failed sessions for a hangup cause.
func (l *Listener) FailedSessionsFor(cause string) []*Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Session(nil), l.failedSessions[cause]...)
}

// Reset clears all statistics counters. Session, call, and job tables are
// untouched.
func (l *Listener) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hangupCauses = make(map[string]int)
	l.failedJobs = make(map[string]int)
	l.totalAnswered = 0
}

// handleInitial builds the session and call models on the first of
// CHANNEL_CREATE or CHANNEL_ORIGINATE; the second arrival is a no-op.
func (l *Listener) handleInitial(ev esl.Event) (bool, Model, *Job) {
	uuid := ev.UUID()
	if uuid == "" {
		return false, nil, nil
	}

	l.mu.RLock()
	existing := l.sessions[uuid]
	l.mu.RUnlock()
	if existing != nil {
		return true, existing, nil
	}

	sess := NewSession(ev, l.loop.Conn(), l.logger)
	sess.setCID(l.loop.AppID(ev))
	l.logger.Debug("session created", "direction", ev.Get("Call-Direction"), "uuid", uuid)

	callUUID := ev.Get(l.callTrackingHeader)
	if callUUID == "" {
		l.logger.Warn("unable to associate session with a call",
			"uuid", uuid, "tracking_header", l.callTrackingHeader)
		callUUID = uuid
	}

	l.mu.Lock()
	call := l.calls[callUUID]
	if call != nil {
		call.Append(sess)
	} else {
		call = NewCall(callUUID, sess)
		l.calls[callUUID] = call
	}
	l.sessions[uuid] = sess
	l.sessionsPerApp[sess.CID()]++
	l.mu.Unlock()

	sess.setCall(call)
	return true, sess, nil
}

// handleAnswer marks the session answered.
func (l *Listener) handleAnswer(ev esl.Event) (bool, Model, *Job) {
	sess := l.Session(ev.UUID())
	if sess == nil {
		l.logger.Warn("skipping answer for unknown session", "uuid", ev.UUID())
		return false, nil, nil
	}
	sess.markAnswered()
	sess.Update(ev)
	l.mu.Lock()
	l.totalAnswered++
	l.mu.Unlock()
	return true, sess, nil
}

// handleHangup pops the session, updates failure accounting, and drops its
// call and job when they have no remaining members.
func (l *Listener) handleHangup(ev esl.Event) (bool, Model, *Job) {
	uuid := ev.UUID()
	l.mu.Lock()
	sess := l.sessions[uuid]
	delete(l.sessions, uuid)
	l.mu.Unlock()
	if sess == nil {
		return false, nil, nil
	}

	sess.Update(ev)
	sess.markHungup()
	cause := ev.Get("Hangup-Cause")

	l.mu.Lock()
	l.hangupCauses[cause]++
	l.sessionsPerApp[sess.CID()]--
	l.mu.Unlock()

	callUUID := ev.Get(l.callTrackingHeader)
	if callUUID == "" {
		callUUID = uuid
	}
	l.mu.RLock()
	call := l.calls[callUUID]
	l.mu.RUnlock()
	// The server occasionally rewrites the tracking value between create
	// and hangup; fall back to the session's own association.
	if call == nil {
		call = sess.Call()
	}
	if call != nil {
		if !call.remove(sess) {
			l.logger.Error("session mismatched with call", "uuid", uuid, "call_uuid", call.UUID())
		}
		if call.Len() == 0 {
			l.mu.Lock()
			delete(l.calls, call.UUID())
			l.mu.Unlock()
			l.logger.Debug("all sessions for call hung up", "call_uuid", call.UUID())
		}
	} else {
		l.logger.Error("no call found for hangup", "uuid", uuid, "call_uuid", callUUID)
	}

	job := sess.BgJob()
	if job != nil {
		l.mu.Lock()
		delete(l.bgJobs, job.UUID())
		l.mu.Unlock()
	}
	sess.setBgJob(nil)

	if !sess.Answered() || cause != DefaultHangupCause {
		l.mu.Lock()
		failed := append(l.failedSessions[cause], sess)
		if len(failed) > maxFailedPerCause {
			failed = failed[len(failed)-maxFailedPerCause:]
		}
		l.failedSessions[cause] = failed
		l.mu.Unlock()
	}

	l.logger.Debug("hungup session", "uuid", uuid, "cause", cause)
	return true, sess, job
}

// LookupSess is the minimal handler: find the tracked session for the event
// and merge the event into it. Installed for CHANNEL_PARK and CALL_UPDATE,
// and reused for any callback-only registration without its own handler.
func (l *Listener) LookupSess(ev esl.Event) (bool, Model, *Job) {
	sess := l.Session(ev.UUID())
	if sess == nil {
		return false, nil, nil
	}
	sess.Update(ev)
	return true, sess, nil
}

// handleBackgroundJob settles the tracked job for a BACKGROUND_JOB event.
// It waits on the registration gate first so a completion can never outrun
// the producer inserting its job.
func (l *Listener) handleBackgroundJob(ev esl.Event) (bool, Model, *Job) {
	l.gate.Wait()

	jobUUID := ev.JobUUID()
	body := strings.TrimSpace(ev.Body())
	var resp string
	failed := false
	switch {
	case strings.HasPrefix(body, "-ERR"):
		resp = strings.TrimSpace(strings.TrimPrefix(body, "-ERR"))
		failed = true
	case strings.HasPrefix(body, "+OK"):
		resp = strings.TrimSpace(strings.TrimPrefix(body, "+OK"))
	}

	l.mu.RLock()
	job := l.bgJobs[jobUUID]
	l.mu.RUnlock()
	if job == nil {
		job = NewJob(jobUUID, "", l.loop.AppID(ev), nil)
	}

	sessUUID := job.SessUUID()
	if sessUUID == "" {
		sessUUID = resp
	}
	sess := l.Session(sessUUID)

	if failed {
		l.logger.Error("background job failed",
			"job_uuid", jobUUID, "sess_uuid", job.SessUUID(), "body", body)
		job.fail(resp)
		l.mu.Lock()
		delete(l.bgJobs, jobUUID)
		l.failedJobs[resp]++
		l.mu.Unlock()
		// A failed origination leaves no live channel behind.
		if sess != nil {
			l.dropSession(sess)
		}
		var model Model
		if sess != nil {
			model = sess
		}
		return true, model, job
	}

	consumed := false
	if sess != nil {
		if job.SessUUID() != "" && resp != "" && job.SessUUID() != resp {
			l.logger.Error("job and session uuid mismatch",
				"sess_uuid", job.SessUUID(), "body_uuid", resp)
		}
		sess.setBgJob(job)
		consumed = true
	} else {
		l.logger.Warn("no session corresponding to background job", "job_uuid", jobUUID)
	}
	job.complete(resp)

	var model Model
	if sess != nil {
		model = sess
	}
	return consumed, model, job
}

// dropSession removes a session whose origination failed before any channel
// existed, along with its call when empty.
func (l *Listener) dropSession(sess *Session) {
	l.mu.Lock()
	delete(l.sessions, sess.UUID())
	l.sessionsPerApp[sess.CID()]--
	l.mu.Unlock()
	if call := sess.Call(); call != nil {
		call.remove(sess)
		if call.Len() == 0 {
			l.mu.Lock()
			delete(l.calls, call.UUID())
			l.mu.Unlock()
		}
	}
}

// handleLog surfaces server-side log events.
func (l *Listener) handleLog(ev esl.Event) (bool, Model, *Job) {
	l.logger.Info("server log", "message", strings.TrimSpace(ev.Body()))
	return true, nil, nil
}

// handleDisconnect runs the reconnect policy inline on the dispatch
// goroutine; event processing resumes once the link is back.
func (l *Listener) handleDisconnect(ev esl.Event) (bool, Model, *Job) {
	l.logger.Warn("received disconnect from server")
	if !l.policy.Enabled {
		return true, nil, nil
	}
	ctx := context.Background()
	for attempt := 1; l.policy.Retries <= 0 || attempt <= l.policy.Retries; attempt++ {
		err := l.loop.Reconnect(ctx)
		if err == nil {
			l.logger.Info("reconnected to server", "attempt", attempt)
			return true, nil, nil
		}
		if errors.Is(err, esl.ErrClosed) {
			l.logger.Debug("connection closed for good, not reconnecting")
			return true, nil, nil
		}
		var cfgErr *esl.ConfigurationError
		if errors.As(err, &cfgErr) {
			l.logger.Debug("skipping reconnect", "reason", err)
			return true, nil, nil
		}
		l.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		time.Sleep(l.policy.Delay)
	}
	l.logger.Error("reconnect attempts exhausted", "retries", l.policy.Retries)
	return true, nil, nil
}
