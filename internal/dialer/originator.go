// Package dialer generates outbound call load across a pool of server
// nodes: a burst loop originates calls up to a concurrency limit at a
// target offered rate, spreading each burst over the admission-filtered
// node cycle and the weighted app iterator.
package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callstorm/callstorm/internal/client"
	"github.com/callstorm/callstorm/internal/esl"
	"github.com/callstorm/callstorm/internal/node"
	"github.com/callstorm/callstorm/internal/pool"
)

// State is the originator's lifecycle phase.
type State int

const (
	StateInitial State = iota
	StateOriginating
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateOriginating:
		return "ORIGINATING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Dialer defaults.
const (
	DefaultRate           = 30
	DefaultLimit          = 1
	DefaultMaxRate        = 250
	DefaultPeriod         = time.Second
	DefaultDurationOffset = 5 * time.Second

	originateTimeout = 10 * time.Second
)

// Options tune an originator at construction. Zero values take the
// documented defaults; auto-duration and auto-hangup default on and are
// switched off with the Disable flags.
type Options struct {
	Logger *slog.Logger

	Rate       int // offered calls per second
	Limit      int // max concurrent calls
	MaxOffered int // stop after this many originated sessions, 0 = unlimited
	MaxRate    int // hard clip on the offered rate

	Duration       time.Duration // auto-hangup this long after answer, 0 = never
	Period         time.Duration // burst loop re-entry period
	DurationOffset time.Duration // pad added by auto-duration

	DisableAutoDuration bool // don't derive duration from limit/rate
	DisableAutohangup   bool // never schedule hangups on answered calls

	// Debug raises the server log level during setup.
	Debug bool

	// RepFields supplies per-call replacement fields for the cached
	// originate template.
	RepFields func() map[string]string

	// Measure builds the measurement app attached alongside every loaded
	// app, one instance per node. Nil disables measurement collection.
	Measure func() client.App
}

// Originator drives outbound call load over a node pool. Apps are loaded
// through it so its own lifecycle callbacks ride along with every app id.
type Originator struct {
	pool      *pool.Pool
	logger    *slog.Logger
	measure   func() client.App
	repFields func() map[string]string
	debug     bool

	mu             sync.Mutex
	rate           int
	limit          int
	maxOffered     int
	maxRate        int
	duration       time.Duration
	period         time.Duration
	durationOffset time.Duration
	autoDuration   bool
	autohangup     bool
	state          State

	apps            *WeightedIterator
	totalOriginated atomic.Int64

	burst    atomic.Bool
	startCh  chan struct{}
	exitOnce sync.Once
	exitCh   chan struct{}
	doneCh   chan struct{}
}

// New builds an originator over the pool and launches its (initially idle)
// burst goroutine.
func New(p *pool.Pool, opts Options) *Originator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Originator{
		pool:           p,
		logger:         logger.With("component", "originator"),
		measure:        opts.Measure,
		repFields:      opts.RepFields,
		debug:          opts.Debug,
		rate:           opts.Rate,
		limit:          opts.Limit,
		maxOffered:     opts.MaxOffered,
		maxRate:        opts.MaxRate,
		duration:       opts.Duration,
		period:         opts.Period,
		durationOffset: opts.DurationOffset,
		autoDuration:   !opts.DisableAutoDuration,
		autohangup:     !opts.DisableAutohangup,
		state:          StateInitial,
		apps:           NewWeightedIterator(),
		startCh:        make(chan struct{}, 1),
		exitCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	if o.rate <= 0 {
		o.rate = DefaultRate
	}
	if o.limit <= 0 {
		o.limit = DefaultLimit
	}
	if o.maxOffered <= 0 {
		o.maxOffered = math.MaxInt
	}
	if o.maxRate <= 0 {
		o.maxRate = DefaultMaxRate
	}
	if o.period <= 0 {
		o.period = DefaultPeriod
	}
	if o.durationOffset <= 0 {
		o.durationOffset = DefaultDurationOffset
	}
	if o.autoDuration {
		o.recomputeDuration()
	}
	go o.serve()
	return o
}

// Pool returns the underlying node pool.
func (o *Originator) Pool() *pool.Pool { return o.pool }

// State returns the current lifecycle phase.
func (o *Originator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Rate returns the target offered calls per second.
func (o *Originator) Rate() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rate
}

// Limit returns the max concurrent call cap.
func (o *Originator) Limit() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.limit
}

// Duration returns the per-call auto-hangup duration, 0 when disabled.
func (o *Originator) Duration() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.duration
}

// MaxOffered returns the originated session cap.
func (o *Originator) MaxOffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxOffered
}

// Period returns the burst loop re-entry period.
func (o *Originator) Period() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.period
}

// TotalOriginatedSessions returns the cumulative originated session count.
func (o *Originator) TotalOriginatedSessions() int {
	return int(o.totalOriginated.Load())
}

// ActiveCalls returns the cluster-wide active call count.
func (o *Originator) ActiveCalls() int { return o.pool.FastCount() }

// AppWeights returns the loaded app ids and their selection weights.
func (o *Originator) AppWeights() map[string]int { return o.apps.Weights() }

// SetRate updates the offered rate, clipped to the max rate, and
// recomputes the call duration under auto-duration.
func (o *Originator) SetRate(rate int) {
	if rate <= 0 {
		return
	}
	o.mu.Lock()
	if rate > o.maxRate {
		rate = o.maxRate
	}
	o.rate = rate
	if o.autoDuration {
		o.recomputeDuration()
	}
	o.mu.Unlock()
}

// SetLimit updates the concurrency cap and recomputes the call duration
// under auto-duration.
func (o *Originator) SetLimit(limit int) {
	if limit <= 0 {
		return
	}
	o.mu.Lock()
	o.limit = limit
	if o.autoDuration {
		o.recomputeDuration()
	}
	o.mu.Unlock()
}

// SetDuration pins the per-call duration explicitly, switching off
// auto-duration.
func (o *Originator) SetDuration(d time.Duration) {
	if d < 0 {
		return
	}
	o.mu.Lock()
	o.duration = d
	o.autoDuration = false
	o.mu.Unlock()
}

// SetMaxOffered updates the originated session cap. Zero or less means
// unlimited.
func (o *Originator) SetMaxOffered(n int) {
	if n <= 0 {
		n = math.MaxInt
	}
	o.mu.Lock()
	o.maxOffered = n
	o.mu.Unlock()
}

// recomputeDuration derives the steady-state call duration from Little's
// law (limit/rate) plus the configured pad. Callers hold o.mu.
func (o *Originator) recomputeDuration() {
	o.duration = time.Duration(float64(o.limit)/float64(o.rate)*float64(time.Second)) + o.durationOffset
}

// Connect brings up the whole pool and applies the load-test server
// tuning. CALL_UPDATE is dropped from not-yet-connected subscriptions
// first: the dialer has no use for it and at high call volume it floods
// the receive path.
func (o *Originator) Connect(ctx context.Context) error {
	err := o.pool.EachListener(func(l *node.Listener) error {
		if l.Connected() {
			return nil
		}
		return l.Unsubscribe("CALL_UPDATE")
	})
	if err != nil {
		return err
	}
	if err := o.pool.Connect(ctx); err != nil {
		return err
	}
	return o.setup(ctx)
}

// setup raises the server-side session and rate ceilings out of the way of
// the generated load and quiets the log stream.
func (o *Originator) setup(ctx context.Context) error {
	loglevel := "warning"
	if o.debug {
		loglevel = "debug"
	}
	cmds := []string{
		"fsctl loglevel " + loglevel,
		"fsctl sps 10000",
		"fsctl max_sessions 10000",
		"fsctl verbose_events true",
	}
	return o.pool.EachClient(func(c *client.Client) error {
		for _, cmd := range cmds {
			if _, err := c.APIUnchecked(ctx, cmd); err != nil {
				return fmt.Errorf("%s: %w", cmd, err)
			}
		}
		return nil
	})
}

// LoadApp installs an app across the pool under one id with a selection
// weight, bundling the measurement app and the originator's own lifecycle
// callbacks into the same id. The effective id is returned.
func (o *Originator) LoadApp(appID string, newApp func() client.App, weight int) (string, error) {
	if weight <= 0 {
		weight = 1
	}
	id, err := o.pool.LoadApp(appID, func() client.App {
		bundle := composite{newApp()}
		if o.measure != nil {
			bundle = append(bundle, o.measure())
		}
		return append(bundle, hooks{o})
	})
	if err != nil {
		return "", err
	}
	o.apps.SetWeight(id, weight)
	return id, nil
}

// UnloadApp removes an app id from the pool and the selection cycle.
func (o *Originator) UnloadApp(appID string) error {
	o.apps.Remove(appID)
	return o.pool.UnloadApp(appID)
}

// Start opens the burst gate and moves to ORIGINATING. It fails with a
// ConfigurationError when no apps are loaded or any client is missing an
// originate command.
func (o *Originator) Start() error {
	if o.apps.Len() == 0 {
		return &esl.ConfigurationError{Msg: "load at least one app before starting the dialer"}
	}
	if err := o.pool.EachClient(func(c *client.Client) error {
		if c.OriginateCmd() == "" {
			return &esl.ConfigurationError{Msg: "client has no originate command set"}
		}
		return nil
	}); err != nil {
		return err
	}
	if err := o.pool.EachListener(func(l *node.Listener) error {
		if l.IsRunning() {
			return nil
		}
		return l.Start()
	}); err != nil {
		return err
	}

	o.setState(StateOriginating)
	o.burst.Store(true)
	select {
	case o.startCh <- struct{}{}:
	default:
	}
	return nil
}

// Stop closes the burst gate; live calls run out their duration.
func (o *Originator) Stop() {
	if o.burst.CompareAndSwap(true, false) {
		o.logger.Info("stopping burst loop")
	}
	if o.State() == StateOriginating {
		o.setState(StateStopped)
	}
}

// Hupall stops dialing and sweeps all calls belonging to loaded apps.
func (o *Originator) Hupall(ctx context.Context) error {
	o.Stop()
	return o.pool.Hupall(ctx)
}

// HardHupall stops dialing and hangs up every channel on every server,
// tracked or not.
func (o *Originator) HardHupall(ctx context.Context) error {
	o.Stop()
	return o.pool.EachClient(func(c *client.Client) error {
		_, err := c.APIUnchecked(ctx, "hupall "+node.DefaultHangupCause)
		return err
	})
}

// Shutdown stops dialing, sweeps remaining calls, and retires the burst
// goroutine.
func (o *Originator) Shutdown(ctx context.Context) error {
	o.Stop()
	err := o.pool.Hupall(ctx)
	o.exitOnce.Do(func() { close(o.exitCh) })
	select {
	case <-o.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (o *Originator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		o.logger.Info("state change", "from", prev.String(), "to", s.String())
	}
}

// serve runs burst iterations while the gate is open, re-entering each
// period, and parks between runs.
func (o *Originator) serve() {
	defer close(o.doneCh)
	for {
		select {
		case <-o.exitCh:
			return
		case <-o.startCh:
		}
		o.logger.Debug("entering burst loop")
		for o.burst.Load() {
			began := time.Now()
			o.burstOnce()
			rest := o.Period() - time.Since(began)
			if rest > 0 {
				select {
				case <-o.exitCh:
					return
				case <-time.After(rest):
				}
			}
		}
		o.logger.Debug("burst loop exited")
		if o.State() == StateOriginating {
			o.setState(StateStopped)
		}
	}
}

// burstOnce originates up to min(limit-active, rate) calls, smearing them
// across the second with an intra-burst sleep and re-checking state,
// limit, and node capacity before each one.
func (o *Originator) burstOnce() {
	o.mu.Lock()
	rate, limit, maxRate := o.rate, o.limit, o.maxRate
	o.mu.Unlock()

	active := o.pool.FastCount()
	n := limit - active
	if n > rate {
		n = rate
	}
	if n <= 0 {
		o.logger.Debug("at call limit", "active", active, "limit", limit)
		return
	}

	clipped := rate
	if clipped > maxRate {
		clipped = maxRate
	}
	ibp := time.Duration(float64(time.Second) / float64(clipped) * 0.9)

	o.logger.Debug("bursting", "count", n, "rate", rate, "active", active)
	for i := 0; i < n; i++ {
		nd := o.pool.Cycle()
		if nd == nil {
			o.logger.Warn("no node with spare capacity")
			break
		}
		if o.State() != StateOriginating {
			break
		}
		if o.pool.FastCount() >= limit {
			break
		}
		appID := o.apps.Next()
		var fields map[string]string
		if o.repFields != nil {
			fields = o.repFields()
		}
		ctx, cancel := context.WithTimeout(context.Background(), originateTimeout)
		_, err := nd.Client.Originate(ctx, appID, fields)
		cancel()
		if err != nil {
			o.logger.Error("originate failed", "host", nd.Host(), "error", err)
		}
		time.Sleep(ibp)
	}
}

// countOriginated tallies outbound legs and closes the burst gate once the
// offered cap is reached.
func (o *Originator) countOriginated(ev esl.Event, model node.Model, job *node.Job) {
	sess, ok := model.(*node.Session)
	if !ok || !sess.IsOutbound() {
		return
	}
	total := int(o.totalOriginated.Add(1))
	if total >= o.MaxOffered() && o.burst.CompareAndSwap(true, false) {
		o.logger.Info("maximum offered calls reached", "max_offered", o.MaxOffered())
	}
}

// reportOnNone logs the final load report once the last call ends with the
// gate closed.
func (o *Originator) reportOnNone(ev esl.Event, model node.Model, job *node.Job) {
	if o.burst.Load() || o.pool.FastCount() != 0 {
		return
	}
	o.logger.Info("all calls have ended",
		"originated", o.totalOriginated.Load(),
		"answered", o.pool.TotalAnswered(),
		"failed", o.pool.CountFailed(),
		"hangup_causes", o.pool.HangupCauses())
}

// handleOriginatedJob schedules the auto-hangup for a successfully
// originated session: duration minus the session's uptime from now, or
// immediately when already past due. Calls flagged noautohangup (set by
// apps that manage their own teardown) are left alone.
func (o *Originator) handleOriginatedJob(ev esl.Event, model node.Model, job *node.Job) {
	sess, ok := model.(*node.Session)
	if !ok || job == nil || !job.Successful() {
		return
	}
	o.mu.Lock()
	autohangup := o.autohangup
	duration := o.duration
	o.mu.Unlock()
	if !autohangup || duration == 0 {
		return
	}
	if call := sess.Call(); call != nil && call.AppVar("noautohangup") != nil {
		return
	}
	remaining := duration - sess.Uptime()
	if remaining < 0 {
		remaining = 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), originateTimeout)
	defer cancel()
	if err := sess.SchedHangup(ctx, remaining, ""); err != nil {
		o.logger.Error("scheduling hangup failed", "sess_uuid", sess.UUID(), "error", err)
	}
}

// hooks carries the originator's per-app-id callbacks so every app loaded
// through it participates in dial accounting and auto-hangup.
type hooks struct {
	o *Originator
}

func (h hooks) Registrations() []client.Registration {
	return []client.Registration{
		{Event: "CHANNEL_ORIGINATE", Callback: h.o.countOriginated},
		{Event: "CHANNEL_HANGUP", Callback: h.o.reportOnNone},
		{Event: "BACKGROUND_JOB", Callback: h.o.handleOriginatedJob},
	}
}

// composite bundles several apps under one id: registrations concatenate
// in order, and Init/Teardown fan out to every member implementing them.
type composite []client.App

func (bundle composite) Registrations() []client.Registration {
	var regs []client.Registration
	for _, app := range bundle {
		regs = append(regs, app.Registrations()...)
	}
	return regs
}

func (bundle composite) Init(env *client.Env) error {
	for _, app := range bundle {
		if init, ok := app.(client.Initializer); ok {
			if err := init.Init(env); err != nil {
				return err
			}
		}
	}
	return nil
}

func (bundle composite) Teardown() error {
	var firstErr error
	for _, app := range bundle {
		if fin, ok := app.(client.Finalizer); ok {
			if err := fin.Teardown(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
