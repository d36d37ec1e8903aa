package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/callstorm/callstorm/internal/esl"
)

// maxSessionHistory bounds the per-session event history.
const maxSessionHistory = 100

// DefaultHangupCause is used when a hangup is requested without a cause.
const DefaultHangupCause = "NORMAL_CLEARING"

// AppVarName is the channel variable (without the variable_ prefix) that
// carries the owning app id on originated channels.
const AppVarName = "callstorm_app"

// EventFuture resolves with the first matching event dispatched for a
// session. Multiple waiters may share one future; it settles exactly once.
type EventFuture struct {
	name string
	once sync.Once
	done chan struct{}
	ev   esl.Event
	err  error
}

func newEventFuture(name string) *EventFuture {
	return &EventFuture{name: name, done: make(chan struct{})}
}

// Name returns the event type this future resolves on.
func (f *EventFuture) Name() string { return f.name }

func (f *EventFuture) complete(ev esl.Event) {
	f.once.Do(func() {
		f.ev = ev
		close(f.done)
	})
}

func (f *EventFuture) cancel(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done reports whether the future has settled.
func (f *EventFuture) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the event arrives, the future is cancelled, ctx ends, or
// timeout expires. A timeout of zero waits indefinitely.
func (f *EventFuture) Wait(ctx context.Context, timeout time.Duration) (esl.Event, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-f.done:
		return f.ev, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer:
		return nil, &esl.TimeoutError{Op: "recv " + f.name, Timeout: timeout}
	}
}

// PollMode selects how Session.Poll resolves across several event types.
type PollMode int

const (
	// PollFirst returns as soon as any one of the awaited events arrives.
	PollFirst PollMode = iota
	// PollAll waits until every awaited event has arrived.
	PollAll
)

// Session is one channel on a server. State is tracked by the listener's
// default handlers; the command helpers emit the matching server commands on
// the owning node's connection.
type Session struct {
	uuid   string
	conn   *esl.Conn
	logger *slog.Logger

	mu       sync.Mutex
	history  []esl.Event // newest first
	cid      string
	call     *Call
	bgJob    *Job
	answered bool
	hungup   bool
	times    map[string]time.Time
	vars     map[string]any
	waiting  map[string]*EventFuture
}

// NewSession builds a session from its creating event. The create stamp is
// taken from the event's server-side timestamp.
func NewSession(ev esl.Event, conn *esl.Conn, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		uuid:    ev.UUID(),
		conn:    conn,
		logger:  logger.With("uuid", ev.UUID()),
		history: []esl.Event{ev},
		times:   make(map[string]time.Time),
		vars:    make(map[string]any),
		waiting: make(map[string]*EventFuture),
	}
	s.times["create"] = ev.Timestamp()
	return s
}

// ID implements Model.
func (s *Session) ID() string { return s.uuid }

// UUID returns the channel uuid.
func (s *Session) UUID() string { return s.uuid }

// CID returns the app id this session was admitted under.
func (s *Session) CID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cid
}

func (s *Session) setCID(cid string) {
	s.mu.Lock()
	s.cid = cid
	s.mu.Unlock()
}

// Done reports whether the session has hung up.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hungup
}

// Answered reports whether the channel reached CHANNEL_ANSWER.
func (s *Session) Answered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered
}

func (s *Session) markAnswered() {
	s.mu.Lock()
	s.answered = true
	s.mu.Unlock()
}

func (s *Session) markHungup() {
	s.mu.Lock()
	s.hungup = true
	s.mu.Unlock()
}

// Call returns the call this session belongs to, nil before association.
func (s *Session) Call() *Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}

func (s *Session) setCall(c *Call) {
	s.mu.Lock()
	s.call = c
	s.mu.Unlock()
}

// BgJob returns the background job that originated this session, if any.
func (s *Session) BgJob() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bgJob
}

func (s *Session) setBgJob(j *Job) {
	s.mu.Lock()
	s.bgJob = j
	s.mu.Unlock()
}

// Update merges a newly received event into the session history.
func (s *Session) Update(ev esl.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]esl.Event{ev}, s.history...)
	if len(s.history) > maxSessionHistory {
		s.history = s.history[:maxSessionHistory]
	}
}

// Get returns the most recently received value for the named header.
func (s *Session) Get(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.history {
		if v, ok := ev[name]; ok {
			return v
		}
	}
	return ""
}

// Variable returns the named channel variable from event history.
func (s *Session) Variable(name string) string {
	return s.Get("variable_" + name)
}

// AppName returns the owning app name as carried on the channel.
func (s *Session) AppName() string {
	return s.Variable(AppVarName)
}

// EventTime returns the server timestamp of the most recent event.
func (s *Session) EventTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return time.Time{}
	}
	return s.history[0].Timestamp()
}

// Uptime is the elapsed server time between channel create and the most
// recent event.
func (s *Session) Uptime() time.Duration {
	created := s.Time("create")
	latest := s.EventTime()
	if created.IsZero() || latest.IsZero() {
		return 0
	}
	return latest.Sub(created)
}

// Time returns the named lifecycle stamp (create, answer, req_originate,
// originate, hangup), zero if not yet stamped.
func (s *Session) Time(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.times[name]
}

// SetTime records a lifecycle stamp.
func (s *Session) SetTime(name string, t time.Time) {
	s.mu.Lock()
	s.times[name] = t
	s.mu.Unlock()
}

// Times returns a copy of all lifecycle stamps.
func (s *Session) Times() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.times))
	for k, v := range s.times {
		out[k] = v
	}
	return out
}

// AppVar reads session-local application state.
func (s *Session) AppVar(name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vars[name]
}

// SetAppVar writes session-local application state.
func (s *Session) SetAppVar(name string, value any) {
	s.mu.Lock()
	s.vars[name] = value
	s.mu.Unlock()
}

// IsInbound reports whether the channel direction is inbound.
func (s *Session) IsInbound() bool { return s.Get("Call-Direction") == "inbound" }

// IsOutbound reports whether the channel direction is outbound.
func (s *Session) IsOutbound() bool { return s.Get("Call-Direction") == "outbound" }

// Recv returns a future that resolves on the next event of the given type
// for this session. Concurrent calls for the same name share one future.
func (s *Session) Recv(name string) *EventFuture {
	s.mu.Lock()
	defer s.mu.Unlock()
	fut := s.waiting[name]
	if fut == nil {
		fut = newEventFuture(name)
		s.waiting[name] = fut
	}
	return fut
}

// completeRecv settles and removes the pending future for an event type.
func (s *Session) completeRecv(name string, ev esl.Event) bool {
	s.mu.Lock()
	fut := s.waiting[name]
	delete(s.waiting, name)
	s.mu.Unlock()
	if fut == nil {
		return false
	}
	fut.complete(ev)
	return true
}

// cancelPending cancels every outstanding future; called when the session
// becomes terminal.
func (s *Session) cancelPending(err error) []string {
	s.mu.Lock()
	var names []string
	for name, fut := range s.waiting {
		names = append(names, name)
		fut.cancel(err)
	}
	s.waiting = make(map[string]*EventFuture)
	s.mu.Unlock()
	return names
}

// Poll awaits several event types at once. With PollFirst the first arrival
// wins; with PollAll every event must arrive. A timeout of zero waits on ctx
// alone.
func (s *Session) Poll(ctx context.Context, timeout time.Duration, mode PollMode, names ...string) ([]esl.Event, error) {
	if len(names) == 0 {
		return nil, &esl.ConfigurationError{Msg: "poll requires at least one event name"}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	futs := make([]*EventFuture, len(names))
	for i, name := range names {
		futs[i] = s.Recv(name)
	}

	if mode == PollAll {
		evs := make([]esl.Event, 0, len(futs))
		for _, fut := range futs {
			ev, err := fut.Wait(ctx, 0)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && timeout > 0 {
					return evs, &esl.TimeoutError{Op: "poll " + strings.Join(names, ","), Timeout: timeout}
				}
				return evs, err
			}
			evs = append(evs, ev)
		}
		return evs, nil
	}

	winner := make(chan *EventFuture, len(futs))
	for _, fut := range futs {
		go func(f *EventFuture) {
			<-f.done
			select {
			case winner <- f:
			default:
			}
		}(fut)
	}
	select {
	case f := <-winner:
		if f.err != nil {
			return nil, f.err
		}
		return []esl.Event{f.ev}, nil
	case <-ctx.Done():
		if timeout > 0 {
			return nil, &esl.TimeoutError{Op: "poll " + strings.Join(names, ","), Timeout: timeout}
		}
		return nil, ctx.Err()
	}
}

// Answer answers the channel and returns a future for CHANNEL_ANSWER.
func (s *Session) Answer(ctx context.Context) (*EventFuture, error) {
	if _, err := s.conn.API(ctx, "uuid_answer "+s.uuid); err != nil {
		return nil, err
	}
	return s.Recv("CHANNEL_ANSWER"), nil
}

// Hangup kills the channel with the given cause and returns a future for
// CHANNEL_HANGUP. An empty cause means NORMAL_CLEARING.
func (s *Session) Hangup(ctx context.Context, cause string) (*EventFuture, error) {
	if cause == "" {
		cause = DefaultHangupCause
	}
	if _, err := s.conn.API(ctx, fmt.Sprintf("uuid_kill %s %s", s.uuid, cause)); err != nil {
		return nil, err
	}
	return s.Recv("CHANNEL_HANGUP"), nil
}

// Park parks the channel and returns a future for CHANNEL_PARK.
func (s *Session) Park(ctx context.Context) (*EventFuture, error) {
	if _, err := s.conn.API(ctx, "uuid_park "+s.uuid); err != nil {
		return nil, err
	}
	return s.Recv("CHANNEL_PARK"), nil
}

// SchedHangup asks the server to hang the channel up after the given delay.
func (s *Session) SchedHangup(ctx context.Context, after time.Duration, cause string) error {
	if cause == "" {
		cause = DefaultHangupCause
	}
	secs := int(after.Seconds())
	if secs < 0 {
		secs = 0
	}
	_, err := s.conn.API(ctx, fmt.Sprintf("sched_hangup +%d %s %s", secs, s.uuid, cause))
	return err
}

// ClearTasks cancels all server-side scheduled tasks for this channel.
func (s *Session) ClearTasks(ctx context.Context) error {
	_, err := s.conn.API(ctx, "sched_del "+s.uuid)
	return err
}

// SchedDTMF schedules a dtmf sequence to play after the given delay.
func (s *Session) SchedDTMF(ctx context.Context, delay time.Duration, sequence string) error {
	_, err := s.conn.API(ctx, fmt.Sprintf("sched_api +%d none uuid_send_dtmf %s %s",
		int(delay.Seconds()), s.uuid, sequence))
	return err
}

// SendDTMF plays a dtmf sequence with a constant tone duration. The server
// answers this command with -ERR no reply, so no error checking is applied.
func (s *Session) SendDTMF(ctx context.Context, sequence, duration string) error {
	if duration == "" {
		duration = "w"
	}
	_, err := s.conn.APIUnchecked(ctx, fmt.Sprintf("uuid_send_dtmf %s %s @%s", s.uuid, sequence, duration))
	return err
}

// BreakMedia stops media playback on the channel. The server answers with
// -ERR no reply, so no error checking is applied.
func (s *Session) BreakMedia(ctx context.Context) error {
	_, err := s.conn.APIUnchecked(ctx, "uuid_break "+s.uuid)
	return err
}

// GetVar reads a channel variable; an unset variable returns "".
func (s *Session) GetVar(ctx context.Context, name string) (string, error) {
	body, err := s.conn.API(ctx, fmt.Sprintf("uuid_getvar %s %s", s.uuid, name))
	if err != nil {
		return "", err
	}
	val := strings.TrimSpace(body)
	if val == "_undef_" {
		return "", nil
	}
	return val, nil
}

// SetVar sets one channel variable via the set application.
func (s *Session) SetVar(ctx context.Context, name, value string) error {
	_, err := s.Execute(ctx, "set", name+"="+value)
	return err
}

// SetVars sets several channel variables with one command.
func (s *Session) SetVars(ctx context.Context, vars map[string]string) error {
	pairs := make([]string, 0, len(vars))
	for k, v := range vars {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	_, err := s.conn.API(ctx, fmt.Sprintf("uuid_setvar_multi %s %s", s.uuid, strings.Join(pairs, ";")))
	return err
}

// UnsetVar clears a channel variable.
func (s *Session) UnsetVar(ctx context.Context, name string) error {
	_, err := s.Execute(ctx, "unset", name)
	return err
}

// Execute runs a dialplan application on this channel.
func (s *Session) Execute(ctx context.Context, app, arg string) (esl.Event, error) {
	return s.conn.Execute(ctx, s.uuid, app, arg)
}

// Broadcast runs an application on a chosen leg, optionally delayed on the
// server side. Prefer Execute; uuid_broadcast is known to misbehave on some
// server builds.
func (s *Session) Broadcast(ctx context.Context, path, leg string, delay time.Duration) error {
	if delay > 0 {
		_, err := s.conn.API(ctx, fmt.Sprintf("sched_broadcast +%d %s %s %s",
			int(delay.Seconds()), s.uuid, path, leg))
		return err
	}
	_, err := s.conn.API(ctx, fmt.Sprintf("uuid_broadcast %s %s %s", s.uuid, path, leg))
	return err
}

// Playback plays one or more files on the channel. Extra channel variables
// may be supplied as params; endless switches to the endless_playback app.
func (s *Session) Playback(ctx context.Context, params map[string]string, endless bool, files ...string) error {
	app := "playback"
	if endless {
		app = "endless_playback"
	}
	if len(files) > 1 {
		if err := s.SetVar(ctx, "playback_delimiter", ";"); err != nil {
			return err
		}
	}
	arg := varset(params) + strings.Join(files, ";")
	_, err := s.Execute(ctx, app, arg)
	return err
}

// StartRecord records channel audio to a file on the server with
// record_session. Recordings default to 16 kHz sampling.
func (s *Session) StartRecord(ctx context.Context, path string, rxOnly, stereo bool, rate int) error {
	if rxOnly {
		if err := s.SetVar(ctx, "RECORD_READ_ONLY", "true"); err != nil {
			return err
		}
	} else if stereo {
		if err := s.SetVar(ctx, "RECORD_STEREO", "true"); err != nil {
			return err
		}
	}
	if rate == 0 {
		rate = 16000
	}
	if err := s.SetVar(ctx, "record_sample_rate", fmt.Sprintf("%d", rate)); err != nil {
		return err
	}
	_, err := s.Execute(ctx, "record_session", path)
	return err
}

// StopRecord stops a running recording, optionally after a delay. An empty
// path stops all recordings on the channel.
func (s *Session) StopRecord(ctx context.Context, path string, delay time.Duration) error {
	if path == "" {
		path = "all"
	}
	if delay > 0 {
		_, err := s.Execute(ctx, "sched_api",
			fmt.Sprintf("+%d none stop_record_session %s", int(delay.Seconds()), path))
		return err
	}
	_, err := s.Execute(ctx, "stop_record_session", path)
	return err
}

// Record drives uuid_record directly with one of start, stop, mask, unmask.
func (s *Session) Record(ctx context.Context, action, path string) error {
	_, err := s.conn.API(ctx, fmt.Sprintf("uuid_record %s %s %s", s.uuid, action, path))
	return err
}

// Echo echoes all received audio back to the caller.
func (s *Session) Echo(ctx context.Context) error {
	_, err := s.Execute(ctx, "echo", "")
	return err
}

// Speak renders text with the flite engine's default voice.
func (s *Session) Speak(ctx context.Context, text string) error {
	_, err := s.Execute(ctx, "speak", strings.Join([]string{"flite", "kal", text, ""}, "|"))
	return err
}

// BridgeOptions compose the bridge destination. Zero-value fields fall back
// to the channel's own profile and request URI.
type BridgeOptions struct {
	DestURL string
	Profile string
	Gateway string
	Proxy   string
	Params  map[string]string
}

// Bridge bridges this channel to a composed sofia endpoint.
func (s *Session) Bridge(ctx context.Context, opts BridgeOptions) error {
	profile := opts.Profile
	if opts.Gateway != "" {
		profile = "gateway/" + opts.Gateway
	}
	if profile == "" {
		profile = s.Variable("sofia_profile_name")
	}
	dest := opts.DestURL
	if dest == "" {
		dest = s.Get("variable_sip_req_uri")
	}
	var fsPath string
	if opts.Proxy != "" {
		fsPath = ";fs_path=sip:" + opts.Proxy
	}
	arg := fmt.Sprintf("%ssofia/%s/%s%s", varset(opts.Params), profile, dest, fsPath)
	_, err := s.Execute(ctx, "bridge", arg)
	return err
}

// varset renders a {k=v,...} channel variable prefix, empty for no params.
func varset(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}
