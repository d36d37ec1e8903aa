// Package apps bundles the stock load-test applications: CDR measurement
// collection and the default tone-play callee behavior.
package apps

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/callstorm/callstorm/internal/client"
	"github.com/callstorm/callstorm/internal/esl"
	"github.com/callstorm/callstorm/internal/node"
	"github.com/callstorm/callstorm/internal/store"
)

// CDRSeriesName is the data series CDR rows are stored under.
const CDRSeriesName = "cdr"

// ClusterCounter supplies cluster-wide load counts snapshotted into each
// call record.
type ClusterCounter interface {
	CountSessions() int
	CountCalls() int
	CountFailed() int
}

// CDRSchema declares the per-call record: one row per completed call with
// both legs' lifecycle stamps (epoch seconds) and the load snapshot taken
// at call creation.
func CDRSchema() store.Schema {
	return store.Schema{
		Name: CDRSeriesName,
		Fields: []store.Field{
			{Name: "callstorm_app", Kind: store.String},
			{Name: "hangup_cause", Kind: store.String},
			{Name: "caller_create", Kind: store.Float},
			{Name: "caller_answer", Kind: store.Float},
			{Name: "caller_req_originate", Kind: store.Float},
			{Name: "caller_originate", Kind: store.Float},
			{Name: "caller_hangup", Kind: store.Float},
			{Name: "job_launch", Kind: store.Float},
			{Name: "callee_create", Kind: store.Float},
			{Name: "callee_answer", Kind: store.Float},
			{Name: "callee_hangup", Kind: store.Float},
			{Name: "failed_calls", Kind: store.Int},
			{Name: "active_sessions", Kind: store.Int},
			{Name: "erlangs", Kind: store.Int},
		},
	}
}

// CDR records one measurement row per completed call. Leg lifecycle stamps
// accumulate on the sessions as events arrive; the row is assembled and
// appended when the call's last leg hangs up.
type CDR struct {
	counter   ClusterCounter
	storer    *store.DataStorer
	logger    *slog.Logger
	callIndex atomic.Int64
}

// NewCDR builds the measurement app over a cluster counter and the row
// sink shared by every node's instance.
func NewCDR(counter ClusterCounter, storer *store.DataStorer, logger *slog.Logger) *CDR {
	if logger == nil {
		logger = slog.Default()
	}
	return &CDR{
		counter: counter,
		storer:  storer,
		logger:  logger.With("component", "cdr"),
	}
}

// Storer returns the row sink.
func (c *CDR) Storer() *store.DataStorer { return c.storer }

func (c *CDR) Registrations() []client.Registration {
	return []client.Registration{
		{Event: "CHANNEL_CREATE", Callback: c.onCreate},
		{Event: "CHANNEL_ORIGINATE", Callback: c.onOriginate},
		{Event: "CHANNEL_ANSWER", Callback: c.onAnswer},
		{Event: "CHANNEL_HANGUP", Callback: c.onHangup},
	}
}

// onCreate snapshots the cluster load into the call on its first leg and
// assigns the call its run-scoped index.
func (c *CDR) onCreate(ev esl.Event, model node.Model, job *node.Job) {
	sess, ok := model.(*node.Session)
	if !ok {
		return
	}
	call := sess.Call()
	if call == nil || call.AppVar("call_index") != nil {
		return
	}
	call.SetAppVar("call_index", c.callIndex.Add(1))
	call.SetAppVar("session_count", c.counter.CountSessions())
	call.SetAppVar("call_count", c.counter.CountCalls())
}

// onOriginate stamps the server-side originate time and the local request
// observation time.
func (c *CDR) onOriginate(ev esl.Event, model node.Model, job *node.Job) {
	sess, ok := model.(*node.Session)
	if !ok {
		return
	}
	sess.SetTime("originate", ev.Timestamp())
	sess.SetTime("req_originate", time.Now())
}

func (c *CDR) onAnswer(ev esl.Event, model node.Model, job *node.Job) {
	sess, ok := model.(*node.Session)
	if !ok {
		return
	}
	sess.SetTime("answer", ev.Timestamp())
}

// onHangup stamps the leg's hangup time and, once the call is empty,
// assembles and appends the row. Departing legs are parked in call vars
// under their role so the last leg can reach the other side's stamps.
func (c *CDR) onHangup(ev esl.Event, model node.Model, job *node.Job) {
	sess, ok := model.(*node.Session)
	if !ok {
		return
	}
	sess.SetTime("hangup", ev.Timestamp())
	call := sess.Call()
	if call == nil {
		return
	}

	role := "callee"
	if sess.IsOutbound() {
		role = "caller"
	}
	// The listener drops the session's job on hangup, so stash the launch
	// stamp while we still hold it.
	if job != nil {
		call.SetAppVar("job_launch", epochSeconds(job.LaunchTime()))
	}
	if call.Len() > 0 {
		call.SetAppVar(role, sess)
		return
	}
	call.SetAppVar(role, sess)

	caller, _ := call.AppVar("caller").(*node.Session)
	callee, _ := call.AppVar("callee").(*node.Session)
	if caller == nil {
		// Inbound-only call; record the surviving leg on the caller side.
		caller, callee = callee, nil
	}

	app := caller.CID()
	if app == "" {
		app = caller.AppName()
	}
	cause := ev.Get("Hangup-Cause")
	if cause == "" {
		cause = caller.Get("Hangup-Cause")
	}
	jobLaunch, _ := call.AppVar("job_launch").(float64)
	sessions, _ := call.AppVar("session_count").(int)
	calls, _ := call.AppVar("call_count").(int)

	row := store.Row{
		app,
		cause,
		legTime(caller, "create"),
		legTime(caller, "answer"),
		legTime(caller, "req_originate"),
		legTime(caller, "originate"),
		legTime(caller, "hangup"),
		jobLaunch,
		legTime(callee, "create"),
		legTime(callee, "answer"),
		legTime(callee, "hangup"),
		c.counter.CountFailed(),
		sessions,
		calls,
	}
	if err := c.storer.Append(row); err != nil {
		c.logger.Error("appending call record failed", "call_uuid", call.UUID(), "error", err)
	}
}

// legTime reads one lifecycle stamp as epoch seconds, 0 when the leg or
// stamp is missing.
func legTime(sess *node.Session, name string) float64 {
	if sess == nil {
		return 0
	}
	return epochSeconds(sess.Time(name))
}

func epochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
