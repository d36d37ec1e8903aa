package node

import (
	"context"
	"sync"
	"time"

	"github.com/callstorm/callstorm/internal/esl"
)

// Job is a pending background-API request. It settles exactly once, either
// with the reply body of the matching BACKGROUND_JOB event or with a
// JobError; settling is idempotent.
type Job struct {
	uuid       string
	sessUUID   string
	cid        string
	launchTime time.Time
	callback   func(resp string)

	mu      sync.Mutex
	settled bool
	result  string
	err     error
	done    chan struct{}
}

// NewJob registers intent to consume one BACKGROUND_JOB completion. sessUUID
// optionally pre-associates an originated channel; callback, if non-nil, runs
// on successful completion before waiters are released.
func NewJob(uuid, sessUUID, cid string, callback func(resp string)) *Job {
	return &Job{
		uuid:       uuid,
		sessUUID:   sessUUID,
		cid:        cid,
		launchTime: time.Now(),
		callback:   callback,
		done:       make(chan struct{}),
	}
}

// ID implements Model.
func (j *Job) ID() string { return j.uuid }

// UUID returns the server-assigned Job-UUID.
func (j *Job) UUID() string { return j.uuid }

// SessUUID returns the pre-associated channel uuid, empty if none.
func (j *Job) SessUUID() string { return j.sessUUID }

// CID returns the app id this job was launched under.
func (j *Job) CID() string { return j.cid }

// LaunchTime returns the local clock time the job was registered.
func (j *Job) LaunchTime() time.Time { return j.launchTime }

// Done reports whether the job has settled.
func (j *Job) Done() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Successful reports whether the job settled without error.
func (j *Job) Successful() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.settled && j.err == nil
}

// complete settles the job with the server's success payload.
func (j *Job) complete(resp string) {
	j.mu.Lock()
	if j.settled {
		j.mu.Unlock()
		return
	}
	j.settled = true
	j.result = resp
	cb := j.callback
	j.mu.Unlock()

	if cb != nil {
		cb(resp)
	}
	close(j.done)
}

// fail settles the job with the server's error string.
func (j *Job) fail(reason string) {
	j.mu.Lock()
	if j.settled {
		j.mu.Unlock()
		return
	}
	j.settled = true
	j.err = &esl.JobError{JobUUID: j.uuid, Reason: reason}
	j.mu.Unlock()
	close(j.done)
}

// Result blocks until the job settles and returns its payload. A timeout of
// zero waits on ctx alone; expiry surfaces as a TimeoutError.
func (j *Job) Result(ctx context.Context, timeout time.Duration) (string, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.result, j.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer:
		return "", &esl.TimeoutError{Op: "job " + j.uuid, Timeout: timeout}
	}
}
