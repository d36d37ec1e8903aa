package esl

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionError reports TCP, auth, or disconnect failures on one link.
type ConnectionError struct {
	Host string
	Port int
	Msg  string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s at '%s:%d': %v", e.Msg, e.Host, e.Port, e.Err)
	}
	return fmt.Sprintf("%s at '%s:%d'", e.Msg, e.Host, e.Port)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// APIError reports a command reply whose body begins with -ERR.
type APIError struct {
	Command string
	Reply   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api command %q failed: %s", e.Command, e.Reply)
}

// TimeoutError reports an expired wait on a reply, event, or job result.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// ConfigurationError reports an invalid setting or an unsupported state
// transition, such as subscribing while the loop is running.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

// JobError wraps the server's error string for a failed background job.
type JobError struct {
	JobUUID string
	Reason  string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %s", e.JobUUID, e.Reason)
}

// ErrCancelled is returned from event futures that were cancelled because
// their session became terminal before the awaited event arrived.
var ErrCancelled = errors.New("wait cancelled")

// ErrClosed is returned from operations on a closed connection.
var ErrClosed = errors.New("connection closed")
