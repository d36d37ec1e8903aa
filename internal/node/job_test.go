package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/callstorm/callstorm/internal/esl"
)

func TestJobSettlesOnce(t *testing.T) {
	calls := 0
	job := NewJob("job-x", "sess-x", "dialer", func(resp string) { calls++ })

	job.complete("first")
	job.complete("second")
	job.fail("late failure")

	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
	resp, err := job.Result(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if resp != "first" {
		t.Errorf("Result = %q, want first", resp)
	}
	if !job.Done() || !job.Successful() {
		t.Error("job should be done and successful")
	}
}

func TestJobFail(t *testing.T) {
	job := NewJob("job-y", "", "dialer", nil)
	job.fail("MACHINE_DETECTED")

	_, err := job.Result(context.Background(), time.Second)
	var jobErr *esl.JobError
	if !errors.As(err, &jobErr) {
		t.Fatalf("Result error = %v, want JobError", err)
	}
	if jobErr.JobUUID != "job-y" || jobErr.Reason != "MACHINE_DETECTED" {
		t.Errorf("JobError = %+v", jobErr)
	}
	if job.Successful() {
		t.Error("failed job reported successful")
	}
}

func TestJobResultTimeout(t *testing.T) {
	job := NewJob("job-z", "", "dialer", nil)
	_, err := job.Result(context.Background(), 30*time.Millisecond)
	var tErr *esl.TimeoutError
	if !errors.As(err, &tErr) {
		t.Fatalf("Result error = %v, want TimeoutError", err)
	}
}
