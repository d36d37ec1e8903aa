package pool

import (
	"fmt"
	"testing"

	"github.com/callstorm/callstorm/internal/client"
	"github.com/callstorm/callstorm/internal/esl"
	"github.com/callstorm/callstorm/internal/node"
)

var testStamp int64 = 1714068061000000

// addCall feeds one single-leg call into a listener's tables.
func addCall(t *testing.T, l *node.Listener, uuid string) {
	t.Helper()
	testStamp += 20000
	ev := esl.Event{
		"Event-Name":           "CHANNEL_CREATE",
		"Unique-ID":            uuid,
		"Event-Date-Timestamp": fmt.Sprintf("%d", testStamp),
	}
	if !l.Loop().Dispatch(ev) {
		t.Fatalf("create event for %s not consumed", uuid)
	}
}

func testPool(t *testing.T, hosts []string, maxLimit int) *Pool {
	t.Helper()
	nodes := make([]*Node, len(hosts))
	for i, host := range hosts {
		loop := node.NewEventLoop(host, 8021, "ClueCon", node.LoopOptions{})
		listener, err := node.NewListener(loop, node.ListenerOptions{MaxLimit: maxLimit})
		if err != nil {
			t.Fatalf("NewListener(%s): %v", host, err)
		}
		nodes[i] = &Node{
			Client:   client.New(listener, client.Options{}),
			Listener: listener,
		}
	}
	return New(nodes, nil)
}

func TestCycleInterleaves(t *testing.T) {
	p := testPool(t, []string{"fs1", "fs2", "fs3"}, 0)
	var order []string
	for i := 0; i < 6; i++ {
		n := p.Cycle()
		if n == nil {
			t.Fatal("Cycle returned nil with all nodes idle")
		}
		order = append(order, n.Host())
	}
	want := []string{"fs1", "fs2", "fs3", "fs1", "fs2", "fs3"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("cycle order = %v, want %v", order, want)
		}
	}
}

func TestCycleSkipsNodesOverLimit(t *testing.T) {
	p := testPool(t, []string{"fs1", "fs2"}, 1)

	// Push fs1 past its admission cap: two live calls against a limit of 1.
	busy := p.Nodes()[0].Listener
	addCall(t, busy, "busy-leg-1")
	addCall(t, busy, "busy-leg-2")

	for i := 0; i < 4; i++ {
		n := p.Cycle()
		if n == nil {
			t.Fatal("Cycle returned nil while fs2 still admits")
		}
		if n.Host() != "fs2" {
			t.Fatalf("cycle yielded %s, want fs2", n.Host())
		}
	}

	// Saturate fs2 as well; the cycler must now report no capacity.
	other := p.Nodes()[1].Listener
	addCall(t, other, "other-leg-1")
	addCall(t, other, "other-leg-2")
	if n := p.Cycle(); n != nil {
		t.Fatalf("Cycle = %s with every node over limit, want nil", n.Host())
	}
}

func TestAggregateCounts(t *testing.T) {
	p := testPool(t, []string{"fs1", "fs2"}, 0)
	addCall(t, p.Nodes()[0].Listener, "a-1")
	addCall(t, p.Nodes()[0].Listener, "a-2")
	addCall(t, p.Nodes()[1].Listener, "b-1")

	if got := p.FastCount(); got != 3 {
		t.Errorf("FastCount = %d, want 3", got)
	}
	if got := p.CountSessions(); got != 3 {
		t.Errorf("CountSessions = %d, want 3", got)
	}

	// Hang one leg up abnormally and confirm the merged failure view.
	testStamp += 20000
	p.Nodes()[1].Listener.Loop().Dispatch(esl.Event{
		"Event-Name":           "CHANNEL_HANGUP",
		"Unique-ID":            "b-1",
		"Hangup-Cause":         "NO_ANSWER",
		"Event-Date-Timestamp": fmt.Sprintf("%d", testStamp),
	})
	if got := p.CountFailed(); got != 1 {
		t.Errorf("CountFailed = %d, want 1", got)
	}
	if got := p.HangupCauses()["NO_ANSWER"]; got != 1 {
		t.Errorf("merged hangup causes missing NO_ANSWER: %v", p.HangupCauses())
	}
	if got := p.FastCount(); got != 2 {
		t.Errorf("FastCount = %d after hangup, want 2", got)
	}
}
