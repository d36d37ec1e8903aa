// Package pool fans operations out across a cluster of server nodes, each
// represented by a paired command client and event listener, and aggregates
// their per-node counters.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/callstorm/callstorm/internal/client"
	"github.com/callstorm/callstorm/internal/node"
)

// Node is one server under the pool's control: the client issues commands
// on its transmit connection while the listener tracks state from the
// receive side.
type Node struct {
	Client   *client.Client
	Listener *node.Listener
}

// Host returns the node's server host.
func (n *Node) Host() string { return n.Client.Host() }

// Pool is a fixed set of nodes addressed as one cluster.
type Pool struct {
	nodes  []*Node
	logger *slog.Logger

	mu   sync.Mutex
	next int // cycle position
}

// New builds a pool over the given nodes.
func New(nodes []*Node, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		nodes:  nodes,
		logger: logger.With("component", "pool"),
	}
}

// Len returns the number of nodes in the pool.
func (p *Pool) Len() int { return len(p.nodes) }

// Nodes returns the pool members in configuration order.
func (p *Pool) Nodes() []*Node { return p.nodes }

// Hosts returns every node's server host in configuration order.
func (p *Pool) Hosts() []string {
	hosts := make([]string, len(p.nodes))
	for i, n := range p.nodes {
		hosts[i] = n.Host()
	}
	return hosts
}

// EachClient runs fn against every node's client; the first error stops the
// fanout.
func (p *Pool) EachClient(fn func(c *client.Client) error) error {
	for _, n := range p.nodes {
		if err := fn(n.Client); err != nil {
			return fmt.Errorf("node %s: %w", n.Host(), err)
		}
	}
	return nil
}

// EachListener runs fn against every node's listener; the first error stops
// the fanout.
func (p *Pool) EachListener(fn func(l *node.Listener) error) error {
	for _, n := range p.nodes {
		if err := fn(n.Listener); err != nil {
			return fmt.Errorf("node %s: %w", n.Host(), err)
		}
	}
	return nil
}

// Connect brings up every node: the listener's receive connection first so
// subscriptions are live before commands flow, then the client.
func (p *Pool) Connect(ctx context.Context) error {
	for _, n := range p.nodes {
		if err := n.Listener.Connect(ctx); err != nil {
			return fmt.Errorf("connect listener %s: %w", n.Host(), err)
		}
		if err := n.Client.Connect(ctx); err != nil {
			return fmt.Errorf("connect client %s: %w", n.Host(), err)
		}
	}
	return nil
}

// Start launches every node's event loop dispatcher.
func (p *Pool) Start() error {
	return p.EachListener(func(l *node.Listener) error { return l.Start() })
}

// Shutdown disconnects every node, clients first so no commands race the
// listener teardown. All nodes are attempted; the first error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, n := range p.nodes {
		if err := n.Client.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("disconnect client %s: %w", n.Host(), err)
		}
		if err := n.Listener.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("disconnect listener %s: %w", n.Host(), err)
		}
	}
	return firstErr
}

// LoadApp installs the app built by newApp on every node under one shared
// app id. The factory runs once per node so app state stays node-scoped.
// The id chosen for the first node is reused for the rest and returned.
func (p *Pool) LoadApp(appID string, newApp func() client.App) (string, error) {
	for _, n := range p.nodes {
		id, err := n.Client.LoadApp(appID, newApp())
		if err != nil {
			return "", fmt.Errorf("load app on %s: %w", n.Host(), err)
		}
		appID = id
	}
	return appID, nil
}

// UnloadApp removes an app id from every node.
func (p *Pool) UnloadApp(appID string) error {
	return p.EachClient(func(c *client.Client) error { return c.UnloadApp(appID) })
}

// Hupall sweeps all tracked calls on every node.
func (p *Pool) Hupall(ctx context.Context) error {
	return p.EachClient(func(c *client.Client) error { return c.Hupall(ctx, "") })
}

// Cycle returns the next node admitted by the per-node call limit, starting
// after the previously returned one so load interleaves across the cluster.
// When every node is at capacity it returns nil.
func (p *Pool) Cycle() *Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < len(p.nodes); i++ {
		n := p.nodes[p.next%len(p.nodes)]
		p.next++
		if n.Listener.CountCalls() > n.Listener.MaxLimit() {
			continue
		}
		return n
	}
	return nil
}

// FastCount sums the active call counts of all listeners.
func (p *Pool) FastCount() int {
	total := 0
	for _, n := range p.nodes {
		total += n.Listener.CountCalls()
	}
	return total
}

// CountSessions sums active sessions across the cluster.
func (p *Pool) CountSessions() int {
	total := 0
	for _, n := range p.nodes {
		total += n.Listener.CountSessions()
	}
	return total
}

// CountCalls sums active calls across the cluster.
func (p *Pool) CountCalls() int { return p.FastCount() }

// CountJobs sums pending background jobs across the cluster.
func (p *Pool) CountJobs() int {
	total := 0
	for _, n := range p.nodes {
		total += n.Listener.CountJobs()
	}
	return total
}

// CountFailed sums failed sessions across the cluster.
func (p *Pool) CountFailed() int {
	total := 0
	for _, n := range p.nodes {
		total += n.Listener.CountFailed()
	}
	return total
}

// TotalAnswered sums cumulative answered sessions across the cluster.
func (p *Pool) TotalAnswered() int {
	total := 0
	for _, n := range p.nodes {
		total += n.Listener.TotalAnswered()
	}
	return total
}

// HangupCauses merges every node's hangup cause counters.
func (p *Pool) HangupCauses() map[string]int {
	merged := make(map[string]int)
	for _, n := range p.nodes {
		for cause, count := range n.Listener.HangupCauses() {
			merged[cause] += count
		}
	}
	return merged
}
