package esl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultConnectTimeout = 3 * time.Second
	defaultReplyTimeout   = 3 * time.Second
	defaultExitTimeout    = 500 * time.Millisecond
	defaultEventBuffer    = 1024
)

// authAccepted is the reply text the server sends for a successful auth.
const authAccepted = "+OK accepted"

// ReconnectPolicy controls how a listener reacts to transport loss.
// Retries <= 0 means retry without bound.
type ReconnectPolicy struct {
	Enabled bool
	Retries int
	Delay   time.Duration
}

// DefaultReconnectPolicy retries five times, one second apart.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Enabled: true, Retries: 5, Delay: time.Second}
}

// Options tune a connection. The zero value selects the defaults.
type Options struct {
	ConnectTimeout time.Duration
	ReplyTimeout   time.Duration
	ExitTimeout    time.Duration
	EventBuffer    int
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ReplyTimeout == 0 {
		o.ReplyTimeout = defaultReplyTimeout
	}
	if o.ExitTimeout == 0 {
		o.ExitTimeout = defaultExitTimeout
	}
	if o.EventBuffer == 0 {
		o.EventBuffer = defaultEventBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// futureResult carries the outcome of one pending reply.
type futureResult struct {
	ev  Event
	err error
}

// replyFuture is completed exactly once by the read loop.
type replyFuture struct {
	ch chan futureResult
}

func newReplyFuture() *replyFuture {
	return &replyFuture{ch: make(chan futureResult, 1)}
}

func (f *replyFuture) complete(ev Event) {
	select {
	case f.ch <- futureResult{ev: ev}:
	default:
	}
}

func (f *replyFuture) fail(err error) {
	select {
	case f.ch <- futureResult{err: err}:
	default:
	}
}

func (f *replyFuture) wait(ctx context.Context, timeout time.Duration, op string) (Event, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-f.ch:
		return r.ev, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, &TimeoutError{Op: op, Timeout: timeout}
	}
}

// Conn is one authenticated TCP link to a server's event socket. Replies are
// correlated to commands in FIFO order per content type; asynchronous events
// are delivered on the Events channel, which stays stable across reconnects.
type Conn struct {
	host     string
	port     int
	password string
	opts     Options
	logger   *slog.Logger

	mu         sync.Mutex
	sock       net.Conn
	futures    map[string][]*replyFuture
	connected  bool
	authed     bool
	closed     bool
	noticeSeen bool

	readerWG sync.WaitGroup
	events   chan Event
	done     chan struct{}
}

// Dial connects and authenticates against host:port. A reply other than
// "+OK accepted" fails with a ConnectionError naming the endpoint.
func Dial(ctx context.Context, host string, port int, password string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	c := &Conn{
		host:     host,
		port:     port,
		password: password,
		opts:     opts,
		logger:   opts.Logger.With("component", "esl", "server", fmt.Sprintf("%s:%d", host, port)),
		futures:  make(map[string][]*replyFuture),
		events:   make(chan Event, opts.EventBuffer),
		done:     make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Host returns the server host this connection targets.
func (c *Conn) Host() string { return c.host }

// Port returns the server port this connection targets.
func (c *Conn) Port() int { return c.port }

// Events returns the asynchronous event stream. The channel is closed only
// when the connection is closed for good.
func (c *Conn) Events() <-chan Event { return c.events }

// Connected reports whether the transport is up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Authenticated reports whether the auth handshake completed.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// connect dials, starts the read loop, and runs the auth handshake.
func (c *Conn) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	d := net.Dialer{Timeout: c.opts.ConnectTimeout}
	sock, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)))
	if err != nil {
		return &ConnectionError{Host: c.host, Port: c.port, Msg: "failed to connect to server", Err: err}
	}

	c.mu.Lock()
	c.sock = sock
	c.connected = true
	c.noticeSeen = false
	authReq := c.push(ctAuthRequest)
	c.mu.Unlock()

	c.readerWG.Add(1)
	go c.readLoop(sock)

	if _, err := authReq.wait(ctx, c.opts.ReplyTimeout, "auth request"); err != nil {
		sock.Close()
		return &ConnectionError{Host: c.host, Port: c.port, Msg: "no auth request from server", Err: err}
	}

	reply, err := c.sendRecv(ctx, ctCommandReply, "auth "+c.password+"\n\n", "auth", c.opts.ReplyTimeout)
	if err != nil {
		sock.Close()
		return &ConnectionError{Host: c.host, Port: c.port, Msg: "authentication failed", Err: err}
	}
	if text := reply.ReplyText(); text != authAccepted {
		sock.Close()
		return &ConnectionError{Host: c.host, Port: c.port, Msg: fmt.Sprintf("authentication rejected (%s)", text)}
	}

	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	c.logger.Info("connected and authenticated")
	return nil
}

// Reconnect re-dials after transport loss. It is invalid while the link is
// still up; the listener drives this from its disconnect handler.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return &ConfigurationError{Msg: "reconnect requested while connected"}
	}
	c.mu.Unlock()
	return c.connect(ctx)
}

// API runs a blocking api command and returns the response body. A body
// whose final line begins with -ERR fails with an APIError.
func (c *Conn) API(ctx context.Context, cmd string) (string, error) {
	return c.api(ctx, cmd, true)
}

// APIUnchecked is API without -ERR checking, for commands that answer
// "-ERR no reply" by design.
func (c *Conn) APIUnchecked(ctx context.Context, cmd string) (string, error) {
	return c.api(ctx, cmd, false)
}

func (c *Conn) api(ctx context.Context, cmd string, errcheck bool) (string, error) {
	ev, err := c.sendRecv(ctx, ctAPIResponse, "api "+cmd+"\n\n", "api "+cmd, c.opts.ReplyTimeout)
	if err != nil {
		return "", err
	}
	body := ev.Body()
	if errcheck {
		if err := checkReply(cmd, ev); err != nil {
			return body, err
		}
	}
	return body, nil
}

// BgAPI submits a non-blocking api command. The returned reply event carries
// the Job-UUID header; completion arrives later as a BACKGROUND_JOB event.
func (c *Conn) BgAPI(ctx context.Context, cmd string) (Event, error) {
	ev, err := c.sendRecv(ctx, ctCommandReply, "bgapi "+cmd+"\n\n", "bgapi "+cmd, c.opts.ReplyTimeout)
	if err != nil {
		return nil, err
	}
	if err := checkReply(cmd, ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// Execute runs a dialplan application on the given channel via sendmsg.
func (c *Conn) Execute(ctx context.Context, uuid, app, arg string) (Event, error) {
	return c.execute(ctx, uuid, app, arg, 1, true)
}

// ExecuteUnchecked is Execute without -ERR checking.
func (c *Conn) ExecuteUnchecked(ctx context.Context, uuid, app, arg string) (Event, error) {
	return c.execute(ctx, uuid, app, arg, 1, false)
}

func (c *Conn) execute(ctx context.Context, uuid, app, arg string, loops int, errcheck bool) (Event, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "sendmsg %s\ncall-command: execute\nexecute-app-name: %s\n", uuid, app)
	if arg != "" {
		fmt.Fprintf(&b, "execute-app-arg: %s\n", arg)
	}
	fmt.Fprintf(&b, "loops: %d\n\n", loops)

	ev, err := c.sendRecv(ctx, ctCommandReply, b.String(), "sendmsg "+app, c.opts.ReplyTimeout)
	if err != nil {
		return nil, err
	}
	if errcheck {
		if err := checkReply(app, ev); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// Subscribe registers for the given event types. Names containing "::" are
// grouped under a CUSTOM prefix ahead of the standard names.
func (c *Conn) Subscribe(ctx context.Context, events ...string) error {
	if len(events) == 0 {
		return nil
	}
	var std, customs []string
	for _, name := range events {
		if strings.Contains(name, "::") {
			customs = append(customs, name)
		} else {
			std = append(std, name)
		}
	}
	names := strings.Join(std, " ")
	if len(customs) > 0 {
		names = strings.TrimSpace("CUSTOM " + strings.Join(customs, " ") + " " + names)
	}

	ev, err := c.sendRecv(ctx, ctCommandReply, "event plain "+names+"\n\n", "event subscribe", c.opts.ReplyTimeout)
	if err != nil {
		return err
	}
	return checkReply("event plain "+names, ev)
}

// Exit asks the server to close the link gracefully. The server answers
// "+OK bye" and then drops the connection.
func (c *Conn) Exit(ctx context.Context) error {
	ev, err := c.sendRecv(ctx, ctCommandReply, "exit\n\n", "exit", c.opts.ExitTimeout)
	if err != nil {
		return err
	}
	if text := ev.ReplyText(); !strings.HasPrefix(text, "+OK") {
		return &APIError{Command: "exit", Reply: text}
	}
	return nil
}

// Disconnect exits politely when the link is up, then closes.
func (c *Conn) Disconnect(ctx context.Context) error {
	if c.Connected() {
		if err := c.Exit(ctx); err != nil {
			c.logger.Debug("exit before close failed", "error", err)
		}
	}
	return c.Close()
}

// Close tears the connection down and closes the event channel. Safe to call
// more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sock := c.sock
	c.connected = false
	c.authed = false
	c.mu.Unlock()

	close(c.done)
	if sock != nil {
		sock.Close()
	}
	c.readerWG.Wait()
	close(c.events)
	return nil
}

// sendRecv enqueues a reply future and writes the packet under one lock so
// replies correlate to commands in submission order.
func (c *Conn) sendRecv(ctx context.Context, contentType, packet, op string, timeout time.Duration) (Event, error) {
	c.mu.Lock()
	if c.closed || !c.connected {
		c.mu.Unlock()
		return nil, &ConnectionError{Host: c.host, Port: c.port, Msg: "not connected"}
	}
	fut := c.push(contentType)
	_, err := c.sock.Write([]byte(packet))
	c.mu.Unlock()
	if err != nil {
		return nil, &ConnectionError{Host: c.host, Port: c.port, Msg: "write failed", Err: err}
	}
	return fut.wait(ctx, timeout, op)
}

// push appends a pending future for the given content type. Callers hold mu.
func (c *Conn) push(contentType string) *replyFuture {
	fut := newReplyFuture()
	c.futures[contentType] = append(c.futures[contentType], fut)
	return fut
}

// pop removes the oldest pending future for the content type. Callers hold mu.
func (c *Conn) pop(contentType string) *replyFuture {
	list := c.futures[contentType]
	if len(list) == 0 {
		return nil
	}
	fut := list[0]
	c.futures[contentType] = list[1:]
	return fut
}

// readLoop decodes frames off one physical connection until it dies.
func (c *Conn) readLoop(sock net.Conn) {
	defer c.readerWG.Done()
	dec := &Decoder{}
	buf := make([]byte, 8192)

	for {
		n, err := sock.Read(buf)
		if n > 0 {
			frames, derr := dec.Feed(buf[:n])
			for _, ev := range frames {
				c.route(ev)
			}
			if derr != nil {
				c.logger.Error("wire decode failed, closing connection", "error", derr)
				sock.Close()
				c.transportLost(derr)
				return
			}
		}
		if err != nil {
			c.transportLost(err)
			return
		}
	}
}

// route completes the matching pending future for reply frames and forwards
// everything else to the event channel.
func (c *Conn) route(ev Event) {
	switch ct := ev.ContentType(); ct {
	case ctAuthRequest, ctCommandReply, ctAPIResponse:
		c.mu.Lock()
		fut := c.pop(ct)
		c.mu.Unlock()
		if fut == nil {
			c.logger.Warn("reply with no pending future", "content_type", ct, "reply", ev.ReplyText())
			return
		}
		fut.complete(ev)
	default:
		if ev.Get("Event-Name") == EventServerDisconnected {
			c.mu.Lock()
			c.noticeSeen = true
			c.mu.Unlock()
		}
		select {
		case c.events <- ev:
		case <-c.done:
		}
	}
}

// transportLost marks the link down, fails all pending futures, and emits a
// single synthetic SERVER_DISCONNECTED when the server sent no notice.
func (c *Conn) transportLost(cause error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.authed = false
	pending := c.futures
	c.futures = make(map[string][]*replyFuture)
	notice := c.noticeSeen
	closed := c.closed
	c.mu.Unlock()

	connErr := &ConnectionError{Host: c.host, Port: c.port, Msg: "connection lost", Err: cause}
	for _, list := range pending {
		for _, fut := range list {
			fut.fail(connErr)
		}
	}

	if closed || !wasConnected {
		return
	}
	if errors.Is(cause, io.EOF) {
		c.logger.Info("server closed connection")
	} else {
		c.logger.Warn("connection lost", "error", cause)
	}
	if !notice {
		ev := Event{"Event-Name": EventServerDisconnected, "Content-Type": ctDisconnectNotice}
		select {
		case c.events <- ev:
		case <-c.done:
		}
	}
}

// checkReply scans a reply's final body line (falling back to Reply-Text)
// and fails with an APIError on -ERR.
func checkReply(cmd string, ev Event) error {
	body := ev.Body()
	if body == "" {
		body = ev.ReplyText()
	}
	body = strings.TrimRight(body, "\n")
	if body == "" {
		return nil
	}
	lines := strings.Split(body, "\n")
	last := lines[len(lines)-1]
	if strings.HasPrefix(last, "-ERR") {
		return &APIError{Command: cmd, Reply: last}
	}
	return nil
}
