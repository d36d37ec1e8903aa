package client

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/callstorm/callstorm/internal/esl"
	"github.com/callstorm/callstorm/internal/node"
	"github.com/google/uuid"
)

// AppIDHeader is the event header consulted to resolve which app's
// callbacks run for an event; the matching channel variable is set by the
// originate template.
const AppIDHeader = "variable_" + node.AppVarName

// Options tune a client at construction.
type Options struct {
	Logger *slog.Logger
	Conn   esl.Options
}

type loadedApp struct {
	app  App
	regs []Registration
}

// Client drives one server over its own transmit connection while the
// paired listener consumes events. Commands issued here never compete with
// the receive path.
type Client struct {
	host     string
	port     int
	password string
	id       string
	logger   *slog.Logger
	connOpts esl.Options
	listener *node.Listener

	mu      sync.Mutex
	conn    *esl.Conn
	origCmd string
	apps    map[string]*loadedApp
}

// New builds a client for the listener's server. No connection is made
// until Connect.
func New(listener *node.Listener, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loop := listener.Loop()
	return &Client{
		host:     loop.Host(),
		port:     loop.Port(),
		password: loop.Password(),
		id:       uuid.NewString(),
		logger:   logger.With("component", "client", "host", loop.Host()),
		connOpts: opts.Conn,
		listener: listener,
		apps:     make(map[string]*loadedApp),
	}
}

// Host returns the target server host.
func (c *Client) Host() string { return c.host }

// Port returns the target server port.
func (c *Client) Port() int { return c.port }

// ID returns this client's instance id, used as the fallback app id.
func (c *Client) ID() string { return c.id }

// Listener returns the paired listener.
func (c *Client) Listener() *node.Listener { return c.listener }

// Connect dials and authenticates the transmit connection.
func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	conn, err := esl.Dial(ctx, c.host, c.port, c.password, c.connOpts)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Connected reports whether the transmit connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn != nil && conn.Connected()
}

// Disconnect exits and closes the transmit connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Disconnect(ctx)
}

func (c *Client) transmit() (*esl.Conn, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !conn.Connected() {
		return nil, &esl.ConnectionError{Host: c.host, Port: c.port, Msg: "client is not connected"}
	}
	return conn, nil
}

// API runs a blocking api command and returns the response body. A -ERR
// response surfaces as an APIError.
func (c *Client) API(ctx context.Context, cmd string) (string, error) {
	conn, err := c.transmit()
	if err != nil {
		return "", err
	}
	return conn.API(ctx, cmd)
}

// APIUnchecked is API without -ERR checking.
func (c *Client) APIUnchecked(ctx context.Context, cmd string) (string, error) {
	conn, err := c.transmit()
	if err != nil {
		return "", err
	}
	return conn.APIUnchecked(ctx, cmd)
}

// BgAPI runs a non-blocking api command and returns the registered job.
// The callback, if any, runs with the job's result body when the matching
// BACKGROUND_JOB event arrives.
func (c *Client) BgAPI(ctx context.Context, cmd string, callback func(resp string)) (*node.Job, error) {
	return c.bgAPI(ctx, cmd, "", c.id, callback)
}

// bgAPI issues the command inside the listener's job registration block so
// the completion event can never be handled before the job is tracked.
func (c *Client) bgAPI(ctx context.Context, cmd, sessUUID, appID string, callback func(resp string)) (*node.Job, error) {
	if !c.listener.IsRunning() {
		return nil, &esl.ConfigurationError{Msg: "start the event loop before issuing bgapi commands"}
	}
	conn, err := c.transmit()
	if err != nil {
		return nil, err
	}

	c.listener.BlockJobs()
	defer c.listener.UnblockJobs()
	reply, err := conn.BgAPI(ctx, cmd)
	if err != nil {
		return nil, err
	}
	jobUUID := reply.JobUUID()
	if jobUUID == "" {
		return nil, &esl.APIError{Command: cmd, Reply: "bgapi reply carried no Job-UUID"}
	}
	job := node.NewJob(jobUUID, sessUUID, appID, callback)
	c.listener.RegisterJob(job)
	return job, nil
}

// LoadApp installs an app's registrations under the given id. An empty id
// gets a generated one; the effective id is returned. Loading runs the
// app's Init first when it implements Initializer.
func (c *Client) LoadApp(appID string, app App) (string, error) {
	if appID == "" {
		appID = uuid.NewString()
	}
	regs := app.Registrations()
	if len(regs) == 0 {
		return "", &esl.ConfigurationError{Msg: fmt.Sprintf("app %T registers no handlers or callbacks", app)}
	}
	for _, reg := range regs {
		if err := reg.validate(); err != nil {
			return "", &esl.ConfigurationError{Msg: fmt.Sprintf("app %T: %v", app, err)}
		}
	}

	c.mu.Lock()
	if _, dup := c.apps[appID]; dup {
		c.mu.Unlock()
		return "", &esl.ConfigurationError{Msg: fmt.Sprintf("an app with id '%s' is already loaded", appID)}
	}
	c.mu.Unlock()

	if init, ok := app.(Initializer); ok {
		if err := init.Init(&Env{Client: c, Listener: c.listener}); err != nil {
			return "", fmt.Errorf("init app %T: %w", app, err)
		}
	}

	loop := c.listener.Loop()
	for _, reg := range regs {
		switch {
		case reg.Handler != nil:
			if err := loop.RegisterHandler(reg.Event, reg.Handler); err != nil {
				loop.RemoveApp(appID)
				return "", err
			}
		case reg.Callback != nil:
			if err := c.ensureHandler(loop, reg.Event); err != nil {
				loop.RemoveApp(appID)
				return "", err
			}
			loop.AddCallback(appID, reg.Event, reg.Callback, reg.Prepend)
		case reg.Coroutine != nil:
			if err := c.ensureHandler(loop, reg.Event); err != nil {
				loop.RemoveApp(appID)
				return "", err
			}
			loop.AddCoroutine(appID, reg.Event, reg.Coroutine, reg.Prepend)
		}
	}

	// App id resolution must see our originate variable first.
	loop.PrependAppIDHeader(AppIDHeader)

	c.mu.Lock()
	c.apps[appID] = &loadedApp{app: app, regs: regs}
	c.mu.Unlock()
	c.logger.Info("loaded app", "app", fmt.Sprintf("%T", app), "app_id", appID)
	return appID, nil
}

// ensureHandler installs the session-lookup default handler for events that
// only carry callbacks, so their sessions still resolve.
func (c *Client) ensureHandler(loop *node.EventLoop, evname string) error {
	if loop.HasHandler(evname) {
		return nil
	}
	c.logger.Info("adding default session lookup handler", "event", evname)
	return loop.RegisterHandler(evname, c.listener.LookupSess)
}

// UnloadApp removes an app's callbacks and coroutines and runs its
// teardown. Handlers stay installed; the loop owns them once registered.
func (c *Client) UnloadApp(appID string) error {
	c.mu.Lock()
	entry := c.apps[appID]
	delete(c.apps, appID)
	c.mu.Unlock()
	if entry == nil {
		c.logger.Debug("app already unloaded", "app_id", appID)
		return nil
	}
	c.listener.Loop().RemoveApp(appID)
	if fin, ok := entry.app.(Finalizer); ok {
		if err := fin.Teardown(); err != nil {
			return fmt.Errorf("teardown app %T: %w", entry.app, err)
		}
	}
	c.logger.Info("unloaded app", "app_id", appID)
	return nil
}

// AppIDs returns the loaded app ids, sorted.
func (c *Client) AppIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.apps))
	for id := range c.apps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// hupallCmds builds the server-side sweep commands for the given app ids:
// one unfiltered hupall when none are loaded, otherwise one filtered
// command per id. The filter variable is passed without its variable_
// prefix, as hupall matches channel variables bare.
func hupallCmds(ids []string) []string {
	if len(ids) == 0 {
		return []string{"hupall " + node.DefaultHangupCause}
	}
	cmds := make([]string, len(ids))
	for i, id := range ids {
		cmds[i] = fmt.Sprintf("hupall %s %s %s", node.DefaultHangupCause, node.AppVarName, id)
	}
	return cmds
}

// Hupall hangs up tracked calls server side. With an app id only that
// app's calls drop; with none every loaded app is swept, or the whole
// server when nothing is loaded.
func (c *Client) Hupall(ctx context.Context, appID string) error {
	ids := c.AppIDs()
	if appID != "" {
		ids = []string{appID}
	}
	for _, cmd := range hupallCmds(ids) {
		if _, err := c.API(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}
