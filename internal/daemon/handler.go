package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/uxfreak/previewd/internal/broker"
	"github.com/uxfreak/previewd/internal/config"
	"github.com/uxfreak/previewd/internal/ports"
	"github.com/uxfreak/previewd/internal/project"
	"github.com/uxfreak/previewd/internal/session"
	"github.com/uxfreak/previewd/internal/supervisor"
)

// Daemon owns the supervision core and serves the IPC surface: dev
// servers, terminal sessions, the project registry, and stream
// attachment. One Daemon runs per socket.
type Daemon struct {
	cfg      *config.Config
	version  string
	registry *project.Registry
	broker   *broker.Broker
	sup      *supervisor.Supervisor
	sessions *session.Manager
	server   *Server

	startedAt time.Time
	shutdown  chan struct{}
	once      sync.Once
}

// New assembles a daemon from the configuration. The server is not
// listening until Run is called.
func New(cfg *config.Config, socketPath, version string) (*Daemon, error) {
	registry, err := project.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("open project registry: %w", err)
	}

	b := broker.New(
		broker.WithCapacity(cfg.Broker.BufferEvents),
		broker.WithCoalesceWindow(cfg.CoalesceWindow()),
	)
	allocator := ports.New(
		ports.WithReserved(cfg.Ports.Reserved),
		ports.WithMaxProbes(cfg.Ports.MaxProbes),
	)

	d := &Daemon{
		cfg:      cfg,
		version:  version,
		registry: registry,
		broker:   b,
		sup:      supervisor.New(cfg, allocator, b),
		sessions: session.NewManager(b, cfg.GracePeriod()),
		shutdown: make(chan struct{}),
	}
	d.server = NewServer(socketPath, d)

	// Lifecycle events go to every attached client so a UI can track
	// servers and sessions it has not subscribed output for.
	d.sup.OnProgress(func(ev supervisor.ProgressEvent) {
		se := &StreamEvent{
			Type:     EventProgress,
			SourceID: ev.OwnerID,
			From:     string(ev.From),
			To:       string(ev.To),
			Time:     ev.Time,
		}
		if ev.Error != "" {
			se.Error = ev.Error
		}
		d.server.Broadcast(se)
	})
	d.sup.OnExit(func(ev supervisor.ExitEvent) {
		d.server.Broadcast(&StreamEvent{
			Type:     EventExit,
			SourceID: ev.OwnerID,
			Code:     ev.Code,
			Reason:   ev.Reason,
			Time:     ev.Time,
		})
	})
	d.sessions.OnExit(func(ev session.ExitEvent) {
		d.server.Broadcast(&StreamEvent{
			Type:     EventExit,
			SourceID: ev.SessionID,
			Code:     ev.Code,
			Reason:   ev.Reason,
			Time:     ev.Time,
		})
	})

	return d, nil
}

// Run starts the daemon and blocks until the context is canceled or a
// shutdown request arrives. All dev servers and sessions are torn down
// before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	pidPath := DefaultPIDPath()
	if running, pid := IsDaemonRunning(pidPath); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	CleanStalePID(pidPath)
	if err := WritePID(pidPath); err != nil {
		return err
	}
	defer RemovePID(pidPath)

	d.startedAt = time.Now()
	if err := d.server.Start(); err != nil {
		return err
	}

	slog.Info("previewd started", "version", d.version, "pid", os.Getpid())

	select {
	case <-ctx.Done():
	case <-d.shutdown:
	}

	slog.Info("previewd shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.GracePeriod()+5*time.Second)
	defer cancel()
	d.sup.StopAll(stopCtx)
	d.sessions.KillAll()

	return d.server.Stop()
}

// RequestShutdown asks a running daemon to exit. Safe to call more
// than once.
func (d *Daemon) RequestShutdown() {
	d.once.Do(func() { close(d.shutdown) })
}

// Handle dispatches one IPC request. It implements Handler.
func (d *Daemon) Handle(ctx context.Context, req *Request) *Response {
	switch req.Type {
	case MsgPing:
		return d.handlePing(req)
	case MsgShutdown:
		d.RequestShutdown()
		return ok(req, nil)
	case MsgServerStart:
		return d.handleServerStart(ctx, req)
	case MsgServerStop:
		return d.handleServerStop(ctx, req)
	case MsgServerStatus:
		return d.handleServerStatus(req)
	case MsgServerList:
		return d.handleServerList(req)
	case MsgSessionOpen:
		return d.handleSessionOpen(req)
	case MsgSessionWrite:
		return d.handleSessionWrite(req)
	case MsgSessionResize:
		return d.handleSessionResize(req)
	case MsgSessionKill:
		return d.handleSessionKill(req)
	case MsgSessionList:
		return d.handleSessionList(req)
	case MsgProjectAdd:
		return d.handleProjectAdd(req)
	case MsgProjectRemove:
		return d.handleProjectRemove(req)
	case MsgProjectList:
		return d.handleProjectList(req)
	case MsgAttach:
		return d.handleAttach(ctx, req)
	case MsgDetach:
		return d.handleDetach(ctx, req)
	default:
		return fail(req, fmt.Sprintf("unknown message type: %s", req.Type))
	}
}

func (d *Daemon) handlePing(req *Request) *Response {
	return ok(req, PingResponse{
		Version:   d.version,
		Uptime:    time.Since(d.startedAt).Round(time.Second).String(),
		StartedAt: d.startedAt,
	})
}

func (d *Daemon) handleServerStart(ctx context.Context, req *Request) *Response {
	payload, err := decodeRequest[ServerStartRequest](req)
	if err != nil {
		return fail(req, err.Error())
	}

	p, err := d.resolveProject(payload.Project)
	if err != nil {
		return fail(req, err.Error())
	}
	manifest, err := project.LoadManifest(p.Path)
	if err != nil {
		return fail(req, err.Error())
	}

	snap, err := d.sup.Start(ctx, supervisor.StartOptions{
		OwnerID:      p.ID,
		Name:         p.Name,
		Dir:          p.Path,
		Command:      manifest.Command,
		Args:         manifest.Args,
		Env:          manifest.Env,
		ReadyPattern: manifest.ReadyPattern,
	})
	if err != nil {
		return fail(req, err.Error())
	}

	return ok(req, ServerStartResponse{
		Project: p.ID,
		Port:    snap.Port,
		PID:     snap.PID,
		URL:     snap.URL,
	})
}

func (d *Daemon) handleServerStop(ctx context.Context, req *Request) *Response {
	payload, err := decodeRequest[ServerStopRequest](req)
	if err != nil {
		return fail(req, err.Error())
	}

	if payload.All {
		d.sup.StopAll(ctx)
		return ok(req, nil)
	}

	p, err := d.resolveProject(payload.Project)
	if err != nil {
		return fail(req, err.Error())
	}
	if err := d.sup.Stop(ctx, p.ID); err != nil {
		return fail(req, err.Error())
	}
	return ok(req, nil)
}

func (d *Daemon) handleServerStatus(req *Request) *Response {
	payload, err := decodeRequest[ServerStatusRequest](req)
	if err != nil {
		return fail(req, err.Error())
	}

	p, err := d.resolveProject(payload.Project)
	if err != nil {
		return fail(req, err.Error())
	}

	snap, err := d.sup.Status(p.ID)
	if err != nil {
		// No entry means the server is simply not running
		return ok(req, ServerStatus{Project: p.ID, Name: p.Name, Status: string(supervisor.StatusStopped)})
	}
	return ok(req, serverStatusOf(snap))
}

func (d *Daemon) handleServerList(req *Request) *Response {
	snaps := d.sup.List()
	resp := ServerListResponse{Servers: make([]ServerStatus, 0, len(snaps))}
	for _, snap := range snaps {
		resp.Servers = append(resp.Servers, serverStatusOf(snap))
	}
	return ok(req, resp)
}

func (d *Daemon) handleSessionOpen(req *Request) *Response {
	payload, err := decodeRequest[SessionOpenRequest](req)
	if err != nil {
		return fail(req, err.Error())
	}

	opts := session.OpenOptions{
		Dir:     payload.Dir,
		Command: payload.Command,
		Rows:    payload.Rows,
		Cols:    payload.Cols,
	}

	// Project sessions run in the project directory and inherit its
	// identity env, so tools in the shell see the same context the
	// dev server does.
	if payload.Project != "" {
		p, err := d.resolveProject(payload.Project)
		if err != nil {
			return fail(req, err.Error())
		}
		if opts.Dir == "" {
			opts.Dir = p.Path
		}
		opts.Env = map[string]string{
			supervisor.EnvProjectID:   p.ID,
			supervisor.EnvProjectName: p.Name,
			supervisor.EnvProjectPath: p.Path,
		}
	}

	s, err := d.sessions.Open(opts)
	if err != nil {
		return fail(req, err.Error())
	}
	return ok(req, SessionOpenResponse{SessionID: s.ID, PID: s.PID()})
}

func (d *Daemon) handleSessionWrite(req *Request) *Response {
	payload, err := decodeRequest[SessionWriteRequest](req)
	if err != nil {
		return fail(req, err.Error())
	}
	if err := d.sessions.Write(payload.SessionID, []byte(payload.Data)); err != nil {
		return fail(req, err.Error())
	}
	return ok(req, nil)
}

func (d *Daemon) handleSessionResize(req *Request) *Response {
	payload, err := decodeRequest[SessionResizeRequest](req)
	if err != nil {
		return fail(req, err.Error())
	}
	if err := d.sessions.Resize(payload.SessionID, payload.Rows, payload.Cols); err != nil {
		return fail(req, err.Error())
	}
	return ok(req, nil)
}

func (d *Daemon) handleSessionKill(req *Request) *Response {
	payload, err := decodeRequest[SessionKillRequest](req)
	if err != nil {
		return fail(req, err.Error())
	}
	if err := d.sessions.Kill(payload.SessionID); err != nil {
		return fail(req, err.Error())
	}
	return ok(req, nil)
}

func (d *Daemon) handleSessionList(req *Request) *Response {
	infos := d.sessions.List()
	resp := SessionListResponse{Sessions: make([]SessionInfo, 0, len(infos))}
	for _, info := range infos {
		resp.Sessions = append(resp.Sessions, SessionInfo{
			SessionID: info.ID,
			Dir:       info.Dir,
			Status:    string(info.Status),
			PID:       info.PID,
			CreatedAt: info.CreatedAt,
		})
	}
	return ok(req, resp)
}

func (d *Daemon) handleProjectAdd(req *Request) *Response {
	payload, err := decodeRequest[ProjectAddRequest](req)
	if err != nil {
		return fail(req, err.Error())
	}
	p, err := d.registry.Add(payload.Name, payload.Path)
	if err != nil {
		return fail(req, err.Error())
	}
	return ok(req, ProjectAddResponse{ID: p.ID, Name: p.Name, Path: p.Path})
}

func (d *Daemon) handleProjectRemove(req *Request) *Response {
	payload, err := decodeRequest[ProjectRemoveRequest](req)
	if err != nil {
		return fail(req, err.Error())
	}
	p, err := d.resolveProject(payload.Project)
	if err != nil {
		return fail(req, err.Error())
	}
	if err := d.registry.Remove(p.Name); err != nil {
		return fail(req, err.Error())
	}
	return ok(req, nil)
}

func (d *Daemon) handleProjectList(req *Request) *Response {
	projects := d.registry.List()
	resp := ProjectListResponse{Projects: make([]ProjectInfo, 0, len(projects))}
	for _, p := range projects {
		resp.Projects = append(resp.Projects, ProjectInfo{ID: p.ID, Name: p.Name, Path: p.Path})
	}
	return ok(req, resp)
}

// handleAttach subscribes the requesting connection to stream events.
// Output for the named sources is forwarded from the broker; an empty
// source list follows every source open at attach time. Lifecycle
// broadcasts are filtered by the same source list.
func (d *Daemon) handleAttach(ctx context.Context, req *Request) *Response {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return fail(req, "attach requires a connection")
	}

	payload, err := decodeRequest[AttachRequest](req)
	if err != nil {
		return fail(req, err.Error())
	}

	sources := payload.Sources
	if len(sources) == 0 {
		sources = d.broker.Sources()
	}

	var subs []*broker.Subscription
	for _, src := range sources {
		sub, err := d.broker.Subscribe(src)
		if err != nil {
			continue // Source gone between listing and subscribing
		}
		subs = append(subs, sub)
	}

	cancel := func() {
		for _, sub := range subs {
			sub.Cancel()
		}
	}
	d.server.Attach(conn, payload.Sources, cancel)

	for _, sub := range subs {
		go d.forward(conn, sub)
	}

	return ok(req, nil)
}

// forward pumps broker events for one subscription to one attached
// client until the subscription ends.
func (d *Daemon) forward(conn net.Conn, sub *broker.Subscription) {
	for ev := range sub.Events() {
		se := &StreamEvent{
			SourceID: ev.SourceID,
			Seq:      ev.Seq,
			Time:     ev.Time,
		}
		switch ev.Kind {
		case broker.KindOutput:
			se.Type = EventOutput
			se.Data = string(ev.Payload)
		case broker.KindInput:
			se.Type = EventInput
			se.Data = string(ev.Payload)
		case broker.KindGap:
			se.Type = EventGap
			se.Dropped = ev.Dropped
		}
		if err := d.server.Send(conn, se); err != nil {
			sub.Cancel()
			return
		}
	}
}

func (d *Daemon) handleDetach(ctx context.Context, req *Request) *Response {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return fail(req, "detach requires a connection")
	}
	d.server.Detach(conn)
	return ok(req, nil)
}

// resolveProject looks up a project by name or ID.
func (d *Daemon) resolveProject(ref string) (*project.Project, error) {
	if ref == "" {
		return nil, fmt.Errorf("project not specified")
	}
	if p, err := d.registry.Get(ref); err == nil {
		return p, nil
	}
	for _, p := range d.registry.List() {
		if p.ID == ref {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown project: %s", ref)
}

func serverStatusOf(snap supervisor.Snapshot) ServerStatus {
	return ServerStatus{
		Project:   snap.OwnerID,
		Name:      snap.Name,
		Status:    string(snap.Status),
		Port:      snap.Port,
		PID:       snap.PID,
		URL:       snap.URL,
		StartedAt: snap.StartedAt,
		Error:     snap.Error,
	}
}

// decodeRequest decodes the request payload into the given type.
func decodeRequest[T any](req *Request) (*T, error) {
	var result T
	if req.Payload == nil {
		return &result, nil
	}
	data, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &result, nil
}

func ok(req *Request, payload any) *Response {
	return &Response{Type: req.Type, ID: req.ID, Success: true, Payload: payload}
}

func fail(req *Request, msg string) *Response {
	return &Response{Type: req.Type, ID: req.ID, Success: false, Error: msg}
}
