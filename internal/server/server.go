package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/agent"
	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/executor"
	"github.com/prbarcelon/mcporch/internal/llm"
	"github.com/prbarcelon/mcporch/internal/mcp"
	"github.com/prbarcelon/mcporch/internal/memory"
	"github.com/prbarcelon/mcporch/internal/protocol"
	"github.com/prbarcelon/mcporch/internal/sink"
	"github.com/prbarcelon/mcporch/internal/store"
)

const connectConcurrency = 4

type Server struct {
	configPath string
	log        *zap.Logger
	startedAt  time.Time

	// mu serializes config edits and guards cfg.
	mu  sync.Mutex
	cfg *config.Config

	store    *store.Store
	sink     *sink.Sink
	hub      *Hub
	registry *mcp.Registry
	broker   *executor.Broker
	exec     *executor.Executor
	model    llm.Model
	loop     *agent.Loop
	sessions *agent.Sessions
	memOpts  memory.Options
}

func New(configPath string, cfg *config.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		configPath: configPath,
		cfg:        cfg,
		log:        log,
		startedAt:  time.Now().UTC(),
	}
}

// open wires every component without connecting any tool server.
func (s *Server) open() error {
	cfg := s.cfg
	st, err := store.Open(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	s.store = st
	s.hub = NewHub(s.log.Named("events"))

	var backends []sink.Backend
	if !cfg.Sink.NoSQLite {
		backends = append(backends, sink.NewSQLite(st))
	}
	if len(cfg.Sink.Kafka.Brokers) > 0 {
		k, err := sink.NewKafka(cfg.Sink.Kafka, s.log.Named("kafka"))
		if err != nil {
			s.log.Warn("kafka sink disabled", zap.Error(err))
		} else {
			backends = append(backends, k)
		}
	}
	backends = append(backends, hubBackend{hub: s.hub})
	s.sink = sink.New(cfg.Sink.Buffer, s.log.Named("sink"), backends...)

	s.registry = mcp.NewRegistry(s.log.Named("mcp"), nil)
	s.broker = executor.NewBroker(cfg.Executor.ApprovalTimeout.Duration)
	s.broker.OnPending(func(p protocol.PendingApproval) {
		s.hub.Publish(protocol.Event{
			Kind:     EventApprovalPending,
			Session:  p.Session,
			Server:   p.Server,
			Tool:     p.Tool,
			Approval: &p,
		})
	})
	execOpts := executor.OptionsFrom(cfg.Executor)
	s.exec = executor.New(s.registry, s.broker, s.sink, execOpts, s.log.Named("executor"))

	s.model = llm.New(cfg.Model, execOpts.Backoff, s.log.Named("model"))
	s.memOpts = memory.OptionsFrom(cfg.Memory)
	s.sessions = agent.NewSessions(s.newMemory)
	s.loop = agent.New(s.registry, s.exec, s.model, agent.OptionsFrom(cfg.Loop), s.log.Named("agent"))
	return nil
}

// newMemory restores a session's history from the store when it has one.
func (s *Server) newMemory(id string) *memory.Memory {
	mem := memory.New(id, s.memOpts, llm.NewSummarizer(s.model), s.sink, s.log.Named("memory"))
	msgs, err := s.store.ListMessages(id, 0)
	if err != nil {
		s.log.Warn("restore session history", zap.String("session", id), zap.Error(err))
		return mem
	}
	if len(msgs) == 0 {
		return mem
	}
	sums, err := s.store.ListSummaries(id)
	if err != nil {
		s.log.Warn("restore session summaries", zap.String("session", id), zap.Error(err))
	}
	mem.Restore(msgs, sums)
	return mem
}

func (s *Server) close() {
	if s.sessions != nil {
		s.sessions.Close()
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			s.log.Debug("close connections", zap.Error(err))
		}
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			s.log.Warn("close sink", zap.Error(err))
		}
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

// Run serves the control socket until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if err := s.open(); err != nil {
		return err
	}
	defer s.close()

	socketPath := s.cfg.Server.SocketPath
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return err
	}
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	defer ln.Close()
	if err := os.Chmod(socketPath, 0o600); err != nil {
		return err
	}

	s.connectAll(ctx)
	go s.forwardRegistryChanges(ctx)

	if addr := s.cfg.Server.EventsAddr; addr != "" {
		if err := s.serveEvents(ctx, addr); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.log.Info("daemon listening", zap.String("socket", socketPath), zap.Int("servers", len(s.cfg.Servers)))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.log.Debug("accept error", zap.Error(err))
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) connectAll(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, s.connectTimeout())
	defer cancel()
	if err := s.registry.ConnectAll(cctx, s.cfg.Servers, connectConcurrency); err != nil {
		s.log.Warn("some servers failed to connect", zap.Error(err))
	}
}

func (s *Server) forwardRegistryChanges(ctx context.Context) {
	changes, unsubscribe := s.registry.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			text := string(ch.Kind)
			if ch.State != "" {
				text += " " + string(ch.State)
			}
			s.hub.Publish(protocol.Event{
				Kind:    EventRegistryChanged,
				Version: ch.Version,
				Server:  ch.Server,
				Tool:    ch.Tool,
				Text:    text,
			})
		}
	}
}

func (s *Server) serveEvents(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("events listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/events", s.hub)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("events server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("event feed listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)

	var req protocol.Request
	if err := dec.Decode(&req); err != nil {
		_ = enc.Encode(protocol.Response{OK: false, Error: err.Error()})
		_ = w.Flush()
		return
	}
	resp := s.handle(ctx, req)
	_ = enc.Encode(resp)
	_ = w.Flush()
}

func fail(err error) protocol.Response {
	return protocol.Response{OK: false, Error: err.Error()}
}

func (s *Server) handle(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Action {
	case "status":
		s.mu.Lock()
		serverCount := len(s.cfg.Servers)
		s.mu.Unlock()
		return protocol.Response{OK: true, Status: &protocol.Status{
			StartedAt:       s.startedAt,
			UptimeSec:       int64(time.Since(s.startedAt).Seconds()),
			ServerCount:     serverCount,
			ToolCount:       s.registry.ToolCount(),
			RegistryVersion: s.registry.Version(),
			Sessions:        s.sessions.Len(),
			PendingApproval: len(s.broker.Pending("")),
			SinkDropped:     s.sink.Dropped(),
			Watchers:        s.hub.Watchers(),
		}}
	case "servers":
		return protocol.Response{OK: true, Servers: s.registry.Servers()}
	case "tools":
		if req.Server != "" {
			items, err := s.registry.ToolsByServer(req.Server)
			if err != nil {
				return fail(err)
			}
			return protocol.Response{OK: true, Tools: items, Collisions: s.registry.Collisions()}
		}
		return protocol.Response{OK: true, Tools: s.registry.All(), Collisions: s.registry.Collisions()}
	case "inspect":
		name, err := s.toolName(req)
		if err != nil {
			return fail(err)
		}
		detail, err := s.registry.InspectTool(name)
		if err != nil {
			return fail(err)
		}
		return protocol.Response{OK: true, ToolDetail: detail}
	case "call":
		name, err := s.toolName(req)
		if err != nil {
			return fail(err)
		}
		res := s.exec.Execute(ctx, protocol.ToolCallRequest{
			CallID:    req.CallID,
			Session:   req.Session,
			Tool:      name,
			Arguments: req.Args,
		})
		resp := protocol.Response{OK: res.Status == protocol.StatusSuccess, Result: &res}
		if !resp.OK {
			resp.Error = fmt.Sprintf("%s: %s", res.Status, res.Error)
		}
		return resp
	case "chat":
		if strings.TrimSpace(req.Text) == "" {
			return protocol.Response{OK: false, Error: "text is required"}
		}
		sess := s.sessions.Get(req.Session)
		turn, err := s.loop.RunTurn(ctx, sess, req.Text)
		resp := protocol.Response{
			OK:         err == nil,
			Session:    turn.Session,
			Text:       turn.Text,
			Calls:      turn.Calls,
			Iterations: turn.Iterations,
			Capped:     turn.Capped,
		}
		if err != nil {
			resp.Error = err.Error()
		}
		return resp
	case "approve", "deny":
		if req.CallID == "" {
			return protocol.Response{OK: false, Error: "call_id is required"}
		}
		approved := req.Action == "approve"
		if err := s.broker.Decide(req.CallID, approved, req.Reason); err != nil {
			return fail(err)
		}
		verdict := "denied"
		if approved {
			verdict = "approved"
		}
		s.hub.Publish(protocol.Event{Kind: EventApprovalDecided, Session: req.Session, Text: req.CallID + " " + verdict})
		return protocol.Response{OK: true, Text: fmt.Sprintf("%s %s", verdict, req.CallID)}
	case "pending":
		return protocol.Response{OK: true, Pending: s.broker.Pending(req.Session)}
	case "enable", "disable":
		name, err := s.toolName(req)
		if err != nil {
			return fail(err)
		}
		if err := s.registry.SetEnabled(name, req.Action == "enable"); err != nil {
			return fail(err)
		}
		return protocol.Response{OK: true, Text: fmt.Sprintf("%sd %s", req.Action, name)}
	case "approval":
		if req.Enabled == nil {
			return protocol.Response{OK: false, Error: "enabled is required"}
		}
		name, err := s.toolName(req)
		if err != nil {
			return fail(err)
		}
		if err := s.registry.SetApproval(name, *req.Enabled); err != nil {
			return fail(err)
		}
		if *req.Enabled {
			return protocol.Response{OK: true, Text: fmt.Sprintf("%s now requires approval", name)}
		}
		return protocol.Response{OK: true, Text: fmt.Sprintf("%s no longer requires approval", name)}
	case "history":
		limit := req.Limit
		if limit <= 0 {
			limit = 50
		}
		if req.Session != "" {
			if sess, ok := s.sessions.Lookup(req.Session); ok {
				return protocol.Response{OK: true, Session: req.Session, Messages: sess.Memory().History(limit)}
			}
			msgs, err := s.store.ListMessages(req.Session, limit)
			if err != nil {
				return fail(err)
			}
			return protocol.Response{OK: true, Session: req.Session, Messages: msgs}
		}
		items, err := s.store.ListHistory(req.Server, req.Tool, limit)
		if err != nil {
			return fail(err)
		}
		return protocol.Response{OK: true, History: items}
	case "memory", "clear":
		sess, err := s.existingSession(req.Session)
		if err != nil {
			return fail(err)
		}
		if req.Action == "clear" {
			sess.Memory().Clear()
			return protocol.Response{OK: true, Session: sess.ID(), Text: "cleared context of " + sess.ID()}
		}
		info := sess.Memory().Info()
		return protocol.Response{OK: true, Session: sess.ID(), Memory: &info, Messages: sess.Memory().Context()}
	case "sessions":
		return protocol.Response{OK: true, Text: strings.Join(s.sessions.IDs(), "\n")}
	case "end":
		if !s.sessions.End(req.Session) {
			return protocol.Response{OK: false, Error: "session not found"}
		}
		return protocol.Response{OK: true, Text: "ended session " + req.Session}
	case "add_server":
		if req.Name == "" {
			return protocol.Response{OK: false, Error: "name is required"}
		}
		transport := config.TransportKind(strings.ToLower(strings.TrimSpace(req.Transport)))
		if transport == config.TransportStdio || (transport == "" && len(req.Command) > 0) {
			if len(req.Command) == 0 {
				return protocol.Response{OK: false, Error: "command is required for stdio transport"}
			}
		} else if req.URL == "" {
			return protocol.Response{OK: false, Error: "url is required for http/sse transport"}
		}
		item := config.MCPServer{
			Name:      req.Name,
			Alias:     req.Alias,
			URL:       req.URL,
			Transport: transport,
			Headers:   req.Headers,
			Command:   req.Command,
			Env:       req.Env,
		}
		err := s.editConfig(ctx, func(cfg *config.Config) error {
			return config.UpsertServer(cfg, item)
		})
		if err != nil {
			return fail(err)
		}
		return protocol.Response{OK: true, Text: fmt.Sprintf("added server %s", req.Name)}
	case "remove_server":
		if req.Name == "" {
			return protocol.Response{OK: false, Error: "name is required"}
		}
		err := s.editConfig(ctx, func(cfg *config.Config) error {
			if !config.RemoveServer(cfg, req.Name) {
				return errors.New("server not found")
			}
			return nil
		})
		if err != nil {
			return fail(err)
		}
		return protocol.Response{OK: true, Text: fmt.Sprintf("removed server %s", req.Name)}
	case "set_auth":
		if req.Name == "" {
			return protocol.Response{OK: false, Error: "name is required"}
		}
		err := s.editConfig(ctx, func(cfg *config.Config) error {
			for i := range cfg.Servers {
				if cfg.Servers[i].Name == req.Name {
					headers := maps.Clone(cfg.Servers[i].Headers)
					if headers == nil {
						headers = map[string]string{}
					}
					maps.Copy(headers, req.Headers)
					cfg.Servers[i].Headers = headers
					return nil
				}
			}
			return errors.New("server not found")
		})
		if err != nil {
			return fail(err)
		}
		return protocol.Response{OK: true, Text: "updated authentication"}
	case "reload":
		next, err := config.Load(s.configPath)
		if err != nil {
			return fail(err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if strings.TrimSpace(next.Server.DBPath) != strings.TrimSpace(s.cfg.Server.DBPath) {
			s.log.Warn("db_path changed; restart the daemon to switch databases", zap.String("db_path", next.Server.DBPath))
		}
		changes := config.Diff(s.cfg, next)
		applyErr := s.apply(ctx, changes)
		s.cfg = next
		text := fmt.Sprintf("reloaded config: %d connection changes", len(changes))
		if applyErr != nil {
			return protocol.Response{OK: true, Text: text + "; " + applyErr.Error()}
		}
		return protocol.Response{OK: true, Text: text}
	default:
		return protocol.Response{OK: false, Error: "unknown action"}
	}
}

// toolName maps a request naming either an exposed tool or a server and
// one of its tools to the exposed name.
func (s *Server) toolName(req protocol.Request) (string, error) {
	tool := req.Tool
	if tool == "" {
		tool = req.Name
	}
	if tool == "" {
		return "", errors.New("tool is required")
	}
	if req.Server != "" {
		return s.registry.ExposedName(req.Server, tool)
	}
	return tool, nil
}

// existingSession returns a live session or one the store still has
// history for. Unknown ids are an error rather than a new session.
func (s *Server) existingSession(id string) (*agent.Session, error) {
	if id == "" {
		return nil, errors.New("session is required")
	}
	if sess, ok := s.sessions.Lookup(id); ok {
		return sess, nil
	}
	msgs, err := s.store.ListMessages(id, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("unknown session %q", id)
	}
	return s.sessions.Get(id), nil
}

// editConfig applies edit to a copy of the config, saves it, and turns the
// difference into connection changes.
func (s *Server) editConfig(ctx context.Context, edit func(cfg *config.Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.cfg
	next.Servers = append([]config.MCPServer(nil), s.cfg.Servers...)
	if err := edit(&next); err != nil {
		return err
	}
	if err := config.Save(s.configPath, &next); err != nil {
		return err
	}
	changes := config.Diff(s.cfg, &next)
	s.cfg = &next
	if err := s.apply(ctx, changes); err != nil {
		s.log.Warn("config change partially applied", zap.Error(err))
	}
	return nil
}

func (s *Server) apply(ctx context.Context, changes []config.Change) error {
	if len(changes) == 0 {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.connectTimeout())
	defer cancel()
	return s.registry.Apply(cctx, changes, connectConcurrency)
}

func (s *Server) connectTimeout() time.Duration {
	if d := s.cfg.Server.ConnectTimeout.Duration; d > 0 {
		return d
	}
	return 20 * time.Second
}
