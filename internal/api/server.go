// Package api serves the local control API and provides a client for it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/agent"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/devservice"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/distro"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/launcher"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/relay"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/session"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/supervisor"
)

// DefaultListen is the control API address unless configured otherwise.
const DefaultListen = "127.0.0.1:7878"

// Options wires the server to the components it exposes. Services, Agents,
// Relay and Proxy are optional; their routes answer 503 when unset.
type Options struct {
	Sessions    *supervisor.Manager
	Catalog     *distro.Catalog
	Services    *devservice.Manager
	Agents      *agent.Manager
	Relay       *relay.Server
	Proxy       *relay.Manager
	ExecTimeout time.Duration
	Log         zerolog.Logger
}

// Server handles control API requests.
type Server struct {
	opts   Options
	log    zerolog.Logger
	router *mux.Router
}

var errUnavailable = errors.New("component not configured")

// NewServer builds the router for opts.
func NewServer(opts Options) *Server {
	if opts.Catalog == nil {
		opts.Catalog = distro.Builtin()
	}
	if opts.ExecTimeout == 0 {
		opts.ExecTimeout = supervisor.DefaultExecTimeout
	}
	s := &Server{
		opts: opts,
		log:  opts.Log.With().Str("component", "api").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	}).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/sessions", s.listSessions).Methods("GET")
	v1.HandleFunc("/sessions", s.createSession).Methods("POST")
	v1.HandleFunc("/sessions/{id}", s.getSession).Methods("GET")
	v1.HandleFunc("/sessions/{id}", s.deleteSession).Methods("DELETE")
	v1.HandleFunc("/sessions/{id}/start", s.startSession).Methods("POST")
	v1.HandleFunc("/sessions/{id}/stop", s.stopSession).Methods("POST")
	v1.HandleFunc("/sessions/{id}/exec", s.execSession).Methods("POST")
	v1.HandleFunc("/sessions/{id}/agent", s.agentStatus).Methods("GET")
	v1.HandleFunc("/sessions/{id}/agent/install", s.installAgent).Methods("POST")
	v1.HandleFunc("/sessions/{id}/agent/run", s.runAgent).Methods("POST")

	v1.HandleFunc("/distros", s.listDistros).Methods("GET")
	v1.HandleFunc("/proxy", s.proxyStatus).Methods("GET")

	v1.HandleFunc("/services", s.listServices).Methods("GET")
	v1.HandleFunc("/services", s.startService).Methods("POST")
	v1.HandleFunc("/services/templates", s.listTemplates).Methods("GET")
	v1.HandleFunc("/services/install", s.installService).Methods("POST")
	v1.HandleFunc("/services/{id}", s.getService).Methods("GET")
	v1.HandleFunc("/services/{id}/stop", s.stopService).Methods("POST")
	v1.HandleFunc("/services/{id}/connect", s.connectService).Methods("GET")
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultListen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("control API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down control API: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if errors.Is(err, errUnavailable) {
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// sessionID resolves an id or name from the path to the session id.
func (s *Server) sessionID(ref string) (string, error) {
	sess, err := s.opts.Sessions.Get(ref)
	if err != nil {
		return "", err
	}
	return sess.ID(), nil
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	list := s.opts.Sessions.List()
	out := make([]Session, 0, len(list))
	for _, sess := range list {
		out = append(out, sessionView(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.opts.Catalog.Get(req.Distro)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.opts.Sessions.Create(session.Config{
		Name:          req.Name,
		Distro:        d,
		EnableSound:   req.EnableSound,
		EnableNetwork: req.EnableNetwork,
		Mounts:        req.Mounts,
		Env:           req.Env,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionView(sess.Info()))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess.Info()))
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessionID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.opts.Services != nil {
		s.opts.Services.StopSession(r.Context(), id)
		if err := s.opts.Services.Forget(id); err != nil {
			s.log.Warn().Err(err).Str("session", id).Msg("failed to forget services")
		}
	}
	if err := s.opts.Sessions.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["id"]
	if err := s.opts.Sessions.Start(r.Context(), ref); err != nil {
		s.writeError(w, err)
		return
	}
	s.getSession(w, r)
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessionID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.opts.Services != nil {
		s.opts.Services.StopSession(r.Context(), id)
	}
	if err := s.opts.Sessions.Stop(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.getSession(w, r)
}

func (s *Server) execSession(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.opts.Sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	var stdin *strings.Reader
	if req.Stdin != "" {
		stdin = strings.NewReader(req.Stdin)
	}
	timeout := millis(req.TimeoutMS, s.opts.ExecTimeout)
	var res launcher.ProcessResult
	if stdin != nil {
		res, err = sess.ExecInteractive(r.Context(), req.Command, stdin, timeout)
	} else {
		res, err = sess.Exec(r.Context(), req.Command, timeout)
	}
	if err != nil {
		if errors.Is(err, launcher.ErrTimeout) {
			writeJSON(w, http.StatusGatewayTimeout, ExecResult{ProcessResult: res, Error: err.Error()})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExecResult{ProcessResult: res})
}

func (s *Server) listDistros(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Catalog.List())
}

func (s *Server) proxyStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Relay == nil {
		s.writeError(w, fmt.Errorf("%w: proxy", errUnavailable))
		return
	}
	st := ProxyStatus{State: s.opts.Relay.State().String(), URL: s.opts.Relay.URL()}
	if s.opts.Proxy != nil {
		st.Refs = s.opts.Proxy.Refs()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) services() (*devservice.Manager, error) {
	if s.opts.Services == nil {
		return nil, fmt.Errorf("%w: services", errUnavailable)
	}
	return s.opts.Services, nil
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	svc, err := s.services()
	if err != nil {
		s.writeError(w, err)
		return
	}
	list := svc.List()
	if ref := r.URL.Query().Get("session"); ref != "" {
		id, err := s.sessionID(ref)
		if err != nil {
			s.writeError(w, err)
			return
		}
		list = svc.ForSession(id)
	}
	if list == nil {
		list = []devservice.Instance{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, devservice.Presets)
}

func (s *Server) startService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.services()
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req StartServiceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.sessionID(req.Session)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var inst devservice.Instance
	if req.Template == "custom" {
		inst, err = svc.CreateCustom(r.Context(), req.Name, req.Port, req.Command, id)
	} else {
		tmpl, lerr := devservice.Lookup(req.Template)
		if lerr != nil {
			s.writeError(w, lerr)
			return
		}
		port := req.Port
		if port == 0 {
			port = tmpl.DefaultPort
		}
		bind := req.Bind
		if bind == "" {
			bind = devservice.BindLAN
		}
		inst, err = svc.Start(r.Context(), tmpl, id, port, bind)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) installService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.services()
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req InstallServiceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	tmpl, err := devservice.Lookup(req.Template)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.sessionID(req.Session)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := svc.Install(r.Context(), tmpl, id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.services()
	if err != nil {
		s.writeError(w, err)
		return
	}
	inst, err := svc.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) stopService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.services()
	if err != nil {
		s.writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := svc.Stop(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.getService(w, r)
}

func (s *Server) connectService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.services()
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := svc.ConnectInfo(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) agents() (*agent.Manager, error) {
	if s.opts.Agents == nil {
		return nil, fmt.Errorf("%w: agents", errUnavailable)
	}
	return s.opts.Agents, nil
}

func (s *Server) agentStatus(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents()
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.sessionID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AgentStatus{
		Installed: agents.IsInstalled(r.Context(), id),
		Status:    agents.Status(id).String(),
	})
}

func (s *Server) installAgent(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents()
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.sessionID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	progress := func(step string) {
		s.log.Info().Str("session", id).Msg(step)
	}
	if err := agents.Install(r.Context(), id, progress); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AgentStatus{Installed: true, Status: agents.Status(id).String()})
}

func (s *Server) runAgent(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents()
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req RunAgentRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.sessionID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	var res agent.TaskResult
	switch req.Tool {
	case ToolTask, "":
		res = agents.RunTask(r.Context(), id, req.Input, req.Config, millis(req.TimeoutMS, agent.DefaultTaskTimeout))
	case ToolGemini:
		res = agents.RunGemini(r.Context(), id, req.Input, req.Config.GeminiAPIKey, millis(req.TimeoutMS, agent.DefaultGeminiTimeout))
	case ToolDroid:
		res = agents.RunDroid(r.Context(), id, req.Input, millis(req.TimeoutMS, agent.DefaultDroidTimeout))
	default:
		s.writeError(w, fmt.Errorf("%w: unknown tool %q", ErrBadRequest, req.Tool))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
