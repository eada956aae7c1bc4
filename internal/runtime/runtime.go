// Package runtime assembles the listening daemon: telemetry, the HTTP probe
// server, the bus, the journal and the session controller.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/capability"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/journal"
	"github.com/loqalabs/loqa-listen/internal/listen"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/session"
	"github.com/loqalabs/loqa-listen/internal/stt"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	wg     sync.WaitGroup

	mu      sync.Mutex
	addr    string
	servers []*http.Server

	telemetry  *telemetry
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	journal    *journal.Store
	registry   *capability.Registry
	controller *session.Controller
	listen     *listen.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up and blocks until ctx is canceled.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.setup(ctx); err != nil {
		r.shutdown()
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

// Addr reports the bound HTTP address once Start has opened it.
func (r *Runtime) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

func (r *Runtime) setup(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	if busCfg.Enabled {
		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.bus = client
	}

	store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.journal = store

	source, err := audio.NewSource(r.cfg.Audio, r.bus)
	if err != nil {
		return fmt.Errorf("audio source: %w", err)
	}
	backend, err := stt.New(r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("stt backend: %w", err)
	}

	listeners := []session.Listener{journal.NewRecorder(store, backend.Name(), r.cfg.Journal.RecordPartial)}
	if r.bus != nil {
		registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.Recognizer{
			Backend: backend.Name(),
			Locales: r.cfg.STT.Languages,
		}, r.bus, r.logger)
		if err != nil {
			return err
		}
		r.registry = registry
		listeners = append(listeners,
			listen.NewPublisher(r.bus),
			session.ListenerFuncs{ReadyChanged: registry.SetReady},
		)
	}
	ctrl, err := session.New(session.Options{
		Source:        source,
		Backend:       backend,
		Listener:      session.Listeners(listeners...),
		SilenceWindow: time.Duration(r.cfg.STT.SilenceTimeoutMS) * time.Millisecond,
		SampleRate:    r.cfg.Audio.SampleRate,
		Logger:        r.logger,
	})
	if err != nil {
		return err
	}
	r.controller = ctrl
	if err := ctrl.Prepare(ctx); err != nil {
		r.logger.Warn("recognizer probe failed; sessions will be attempted anyway", slogError(err))
	}

	if r.bus != nil {
		r.listen = listen.NewService(ctx, r.bus, ctrl, r.cfg.STT.Language)
		if err := r.listen.Start(); err != nil {
			return err
		}
	}

	return r.startHTTP()
}

func (r *Runtime) startHTTP() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	mux.HandleFunc("/sessions", r.handleSessions)
	mux.HandleFunc("/nodes", r.handleNodes)
	if r.telemetry.metricsHandler != nil {
		mux.Handle("/metrics", r.telemetry.metricsHandler)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	bound, err := r.serve(addr, mux)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.addr = bound
	r.mu.Unlock()

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.telemetry.metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", r.telemetry.metricsHandler)
		if _, err := r.serve(bind, metricsMux); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) serve(addr string, handler http.Handler) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.mu.Lock()
	r.servers = append(r.servers, server)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", addr), slogError(err))
		}
	}()
	return ln.Addr().String(), nil
}

// shutdown releases whatever setup managed to acquire, newest first.
func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.mu.Lock()
	servers := r.servers
	r.servers = nil
	r.mu.Unlock()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()

	if r.listen != nil {
		r.listen.Close()
	}
	if r.controller != nil {
		r.controller.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("journal close error", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.telemetry != nil {
		if err := r.telemetry.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	return r.listen == nil || r.listen.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type statusResponse struct {
	State       string `json:"state"`
	SessionID   string `json:"session_id,omitempty"`
	Locale      string `json:"locale,omitempty"`
	PartialText string `json:"partial_text,omitempty"`
	Ready       bool   `json:"ready"`
	Available   bool   `json:"available"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := r.controller.Status()
	writeJSON(w, statusResponse{
		State:       st.State.String(),
		SessionID:   st.SessionID,
		Locale:      st.Locale,
		PartialText: st.PartialText,
		Ready:       st.Ready,
		Available:   st.Available,
	})
}

type sessionResponse struct {
	ID        string     `json:"id"`
	Locale    string     `json:"locale"`
	Backend   string     `json:"backend,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
	FinalText string     `json:"final_text,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	sessions, err := r.journal.Sessions(req.Context(), limit)
	if err != nil {
		r.logger.Warn("failed to list sessions", slogError(err))
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		item := sessionResponse{
			ID:        s.ID,
			Locale:    s.Locale,
			Backend:   s.Backend,
			Outcome:   s.Outcome,
			FinalText: s.FinalText,
			StartedAt: s.StartedAt,
		}
		if !s.EndedAt.IsZero() {
			ended := s.EndedAt
			item.EndedAt = &ended
		}
		out = append(out, item)
	}
	writeJSON(w, out)
}

type nodeResponse struct {
	ID       string    `json:"id"`
	Backend  string    `json:"backend"`
	Locales  []string  `json:"locales,omitempty"`
	Ready    bool      `json:"ready"`
	Healthy  bool      `json:"healthy"`
	LastSeen time.Time `json:"last_seen"`
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	if r.registry == nil {
		writeJSON(w, []nodeResponse{})
		return
	}
	var filter func(capability.Node) bool
	if locale := req.URL.Query().Get("locale"); locale != "" {
		filter = capability.Available(locale)
	}
	nodes := r.registry.Nodes(filter)
	out := make([]nodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeResponse{
			ID:       n.ID,
			Backend:  n.Backend,
			Locales:  n.Locales,
			Ready:    n.Ready,
			Healthy:  n.Healthy,
			LastSeen: n.LastSeen,
		})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
