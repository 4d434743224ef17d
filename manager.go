package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bt-bridge/realtime-relay/tools"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ManagerParams struct {
	Config      *shared.Config
	Dialer      Dialer
	Transcriber tools.Transcriber
	Printer     *shared.Printer
}

// Manager accepts client websockets, dials a paired upstream for each and
// runs a Session until either side goes away.
type Manager struct {
	logger      shared.LoggerAdapter
	cfg         *shared.Config
	dialer      Dialer
	transcriber tools.Transcriber
	printer     *shared.Printer
	tracker     *Tracker
	upgrader    websocket.Upgrader
	draining    atomic.Bool
}

var _ http.Handler = (*Manager)(nil)

func NewManager(logger shared.LoggerAdapter, p ManagerParams) (*Manager, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if p.Config == nil {
		return nil, shared.ErrNoConfig
	}
	if p.Dialer == nil {
		return nil, errors.New("no upstream dialer provided")
	}
	m := &Manager{
		logger:      logger.With(zap.String("component", "manager")),
		cfg:         p.Config,
		dialer:      p.Dialer,
		transcriber: p.Transcriber,
		printer:     p.Printer,
		tracker:     NewTracker(),
	}
	// Origins are checked before the upgrade, see originAllowed.
	m.upgrader = websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return m, nil
}

// Routes mounts the relay endpoint and /healthz.
func (m *Manager) Routes() http.Handler {
	mux := http.NewServeMux()
	path := m.cfg.Server.Path
	if path == "" {
		path = "/"
	}
	mux.Handle(path, m)
	mux.HandleFunc("/healthz", m.serveHealth)
	return mux
}

func (m *Manager) Sessions() int {
	return m.tracker.Count()
}

func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if m.draining.Load() {
		writeJSONError(w, http.StatusServiceUnavailable, "relay is shutting down")
		return
	}
	if !m.originAllowed(r) {
		writeJSONError(w, http.StatusForbidden, "origin is not allowed")
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("upgrading client connection", zap.Error(err))
		return
	}
	if m.cfg.Server.ReadLimitBytes > 0 {
		conn.SetReadLimit(m.cfg.Server.ReadLimitBytes)
	}

	sessionId := newSessionId()
	logger := m.logger.With(zap.String("session_id", sessionId), zap.String("remote", r.RemoteAddr))

	// Registering before the dial lets Shutdown cancel a dial in flight.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	unregister, err := m.tracker.Register(sessionId, cancel)
	if err != nil {
		logger.Info("refusing session", zap.Error(err))
		closeConn(conn, websocket.CloseGoingAway, "relay is shutting down")
		return
	}
	defer unregister()

	dialTimeout := m.cfg.Upstream.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	upstream, err := m.dialer.Dial(dialCtx)
	cancelDial()
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("dial canceled by shutdown")
			closeConn(conn, websocket.CloseGoingAway, "relay is shutting down")
			return
		}
		logger.Error("dialing upstream", err)
		closeConn(conn, websocket.CloseInternalServerErr, "upstream unavailable")
		return
	}

	session, err := NewSession(m.logger, SessionParams{
		Id:          sessionId,
		Client:      conn,
		Upstream:    upstream,
		Config:      m.cfg,
		Transcriber: m.transcriber,
		Printer:     m.printer,
	})
	if err != nil {
		logger.Error("creating session", err)
		closeConn(conn, websocket.CloseInternalServerErr, "")
		_ = upstream.Close()
		return
	}

	// Run logs the teardown cause itself.
	_ = session.Run(ctx)
}

// Shutdown stops accepting sessions, cancels the live ones and waits for them
// to release their connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.draining.Store(true)
	canceled := m.tracker.Close()
	m.logger.Info("canceling sessions", zap.Int("count", canceled))
	if !m.tracker.Wait(ctx) {
		return ctx.Err()
	}
	return nil
}

// originAllowed accepts requests without an Origin header, and any origin
// when no allow list is configured.
func (m *Manager) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	allowed := m.cfg.Server.AllowedOrigins
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
}

func (m *Manager) serveHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if m.draining.Load() {
		status = "draining"
	}
	writeJSON(w, http.StatusOK, &healthResponse{
		Status:   status,
		Version:  shared.Version,
		Sessions: m.tracker.Count(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, &errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = conn.Close()
}

func newSessionId() string {
	return newId("sess_")
}
