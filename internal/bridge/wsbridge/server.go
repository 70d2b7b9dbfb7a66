package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/swaplink/internal/bridge"
	"github.com/chaz8081/swaplink/internal/domain"
)

const (
	// maxFrameSize bounds one inbound frame. Telemetry payloads are small.
	maxFrameSize = 256 * 1024
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Config configures a Server.
type Config struct {
	Listen         string   // host:port; empty means the caller mounts Handler
	Path           string   // endpoint path, e.g. /bridge
	AllowedOrigins []string // empty means same-origin only
}

// Intent is an operator action forwarded by the host.
type Intent struct {
	Name    string
	PlanID  string
	ActorID string
}

// IntentHandler executes an intent. The returned notice, if any, is sent
// back along with the acknowledgement.
type IntentHandler func(ctx context.Context, in Intent) (*Frame, error)

// Server is a bridge.Transport served over a WebSocket. One host is
// attached at a time; a newer connection replaces the older one.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	events   chan bridge.Event
	nextID   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	host    *hostConn
	intents IntentHandler
	httpSrv *http.Server
	addr    string
	closed  bool
}

// New creates a server. Open starts listening when cfg.Listen is set.
func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/bridge"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		events: make(chan bridge.Event, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	s.upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	if len(cfg.AllowedOrigins) > 0 {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			return slices.Contains(cfg.AllowedOrigins, r.Header.Get("Origin"))
		}
	}
	return s
}

// SetIntentHandler installs the handler for operator intents.
func (s *Server) SetIntentHandler(h IntentHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = h
}

// Handler returns the HTTP handler serving the bridge endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.Path, s.serveWS)
	return mux
}

// Open starts the HTTP listener if one is configured.
func (s *Server) Open(context.Context) error {
	if s.cfg.Listen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("wsbridge: listen %s: %w", s.cfg.Listen, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.httpSrv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[BRIDGE] HTTP server stopped", "error", err)
		}
	}()
	slog.Info("[BRIDGE] Waiting for host", "addr", s.addr, "path", s.cfg.Path)
	return nil
}

// Addr returns the bound listen address after Open.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Attached reports whether a host is connected.
func (s *Server) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host != nil
}

// Events returns the inbound event stream.
func (s *Server) Events() <-chan bridge.Event { return s.events }

// Close disconnects the host, stops the listener and closes the event
// stream.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	host, srv := s.host, s.httpSrv
	s.host = nil
	s.mu.Unlock()

	s.cancel()
	if host != nil {
		host.close()
	}
	var err error
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = srv.Shutdown(shutdownCtx)
		cancel()
	}
	s.wg.Wait()
	close(s.events)
	return err
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "bridge closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[BRIDGE] Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	hc := newHostConn(conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		hc.close()
		_ = conn.Close()
		return
	}
	old := s.host
	s.host = hc
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if old != nil {
		slog.Warn("[BRIDGE] Host replaced by newer connection", "old", old.id, "new", hc.id)
		old.close()
	}
	slog.Info("[BRIDGE] Host attached", "host", hc.id, "remote", r.RemoteAddr)

	go hc.writePump()
	if err := s.sendTo(hc, Frame{Type: FrameHello, Message: hc.id}); err != nil {
		slog.Warn("[BRIDGE] Hello not sent", "error", err)
	}
	hc.readPump(func(data []byte) { s.handleFrame(hc, data) })

	s.mu.Lock()
	if s.host == hc {
		s.host = nil
	}
	s.mu.Unlock()
	hc.close()
	slog.Info("[BRIDGE] Host detached", "host", hc.id)
}

func (s *Server) handleFrame(hc *hostConn, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		_ = s.sendTo(hc, Frame{Type: FrameAck, Error: "malformed frame: " + err.Error()})
		return
	}

	switch f.Type {
	case FrameEvent:
		ev, err := f.Event()
		if err != nil {
			slog.Warn("[BRIDGE] Rejected event", "frame", f.String(), "error", err)
			_ = s.sendTo(hc, Frame{Type: FrameAck, ID: f.ID, Kind: f.Kind, Error: err.Error()})
			return
		}
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
		}
	case FrameIntent:
		s.handleIntent(hc, f)
	default:
		_ = s.sendTo(hc, Frame{Type: FrameAck, ID: f.ID, Error: fmt.Sprintf("unexpected frame type %q", f.Type)})
	}
}

func (s *Server) handleIntent(hc *hostConn, f Frame) {
	s.mu.Lock()
	handler := s.intents
	s.mu.Unlock()

	ack := Frame{Type: FrameAck, ID: f.ID, Name: f.Name}
	if handler == nil {
		ack.Error = "no intent handler"
		_ = s.sendTo(hc, ack)
		return
	}
	notice, err := handler(s.ctx, Intent{Name: f.Name, PlanID: f.PlanID, ActorID: f.ActorID})
	if err != nil {
		ack.Error = err.Error()
		ack.Message = domain.UserMessage(err)
	}
	_ = s.sendTo(hc, ack)
	if notice != nil {
		_ = s.sendTo(hc, *notice)
	}
}

// Notify pushes a notice to the attached host. It is dropped when no host
// is attached.
func (s *Server) Notify(n Frame) {
	n.Type = FrameNotice
	if err := s.send(n); err != nil && !errors.Is(err, domain.ErrNotAttached) {
		slog.Warn("[BRIDGE] Notice dropped", "error", err)
	}
}

func (s *Server) send(f Frame) error {
	s.mu.Lock()
	hc := s.host
	s.mu.Unlock()
	if hc == nil {
		return fmt.Errorf("wsbridge: %w", domain.ErrNotAttached)
	}
	return s.sendTo(hc, f)
}

func (s *Server) sendTo(hc *hostConn, f Frame) error {
	b, err := encode(f)
	if err != nil {
		return err
	}
	return hc.enqueue(b)
}

func (s *Server) command(name string, f Frame) error {
	f.Type = FrameCommand
	f.Name = name
	f.ID = s.nextID.Add(1)
	if err := s.send(f); err != nil {
		return fmt.Errorf("wsbridge: %s: %w", name, err)
	}
	slog.Debug("[BRIDGE] Command sent", "frame", f.String())
	return nil
}

func (s *Server) StartScan(context.Context) error { return s.command("startScan", Frame{}) }
func (s *Server) StopScan(context.Context) error  { return s.command("stopScan", Frame{}) }
func (s *Server) ScanCode(context.Context) error  { return s.command("scanCode", Frame{}) }

func (s *Server) Connect(_ context.Context, address string) error {
	return s.command("connect", Frame{Address: address})
}

func (s *Server) Disconnect(_ context.Context, address string) error {
	return s.command("disconnect", Frame{Address: address})
}

func (s *Server) ReadTelemetryService(_ context.Context, address string) error {
	return s.command("readTelemetryService", Frame{Address: address})
}

func (s *Server) Publish(_ context.Context, topic string, payload []byte) error {
	return s.command("publish", Frame{Topic: topic, Payload: string(payload)})
}

func (s *Server) Subscribe(_ context.Context, topic string) error {
	return s.command("subscribe", Frame{Topic: topic})
}

var _ bridge.Transport = (*Server)(nil)

// hostConn owns one host WebSocket.
type hostConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newHostConn(conn *websocket.Conn) *hostConn {
	return &hostConn{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}
}

func (h *hostConn) enqueue(b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("host %s disconnected", h.id)
	}
	select {
	case h.send <- b:
		return nil
	default:
		return fmt.Errorf("host %s send buffer full", h.id)
	}
}

func (h *hostConn) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.send)
}

// readPump reads frames until the connection fails.
func (h *hostConn) readPump(handle func([]byte)) {
	defer h.conn.Close()

	h.conn.SetReadLimit(maxFrameSize)
	_ = h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		return h.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[BRIDGE] Host read error", "host", h.id, "error", err)
			}
			return
		}
		_ = h.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}

// writePump writes queued frames and keepalive pings.
func (h *hostConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-h.send:
			_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = h.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := h.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
