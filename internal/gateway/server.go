// Package gateway is the HTTP surface: the provider webhook, the admin API
// and the WebSocket event stream.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/store/sqlstore"
	"github.com/nextlevelbuilder/chatrelay/internal/tenant"
	"github.com/nextlevelbuilder/chatrelay/internal/wire"
)

const defaultMaxBody = 256 << 10

// Server serves the webhook listener, the admin API and /ws.
type Server struct {
	cfg    *config.Config
	bus    *bus.MessageBus
	router *tenant.Router
	log    *slog.Logger

	limiter    *WebhookRateLimiter
	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// New builds a server over the shared bus and tenant router.
func New(cfg *config.Config, b *bus.MessageBus, router *tenant.Router, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		bus:     b,
		router:  router,
		log:     log,
		limiter: NewWebhookRateLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[string]*wsClient),
	}
}

// BuildMux registers all routes.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", s.handleWebhookVerify)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/tenants", s.requireAdmin(s.handleListTenants))
	mux.HandleFunc("POST /api/tenants/{id}/evict", s.requireAdmin(s.handleEvictTenant))
	mux.HandleFunc("GET /api/conversations", s.requireAdmin(s.handleListConversations))
	mux.HandleFunc("POST /api/conversations/automation", s.requireAdmin(s.handleSetAutomation))
	mux.HandleFunc("GET /api/config", s.requireAdmin(s.handleConfig))
	return mux
}

// Start serves until ctx is cancelled, then drains with a short timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebhookVerify answers the provider's subscription handshake by
// echoing hub.challenge when the verify token matches the app secret.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("hub.verify_token")
	secret := s.cfg.Gateway.AppSecret
	if secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	io.WriteString(w, q.Get("hub.challenge"))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(sourceKey(r)) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	maxBody := s.cfg.Gateway.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	// A malformed payload is permanently bad; a non-2xx would only make the
	// provider retry it. Ack, log, drop.
	var evt wire.InboundEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		s.log.Warn("webhook payload dropped", "error", err, "source", sourceKey(r))
		writeJSON(w, map[string]any{"status": "dropped"})
		return
	}

	// The signature policy belongs to the tenant the event is addressed to;
	// an unroutable event falls back to enforce.
	policy := "enforce"
	if tcfg, ok := s.cfg.TenantByNumber(evt.To); ok && tcfg.SignaturePolicy != "" {
		policy = tcfg.SignaturePolicy
	}
	if err := wire.VerifySignature(s.cfg.Gateway.AppSecret, body, r.Header.Get(wire.SignatureHeader)); err != nil {
		if policy == "enforce" {
			s.log.Warn("webhook rejected", "error", err, "from", evt.From)
			http.Error(w, "signature mismatch", http.StatusUnauthorized)
			return
		}
		s.log.Warn("webhook signature invalid, accepted by policy", "error", err, "from", evt.From)
	}

	// Ack immediately; processing is asynchronous. A full queue still acks,
	// since a provider retry would land in the same congestion.
	queued := s.bus.PublishInbound(evt)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "accepted", "queued": queued})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","tenants":%d}`, len(s.cfg.TenantIDs()))
}

// requireAdmin guards the API with the bearer admin token. With no token
// configured the API is disabled outright.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Gateway.AdminToken
		if token == "" {
			http.Error(w, "admin api disabled", http.StatusServiceUnavailable)
			return
		}
		got := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	active := make(map[string]tenant.Info)
	for _, info := range s.router.ListActive() {
		active[info.TenantID] = info
	}
	type entry struct {
		ID        string       `json:"id"`
		Connected bool         `json:"connected"`
		Conn      *tenant.Info `json:"conn,omitempty"`
	}
	out := make([]entry, 0)
	for _, id := range s.cfg.TenantIDs() {
		e := entry{ID: id}
		if info, ok := active[id]; ok {
			e.Connected = true
			e.Conn = &info
		}
		out = append(out, e)
	}
	writeJSON(w, out)
}

func (s *Server) handleEvictTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	evicted := s.router.Evict(id)
	if evicted {
		s.bus.Broadcast(bus.Event{Name: bus.EventTenantEvicted, Tenant: id})
	}
	writeJSON(w, map[string]any{"tenant": id, "evicted": evicted})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		http.Error(w, "tenant parameter required", http.StatusBadRequest)
		return
	}
	if _, ok := s.cfg.TenantByID(tenantID); !ok {
		http.Error(w, "unknown tenant", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	conn, err := s.router.Resolve(r.Context(), tenantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	conn.Acquire()
	defer conn.Release()

	convs, err := sqlstore.New(conn.DB, s.log).ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	writeJSON(w, convs)
}

func (s *Server) handleSetAutomation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tenant  string `json:"tenant"`
		Contact string `json:"contact"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tenant == "" || req.Contact == "" {
		http.Error(w, "tenant and contact required", http.StatusBadRequest)
		return
	}
	if _, ok := s.cfg.TenantByID(req.Tenant); !ok {
		http.Error(w, "unknown tenant", http.StatusNotFound)
		return
	}

	conn, err := s.router.Resolve(r.Context(), req.Tenant)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	conn.Acquire()
	defer conn.Release()

	contact := config.NormalizeAddress(req.Contact)
	if err := sqlstore.New(conn.DB, s.log).SetAutomation(r.Context(), contact, req.Enabled); err != nil {
		var nf *store.NotFoundError
		if errors.As(err, &nf) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("automation toggled", "tenant", req.Tenant, "contact", contact, "enabled", req.Enabled)
	writeJSON(w, map[string]any{"tenant": req.Tenant, "contact": contact, "enabled": req.Enabled})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg.MaskedCopy())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	client := newWSClient(conn, s.log)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.close()
	}()

	go client.writePump()
	client.readPump()
}

func (s *Server) registerClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.bus.Subscribe(c.id, c.enqueue)
	s.log.Info("ws client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.bus.Unsubscribe(c.id)
	s.log.Info("ws client disconnected", "id", c.id)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func sourceKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
