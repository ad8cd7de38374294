// Package regapi is the local HTTP surface through which external OpenCode
// agents register themselves: each registration gets a forum topic, an SSE
// subscription, and a bridge route, so a TUI session running anywhere on the
// machine can mirror into Telegram.
package regapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/topiclaw/internal/bridge"
	"github.com/nextlevelbuilder/topiclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/topiclaw/internal/config"
	"github.com/nextlevelbuilder/topiclaw/internal/opencode"
	"github.com/nextlevelbuilder/topiclaw/internal/orchestrator"
	"github.com/nextlevelbuilder/topiclaw/internal/router"
	"github.com/nextlevelbuilder/topiclaw/internal/store"
)

// topicSurface is the slice of the Telegram surface the API needs.
type topicSurface interface {
	Send(ctx context.Context, chatID int64, topicID int, html string, opts bridge.SendOptions) (int, error)
	CreateTopic(ctx context.Context, chatID int64, name string) (int, error)
	DeleteTopic(ctx context.Context, chatID int64, topicID int) error
}

// Server hosts the registration endpoints.
type Server struct {
	cfg      config.RegistrationConfig
	chatID   int64
	defaults bool // streaming default for new registrations

	external *router.ExternalRegistry
	topics   *store.TopicStore
	bridge   *bridge.Bridge
	mgr      *orchestrator.Manager
	surface  topicSurface
	log      *slog.Logger

	baseCtx   context.Context
	newClient func(port int) *opencode.Client

	httpSrv *http.Server
}

// NewServer wires the API over the shared registries.
func NewServer(cfg config.Config, external *router.ExternalRegistry, topics *store.TopicStore,
	br *bridge.Bridge, mgr *orchestrator.Manager, surface topicSurface) *Server {
	return &Server{
		cfg:      cfg.Registration,
		chatID:   cfg.Telegram.ChatID,
		defaults: cfg.Telegram.StreamingDefault,
		external: external,
		topics:   topics,
		bridge:   br,
		mgr:      mgr,
		surface:  surface,
		log:      slog.With("component", "regapi"),
		newClient: func(port int) *opencode.Client {
			return opencode.NewClient(fmt.Sprintf("http://127.0.0.1:%d", port))
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/register", s.auth(s.handleRegister))
	mux.HandleFunc("POST /api/unregister", s.auth(s.handleUnregister))
	mux.HandleFunc("GET /api/status/{path...}", s.auth(s.handleStatus))
	mux.HandleFunc("GET /api/instances", s.auth(s.handleInstances))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return cors(mux)
}

// Start listens in the background. ctx scopes the SSE subscriptions opened
// for registered agents.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Info("registration API listening", "addr", s.cfg.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("registration API failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("X-API-Key") != s.cfg.APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type registerRequest struct {
	ProjectPath     string `json:"projectPath"`
	ProjectName     string `json:"projectName"`
	OpencodePort    int    `json:"opencodePort"`
	SessionID       string `json:"sessionId"`
	EnableStreaming *bool  `json:"enableStreaming,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.ProjectPath == "" || req.OpencodePort == 0 || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "projectPath, opencodePort, and sessionId are required"})
		return
	}
	if req.ProjectName == "" {
		req.ProjectName = filepath.Base(req.ProjectPath)
	}

	ctx := r.Context()
	client := s.newClient(req.OpencodePort)
	if _, err := client.Health(ctx); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": fmt.Sprintf("agent on port %d is not responding: %v", req.OpencodePort, err),
		})
		return
	}

	// Reuse the topic of a previous registration for the same project.
	topicID := 0
	if prev, ok := s.external.ByPath(req.ProjectPath); ok {
		topicID = prev.TopicID
	}
	if topicID == 0 {
		id, err := s.surface.CreateTopic(ctx, s.chatID, req.ProjectName)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"error": "forum topic creation failed: " + err.Error(),
			})
			return
		}
		topicID = id
	}

	streaming := s.defaults
	if req.EnableStreaming != nil {
		streaming = *req.EnableStreaming
	}

	subCtx := s.baseCtx
	if subCtx == nil {
		subCtx = context.Background()
	}
	cancel, err := client.Subscribe(subCtx,
		func(ev opencode.Event) { s.bridge.HandleEvent(subCtx, ev) },
		func(err error) {
			s.log.Warn("external agent event stream lost", "project", req.ProjectPath, "error", err)
		})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "event subscription failed: " + err.Error()})
		return
	}

	inst := &router.ExternalInstance{
		ID:             uuid.NewString(),
		ProjectPath:    req.ProjectPath,
		ProjectName:    req.ProjectName,
		AgentPort:      req.OpencodePort,
		SessionID:      req.SessionID,
		TopicID:        topicID,
		RegisteredAt:   time.Now(),
		LastActivityAt: time.Now(),
		Client:         client,
		CancelEvents:   cancel,
	}
	if prev := s.external.Add(inst); prev != nil {
		if prev.CancelEvents != nil {
			prev.CancelEvents()
		}
		s.bridge.Unregister(prev.SessionID)
	}
	s.bridge.Register(req.SessionID, s.chatID, topicID, streaming, client)
	s.persistMapping(req, topicID, streaming)

	s.surface.Send(ctx, s.chatID, topicID, fmt.Sprintf(
		"🔌 <b>%s</b> registered from <code>%s</code> (port %d). Messages here go to that agent.",
		html.EscapeString(req.ProjectName), html.EscapeString(req.ProjectPath), req.OpencodePort),
		bridge.SendOptions{DisablePreview: true})

	s.log.Info("external agent registered",
		"project", req.ProjectPath, "port", req.OpencodePort, "topic_id", topicID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"registrationId": inst.ID,
		"topicId":        topicID,
		"topicUrl":       telegram.TopicURL(s.chatID, topicID),
	})
}

// persistMapping records the registration in the topic store so the binding
// survives a supervisor restart (the agent re-registers, the topic is reused).
func (s *Server) persistMapping(req registerRequest, topicID int, streaming bool) {
	if m, err := s.topics.GetMapping(s.chatID, topicID); err == nil {
		if m.SessionID != req.SessionID {
			s.topics.UpdateSessionID(s.chatID, topicID, req.SessionID)
		}
		s.topics.UpdateWorkDir(s.chatID, topicID, req.ProjectPath)
		s.topics.UpdateStatus(s.chatID, topicID, store.MappingActive)
		return
	}
	err := s.topics.CreateMapping(&store.Mapping{
		ChatID:           s.chatID,
		TopicID:          topicID,
		TopicName:        req.ProjectName,
		SessionID:        req.SessionID,
		WorkDir:          req.ProjectPath,
		StreamingEnabled: streaming,
	})
	if err != nil {
		s.log.Warn("registration mapping write failed", "topic_id", topicID, "error", err)
	}
	s.topics.AppendEvent(&store.TopicEvent{
		ChatID: s.chatID, TopicID: topicID, Type: store.EventLinked,
		Metadata: fmt.Sprintf(`{"session_id":%q,"source":"regapi"}`, req.SessionID),
	})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectPath string `json:"projectPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectPath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "projectPath is required"})
		return
	}

	inst, ok := s.external.Remove(req.ProjectPath)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not registered"})
		return
	}
	if inst.CancelEvents != nil {
		inst.CancelEvents()
	}
	s.bridge.Unregister(inst.SessionID)
	if err := s.topics.UpdateStatus(s.chatID, inst.TopicID, store.MappingClosed); err != nil {
		s.log.Warn("mapping close failed", "topic_id", inst.TopicID, "error", err)
	}

	s.surface.Send(r.Context(), s.chatID, inst.TopicID, fmt.Sprintf(
		"👋 <b>%s</b> unregistered.", html.EscapeString(inst.ProjectName)),
		bridge.SendOptions{DisablePreview: true})

	s.log.Info("external agent unregistered", "project", req.ProjectPath, "topic_id", inst.TopicID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("path")
	projectPath, err := url.PathUnescape(raw)
	if err != nil {
		projectPath = raw
	}

	inst, ok := s.external.ByPath(projectPath)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"registered": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"registered":     true,
		"projectName":    inst.ProjectName,
		"topicId":        inst.TopicID,
		"topicUrl":       telegram.TopicURL(s.chatID, inst.TopicID),
		"registeredAt":   inst.RegisteredAt.Format(time.RFC3339),
		"lastActivityAt": inst.LastActivityAt.Format(time.RFC3339),
	})
}

func (s *Server) handleInstances(w http.ResponseWriter, _ *http.Request) {
	type instanceView struct {
		Kind         string `json:"kind"` // "external" or "managed"
		ProjectName  string `json:"projectName,omitempty"`
		ProjectPath  string `json:"projectPath,omitempty"`
		Port         int    `json:"port"`
		TopicID      int    `json:"topicId"`
		State        string `json:"state,omitempty"`
		RegisteredAt string `json:"registeredAt,omitempty"`
	}
	instances := make([]instanceView, 0)
	for _, inst := range s.external.List() {
		instances = append(instances, instanceView{
			Kind:         "external",
			ProjectName:  inst.ProjectName,
			ProjectPath:  inst.ProjectPath,
			Port:         inst.AgentPort,
			TopicID:      inst.TopicID,
			RegisteredAt: inst.RegisteredAt.Format(time.RFC3339),
		})
	}
	for _, info := range s.mgr.List() {
		instances = append(instances, instanceView{
			Kind:        "managed",
			ProjectName: info.Name,
			ProjectPath: info.WorkDir,
			Port:        info.Port,
			TopicID:     info.TopicID,
			State:       string(info.State),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"externalInstances": s.external.Count(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}
