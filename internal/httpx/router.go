package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theasmitwalia17/PreviewFlow/internal/domain"
	"github.com/theasmitwalia17/PreviewFlow/internal/repository"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/broadcast"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/preview"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/project"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/quota"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/webhook"
	"github.com/theasmitwalia17/PreviewFlow/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	users       repository.UserRepository
	projectRepo repository.ProjectRepository
	projects    *project.Service
	previews    *preview.Service
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	jwtSecret   string
	environment string
	dbHealth    func(context.Context) error
	dockerPing  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	webhookDeliveries  *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	rateLimitWebhook   = 120
	healthCheckTimeout = 2 * time.Second
	sseHeartbeatEvery  = 15 * time.Second
)

// Deps carries router dependencies.
type Deps struct {
	Logger      *slog.Logger
	Users       repository.UserRepository
	ProjectRepo repository.ProjectRepository
	Projects    *project.Service
	Previews    *preview.Service
	Hub         *ws.Hub
	Limiter     RateLimiter
	JWTSecret   string
	Environment string
	DBHealth    func(context.Context) error
	DockerPing  func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(deps Deps) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      deps.Logger,
		users:       deps.Users,
		projectRepo: deps.ProjectRepo,
		projects:    deps.Projects,
		previews:    deps.Previews,
		hub:         deps.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     deps.Limiter,
		jwtSecret:   deps.JWTSecret,
		environment: deps.Environment,
		dbHealth:    deps.DBHealth,
		dockerPing:  deps.DockerPing,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/webhooks/github", r.audit("webhook", r.withRateLimit("webhook", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleGitHubWebhook)))
	r.mux.HandleFunc("/projects", r.audit("projects", r.handlerAuthRate("projects", rateLimitUserWrite, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("project", r.handlerAuthRate("project", rateLimitUserWrite, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/previews/", r.audit("preview", r.handlerAuthRate("preview", rateLimitUserRead, rateWindowDefault, r.handlePreviewSubroutes)))
	r.mux.HandleFunc("/ws/previews", r.audit("ws_preview", r.handlerAuthRate("ws_preview", rateLimitWebsocket, rateWindowRealtime, r.handlePreviewWS)))
	r.mux.HandleFunc("/ws/account", r.audit("ws_account", r.handlerAuthRate("ws_account", rateLimitWebsocket, rateWindowRealtime, r.handleAccountWS)))
	r.mux.HandleFunc("/sse/previews", r.audit("sse_preview", r.handlerAuthRate("sse_preview", rateLimitWebsocket, rateWindowRealtime, r.handlePreviewSSE)))
	r.mux.HandleFunc("/sse/account", r.audit("sse_account", r.handlerAuthRate("sse_account", rateLimitWebsocket, rateWindowRealtime, r.handleAccountSSE)))
	if r.environment == "development" {
		r.mux.HandleFunc("/dev/simulate-pr", r.audit("dev_simulate", r.handlerAuthRate("dev_simulate", rateLimitUserWrite, rateWindowDefault, r.handleSimulatePR)))
	}
}

// handleGitHubWebhook is the ingress for hook deliveries. Ordering
// matters: the repository must resolve to a project before the
// signature can be checked, because the secret is per project.
func (r *Router) handleGitHubWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	var probe struct {
		Repository struct {
			Name  string `json:"name"`
			Owner struct {
				Login string `json:"login"`
			} `json:"owner"`
		} `json:"repository"`
	}
	_ = json.Unmarshal(body, &probe)
	if probe.Repository.Owner.Login == "" || probe.Repository.Name == "" {
		r.recordWebhookDelivery("no_repo")
		writeError(w, http.StatusBadRequest, "no repository in payload")
		return
	}

	proj, err := r.projectRepo.GetProjectByRepo(req.Context(), probe.Repository.Owner.Login, probe.Repository.Name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.recordWebhookDelivery("unregistered")
			writeError(w, http.StatusNotFound, "project not registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	signature := req.Header.Get("X-Hub-Signature-256")
	if !webhook.Verify(body, signature, proj.WebhookSecret) {
		r.recordWebhookDelivery("bad_signature")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if req.Header.Get("X-GitHub-Event") != "pull_request" {
		r.recordWebhookDelivery("ignored_event")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	event, err := webhook.ParsePullRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	user, err := r.users.GetUserByID(req.Context(), proj.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "owner lookup failed")
		return
	}

	outcome, err := r.previews.HandlePullRequest(req.Context(), proj, user, event)
	if err != nil {
		r.recordWebhookDelivery("error")
		r.writePreviewError(w, err)
		return
	}
	if outcome.Ignored {
		r.recordWebhookDelivery("ignored_policy")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": outcome.Reason})
		return
	}
	r.recordWebhookDelivery("accepted")
	payload := map[string]any{"status": "ok"}
	if outcome.Preview != nil {
		payload["preview"] = previewJSON(outcome.Preview)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for projects", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			RepoOwner string `json:"repoOwner"`
			RepoName  string `json:"repoName"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		proj, err := r.projects.Connect(req.Context(), info.User, project.ConnectInput{
			UserID:    info.User.ID,
			RepoOwner: payload.RepoOwner,
			RepoName:  payload.RepoName,
		})
		if err != nil {
			var exceeded *quota.ExceededError
			switch {
			case errors.As(err, &exceeded):
				writeError(w, http.StatusForbidden, err.Error())
			case errors.Is(err, repository.ErrConflict):
				writeError(w, http.StatusConflict, "repository already connected")
			default:
				writeError(w, http.StatusBadRequest, err.Error())
			}
			return
		}
		writeJSON(w, http.StatusCreated, projectJSON(proj))
	case http.MethodGet:
		list, err := r.projects.List(req.Context(), info.User.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]map[string]any, 0, len(list))
		for i := range list {
			out = append(out, projectJSON(&list[i]))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	projectID := parts[0]

	switch {
	case len(parts) == 1 && req.Method == http.MethodDelete:
		if err := r.projects.Disconnect(req.Context(), projectID, info.User.ID); err != nil {
			r.writeProjectError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
	case len(parts) == 1 && req.Method == http.MethodGet:
		proj, err := r.projects.GetAuthorized(req.Context(), projectID, info.User.ID)
		if err != nil {
			r.writeProjectError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, projectJSON(proj))
	case len(parts) == 2 && parts[1] == "previews" && req.Method == http.MethodGet:
		previews, err := r.projects.Previews(req.Context(), projectID, info.User.ID)
		if err != nil {
			r.writeProjectError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(previews))
		for i := range previews {
			out = append(out, previewJSON(&previews[i]))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		r.notFound(w)
	}
}

func (r *Router) handlePreviewSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/previews/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	previewID := parts[0]

	prv, proj, err := r.previews.GetAuthorized(req.Context(), previewID, info.User.ID)
	if err != nil {
		r.writePreviewError(w, err)
		return
	}

	switch {
	case len(parts) == 1 && req.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, previewJSON(prv))
	case len(parts) == 1 && req.Method == http.MethodDelete:
		updated, err := r.previews.Teardown(req.Context(), proj, prv)
		if err != nil {
			r.writePreviewError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, previewJSON(updated))
	case len(parts) == 2 && parts[1] == "logs" && req.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"logs": prv.BuildLogs})
	case len(parts) == 2 && parts[1] == "rebuild" && req.Method == http.MethodPost:
		started, err := r.previews.StartBuild(req.Context(), proj, info.User, prv.PRNumber, "")
		if err != nil {
			r.writePreviewError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, previewJSON(started))
	case len(parts) == 2 && parts[1] == "delete" && req.Method == http.MethodPost:
		updated, err := r.previews.Teardown(req.Context(), proj, prv)
		if err != nil {
			r.writePreviewError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, previewJSON(updated))
	default:
		r.notFound(w)
	}
}

// handleSimulatePR injects a synthetic pull_request delivery for local
// development, bypassing signature checks but not tier policy.
func (r *Router) handleSimulatePR(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload struct {
		ProjectID string `json:"projectId"`
		PRNumber  int    `json:"prNumber"`
		Action    string `json:"action"`
		Ref       string `json:"ref"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Action == "" {
		payload.Action = "opened"
	}
	proj, err := r.projects.GetAuthorized(req.Context(), payload.ProjectID, info.User.ID)
	if err != nil {
		r.writeProjectError(w, err)
		return
	}
	event := webhook.PullRequestEvent{Action: payload.Action, Number: payload.PRNumber}
	event.PullRequest.Head.Ref = payload.Ref
	outcome, err := r.previews.HandlePullRequest(req.Context(), proj, info.User, event)
	if err != nil {
		r.writePreviewError(w, err)
		return
	}
	if outcome.Ignored {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": outcome.Reason})
		return
	}
	payload2 := map[string]any{"status": "ok"}
	if outcome.Preview != nil {
		payload2["preview"] = previewJSON(outcome.Preview)
	}
	writeJSON(w, http.StatusAccepted, payload2)
}

func (r *Router) handlePreviewWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	previewID := req.URL.Query().Get("preview_id")
	if previewID == "" {
		writeError(w, http.StatusBadRequest, "preview_id query parameter required")
		return
	}
	if _, _, err := r.previews.GetAuthorized(req.Context(), previewID, info.User.ID); err != nil {
		r.writePreviewError(w, err)
		return
	}
	r.serveWS(w, req, broadcast.PreviewTopic(previewID))
}

func (r *Router) handleAccountWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	r.serveWS(w, req, broadcast.AccountTopic(info.User.ID))
}

func (r *Router) serveWS(w http.ResponseWriter, req *http.Request, topic string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handlePreviewSSE(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	previewID := req.URL.Query().Get("preview_id")
	if previewID == "" {
		writeError(w, http.StatusBadRequest, "preview_id query parameter required")
		return
	}
	if _, _, err := r.previews.GetAuthorized(req.Context(), previewID, info.User.ID); err != nil {
		r.writePreviewError(w, err)
		return
	}
	r.serveSSE(w, req, broadcast.PreviewTopic(previewID))
}

func (r *Router) handleAccountSSE(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	r.serveSSE(w, req, broadcast.AccountTopic(info.User.ID))
}

func (r *Router) serveSSE(w http.ResponseWriter, req *http.Request, topic string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(topic, client)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	checks := map[string]func(context.Context) error{
		"database": r.dbHealth,
		"docker":   r.dockerPing,
	}
	for name, check := range checks {
		if check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components[name] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) writePreviewError(w http.ResponseWriter, err error) {
	var exceeded *quota.ExceededError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, preview.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, preview.ErrBuildInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &exceeded):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) writeProjectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, project.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func projectJSON(p *domain.Project) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"userId":    p.UserID,
		"repoOwner": p.RepoOwner,
		"repoName":  p.RepoName,
		"createdAt": p.CreatedAt,
	}
}

func previewJSON(p *domain.Preview) map[string]any {
	out := map[string]any{
		"id":        p.ID,
		"projectId": p.ProjectID,
		"prNumber":  p.PRNumber,
		"status":    p.Status,
		"createdAt": p.CreatedAt,
		"updatedAt": p.UpdatedAt,
	}
	if p.URL != "" {
		out["url"] = p.URL
	}
	if p.ContainerName != "" {
		out["containerName"] = p.ContainerName
	}
	if p.HostPort != 0 {
		out["hostPort"] = p.HostPort
	}
	if p.BuildStartedAt != nil {
		out["buildStartedAt"] = p.BuildStartedAt
	}
	if p.BuildCompletedAt != nil {
		out["buildCompletedAt"] = p.BuildCompletedAt
	}
	return out
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
