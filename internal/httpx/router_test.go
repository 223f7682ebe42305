package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/theasmitwalia17/PreviewFlow/internal/auth"
	"github.com/theasmitwalia17/PreviewFlow/internal/domain"
	"github.com/theasmitwalia17/PreviewFlow/internal/repository"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/build"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/detect"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/preview"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/project"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/quota"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/webhook"
	"github.com/theasmitwalia17/PreviewFlow/internal/ws"
)

const testJWTSecret = "router-test-secret"

type memUsers struct {
	byID map[string]*domain.User
}

func (m *memUsers) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	u, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

type memProjects struct {
	mu   sync.Mutex
	byID map[string]*domain.Project
}

func (m *memProjects) CreateProject(_ context.Context, p *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.UserID == p.UserID && existing.RepoOwner == p.RepoOwner && existing.RepoName == p.RepoName {
			return repository.ErrConflict
		}
	}
	clone := *p
	m.byID[p.ID] = &clone
	return nil
}

func (m *memProjects) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (m *memProjects) GetProjectByRepo(_ context.Context, owner, name string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.RepoOwner == owner && p.RepoName == name {
			clone := *p
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memProjects) ListProjectsByUser(_ context.Context, userID string) ([]domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Project
	for _, p := range m.byID {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memProjects) CountProjectsByUser(_ context.Context, userID string) (int, error) {
	list, _ := m.ListProjectsByUser(context.Background(), userID)
	return len(list), nil
}

func (m *memProjects) UpdateProjectWebhookID(_ context.Context, id, webhookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.WebhookID = webhookID
	return nil
}

func (m *memProjects) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	return nil
}

type memPreviews struct {
	mu     sync.Mutex
	nextID int
	byID   map[string]*domain.Preview
}

func (m *memPreviews) UpsertBuilding(_ context.Context, projectID string, prNumber int, startedAt time.Time) (*domain.Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.ProjectID == projectID && p.PRNumber == prNumber {
			p.Status = domain.StatusBuilding
			p.URL = ""
			p.ContainerName = ""
			p.HostPort = 0
			p.BuildStartedAt = &startedAt
			p.BuildCompletedAt = nil
			clone := *p
			return &clone, nil
		}
	}
	m.nextID++
	p := &domain.Preview{
		ID:             fmt.Sprintf("prv-%d", m.nextID),
		ProjectID:      projectID,
		PRNumber:       prNumber,
		Status:         domain.StatusBuilding,
		BuildStartedAt: &startedAt,
		CreatedAt:      startedAt,
		UpdatedAt:      startedAt,
	}
	m.byID[p.ID] = p
	clone := *p
	return &clone, nil
}

func (m *memPreviews) GetPreviewByID(_ context.Context, id string) (*domain.Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (m *memPreviews) GetPreviewByProjectPR(_ context.Context, projectID string, prNumber int) (*domain.Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.ProjectID == projectID && p.PRNumber == prNumber {
			clone := *p
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memPreviews) ListPreviewsByProject(_ context.Context, projectID string) ([]domain.Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Preview
	for _, p := range m.byID {
		if p.ProjectID == projectID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memPreviews) MarkLive(_ context.Context, id, url, containerName string, hostPort int, completedAt time.Time, logs string) (*domain.Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	p.Status = domain.StatusLive
	p.URL = url
	p.ContainerName = containerName
	p.HostPort = hostPort
	p.BuildCompletedAt = &completedAt
	p.BuildLogs = logs
	clone := *p
	return &clone, nil
}

func (m *memPreviews) MarkError(_ context.Context, id string, completedAt time.Time, logs string) (*domain.Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	p.Status = domain.StatusError
	p.URL = ""
	p.ContainerName = ""
	p.HostPort = 0
	p.BuildCompletedAt = &completedAt
	p.BuildLogs = logs
	clone := *p
	return &clone, nil
}

func (m *memPreviews) MarkDeleted(_ context.Context, id string, completedAt time.Time) (*domain.Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	p.Status = domain.StatusDeleted
	p.URL = ""
	p.ContainerName = ""
	p.HostPort = 0
	p.BuildCompletedAt = &completedAt
	clone := *p
	return &clone, nil
}

func (m *memPreviews) CountLiveByUser(context.Context, string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.byID {
		if p.Status == domain.StatusLive {
			count++
		}
	}
	return count, nil
}

func (m *memPreviews) seed(p *domain.Preview) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[p.ID] = p
}

type stubFetcher struct{}

func (stubFetcher) Fetch(context.Context, string, string, string, string) error { return nil }

type stubWorkspace struct{}

func (stubWorkspace) Prepare(string) (string, error) { return "/tmp/noop", nil }
func (stubWorkspace) Cleanup(string) error           { return nil }

type stubEngine struct {
	mu      sync.Mutex
	removed []string
}

func (e *stubEngine) Deploy(_ context.Context, input build.Input) (build.Result, error) {
	name := fmt.Sprintf("%s-%s-pr-%d", input.RepoOwner, input.RepoName, input.PRNumber)
	return build.Result{URL: "http://localhost:40305", ContainerName: name, HostPort: 40305}, nil
}

func (e *stubEngine) Remove(_ context.Context, containerName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, containerName)
	return nil
}

type noopEvents struct{}

func (noopEvents) Log(string, string)                   {}
func (noopEvents) Finished(string, string)              {}
func (noopEvents) BuildError(string, string)            {}
func (noopEvents) StatusUpdate(string, *domain.Preview) {}

type testEnv struct {
	server   *httptest.Server
	users    *memUsers
	projects *memProjects
	previews *memPreviews
	engine   *stubEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := &memUsers{byID: map[string]*domain.User{
		"user-free": {ID: "user-free", Email: "free@example.com", Tier: domain.TierFree},
		"user-pro":  {ID: "user-pro", Email: "pro@example.com", Tier: domain.TierPro},
	}}
	projects := &memProjects{byID: make(map[string]*domain.Project)}
	previews := &memPreviews{byID: make(map[string]*domain.Preview)}
	engine := &stubEngine{}

	guard := quota.New(projects, previews, logger)
	detector := func(string) detect.Type { return detect.TypeStatic }
	previewSvc := preview.New(previews, projects, guard, stubFetcher{}, stubWorkspace{}, engine, noopEvents{}, detector, logger)
	projectSvc := project.New(projects, previews, guard, previewSvc, logger)

	router := NewRouter(Deps{
		Logger:      logger,
		Users:       users,
		ProjectRepo: projects,
		Projects:    projectSvc,
		Previews:    previewSvc,
		Hub:         ws.NewHub(),
		JWTSecret:   testJWTSecret,
		Environment: "test",
	})
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		previewSvc.Drain()
		router.Close()
	})
	return &testEnv{server: server, users: users, projects: projects, previews: previews, engine: engine}
}

func (env *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	u := env.users.byID[userID]
	token, err := auth.GenerateToken(u.ID, string(u.Tier), testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (env *testEnv) connectProject(t *testing.T, userID, owner, name string) *domain.Project {
	t.Helper()
	p := &domain.Project{
		ID:            fmt.Sprintf("proj-%s-%s", owner, name),
		UserID:        userID,
		RepoOwner:     owner,
		RepoName:      name,
		WebhookSecret: "hook-secret-" + name,
		CreatedAt:     time.Now().UTC(),
	}
	if err := env.projects.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return p
}

func (env *testEnv) do(t *testing.T, method, path, token string, body []byte, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, env.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func pullRequestBody(t *testing.T, owner, name, action string, number int) []byte {
	t.Helper()
	payload := map[string]any{
		"action": action,
		"number": number,
		"repository": map[string]any{
			"name":  name,
			"owner": map[string]any{"login": owner},
		},
		"pull_request": map[string]any{
			"head": map[string]any{"ref": "feature/z", "sha": "abc123"},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return body
}

func TestWebhookRejectsPayloadWithoutRepository(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/webhooks/github", "", []byte(`{"action":"opened"}`), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebhookUnregisteredRepository(t *testing.T) {
	env := newTestEnv(t)

	body := pullRequestBody(t, "nobody", "ghost", "opened", 1)
	resp := env.do(t, http.MethodPost, "/webhooks/github", "", body, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	env := newTestEnv(t)
	env.connectProject(t, "user-pro", "acme", "web")

	body := pullRequestBody(t, "acme", "web", "opened", 1)
	resp := env.do(t, http.MethodPost, "/webhooks/github", "", body, map[string]string{
		"X-Hub-Signature-256": webhook.Sign(body, "wrong-secret"),
		"X-GitHub-Event":      "pull_request",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWebhookIgnoresNonPullRequestEvents(t *testing.T) {
	env := newTestEnv(t)
	proj := env.connectProject(t, "user-pro", "acme", "web")

	body := pullRequestBody(t, "acme", "web", "opened", 1)
	resp := env.do(t, http.MethodPost, "/webhooks/github", "", body, map[string]string{
		"X-Hub-Signature-256": webhook.Sign(body, proj.WebhookSecret),
		"X-GitHub-Event":      "push",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := decodeBody(t, resp)["status"]; got != "ignored" {
		t.Fatalf("status field = %v, want ignored", got)
	}
}

func TestWebhookFreeTierPolicyIgnored(t *testing.T) {
	env := newTestEnv(t)
	proj := env.connectProject(t, "user-free", "solo", "site")

	body := pullRequestBody(t, "solo", "site", "opened", 2)
	resp := env.do(t, http.MethodPost, "/webhooks/github", "", body, map[string]string{
		"X-Hub-Signature-256": webhook.Sign(body, proj.WebhookSecret),
		"X-GitHub-Event":      "pull_request",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decodeBody(t, resp)
	if out["status"] != "ignored" || out["reason"] == "" {
		t.Fatalf("unexpected body: %v", out)
	}
	if _, err := env.previews.GetPreviewByProjectPR(context.Background(), proj.ID, 2); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("preview row created despite policy")
	}
}

func TestWebhookOpenedStartsBuild(t *testing.T) {
	env := newTestEnv(t)
	proj := env.connectProject(t, "user-pro", "acme", "web")

	body := pullRequestBody(t, "acme", "web", "opened", 3)
	resp := env.do(t, http.MethodPost, "/webhooks/github", "", body, map[string]string{
		"X-Hub-Signature-256": webhook.Sign(body, proj.WebhookSecret),
		"X-GitHub-Event":      "pull_request",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decodeBody(t, resp)
	prv, ok := out["preview"].(map[string]any)
	if !ok {
		t.Fatalf("accepted delivery missing preview: %v", out)
	}
	if prv["status"] != domain.StatusBuilding {
		t.Fatalf("preview status = %v, want building", prv["status"])
	}
}

func TestWebhookClosedTearsDown(t *testing.T) {
	env := newTestEnv(t)
	proj := env.connectProject(t, "user-free", "solo", "site")
	now := time.Now().UTC()
	env.previews.seed(&domain.Preview{
		ID:            "prv-live",
		ProjectID:     proj.ID,
		PRNumber:      4,
		Status:        domain.StatusLive,
		ContainerName: "solo-site-pr-4",
		URL:           "http://localhost:40001",
		HostPort:      40001,
		CreatedAt:     now,
		UpdatedAt:     now,
	})

	body := pullRequestBody(t, "solo", "site", "closed", 4)
	resp := env.do(t, http.MethodPost, "/webhooks/github", "", body, map[string]string{
		"X-Hub-Signature-256": webhook.Sign(body, proj.WebhookSecret),
		"X-GitHub-Event":      "pull_request",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	final, err := env.previews.GetPreviewByID(context.Background(), "prv-live")
	if err != nil {
		t.Fatalf("load preview: %v", err)
	}
	if final.Status != domain.StatusDeleted {
		t.Fatalf("status = %s, want deleted", final.Status)
	}
}

func TestProjectsRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/projects", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestConnectProjectAndQuota(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-free")

	first, _ := json.Marshal(map[string]string{"repoOwner": "solo", "repoName": "site"})
	resp := env.do(t, http.MethodPost, "/projects", token, first, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first connect status = %d, want 201", resp.StatusCode)
	}
	out := decodeBody(t, resp)
	if out["repoOwner"] != "solo" || out["repoName"] != "site" {
		t.Fatalf("unexpected project body: %v", out)
	}

	second, _ := json.Marshal(map[string]string{"repoOwner": "solo", "repoName": "blog"})
	resp = env.do(t, http.MethodPost, "/projects", token, second, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("second connect status = %d, want 403", resp.StatusCode)
	}
}

func TestConnectDuplicateRepoConflicts(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-pro")

	body, _ := json.Marshal(map[string]string{"repoOwner": "acme", "repoName": "web"})
	if resp := env.do(t, http.MethodPost, "/projects", token, body, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first connect status = %d, want 201", resp.StatusCode)
	}
	resp := env.do(t, http.MethodPost, "/projects", token, body, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate connect status = %d, want 409", resp.StatusCode)
	}
}

func TestPreviewNotFound(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "user-pro")

	resp := env.do(t, http.MethodGet, "/previews/prv-missing", token, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPreviewOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	proj := env.connectProject(t, "user-pro", "acme", "web")
	now := time.Now().UTC()
	env.previews.seed(&domain.Preview{ID: "prv-owned", ProjectID: proj.ID, PRNumber: 1, Status: domain.StatusLive, URL: "http://localhost:40306", ContainerName: "acme-web-pr-1", HostPort: 40306, CreatedAt: now, UpdatedAt: now})

	resp := env.do(t, http.MethodGet, "/previews/prv-owned", env.token(t, "user-free"), nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign access status = %d, want 403", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/previews/prv-owned", env.token(t, "user-pro"), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner access status = %d, want 200", resp.StatusCode)
	}
	out := decodeBody(t, resp)
	if out["url"] != "http://localhost:40306" || out["containerName"] != "acme-web-pr-1" {
		t.Fatalf("live fields missing: %v", out)
	}
}

func TestPreviewDeleteReclaimsContainer(t *testing.T) {
	env := newTestEnv(t)
	proj := env.connectProject(t, "user-pro", "acme", "web")
	now := time.Now().UTC()
	env.previews.seed(&domain.Preview{ID: "prv-del", ProjectID: proj.ID, PRNumber: 6, Status: domain.StatusLive, ContainerName: "acme-web-pr-6", URL: "http://localhost:40307", HostPort: 40307, CreatedAt: now, UpdatedAt: now})

	resp := env.do(t, http.MethodDelete, "/previews/prv-del", env.token(t, "user-pro"), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decodeBody(t, resp)
	if out["status"] != domain.StatusDeleted {
		t.Fatalf("status field = %v, want deleted", out["status"])
	}
	if _, ok := out["url"]; ok {
		t.Fatalf("deleted preview still exposes url: %v", out)
	}

	env.engine.mu.Lock()
	removed := append([]string(nil), env.engine.removed...)
	env.engine.mu.Unlock()
	if len(removed) != 1 || removed[0] != "acme-web-pr-6" {
		t.Fatalf("removed containers = %v", removed)
	}
}

func TestHealthzReportsComponentFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(Deps{
		Logger:      logger,
		Users:       &memUsers{byID: map[string]*domain.User{}},
		ProjectRepo: &memProjects{byID: map[string]*domain.Project{}},
		Hub:         ws.NewHub(),
		JWTSecret:   testJWTSecret,
		DBHealth:    func(context.Context) error { return nil },
		DockerPing:  func(context.Context) error { return errors.New("daemon unreachable") },
	})
	defer router.Close()
	server := httptest.NewServer(router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	out := decodeBody(t, resp)
	if out["status"] != "degraded" {
		t.Fatalf("status field = %v, want degraded", out["status"])
	}
}
