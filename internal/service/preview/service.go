package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/theasmitwalia17/PreviewFlow/internal/domain"
	"github.com/theasmitwalia17/PreviewFlow/internal/repository"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/build"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/detect"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/quota"
)

// ErrBuildInFlight means a build for the same pull request is already
// running. Callers surface it as a conflict rather than queueing.
var ErrBuildInFlight = errors.New("build already in flight for this pull request")

// ErrForbidden means the caller does not own the preview's project.
var ErrForbidden = errors.New("preview belongs to another account")

// Fetcher produces a checkout of the pull request source.
type Fetcher interface {
	Fetch(ctx context.Context, repoOwner, repoName, ref, dest string) error
}

// Workspace owns checkout directories.
type Workspace interface {
	Prepare(identifier string) (string, error)
	Cleanup(path string) error
}

// Engine deploys checkouts and tears containers down.
type Engine interface {
	Deploy(ctx context.Context, input build.Input) (build.Result, error)
	Remove(ctx context.Context, containerName string) error
}

// Events receives build progress and state changes.
type Events interface {
	Log(previewID, chunk string)
	Finished(previewID, url string)
	BuildError(previewID, message string)
	StatusUpdate(userID string, preview *domain.Preview)
}

// Detector classifies a checkout directory.
type Detector func(dir string) detect.Type

// Service orchestrates the preview lifecycle: one row per (project, PR),
// one build at a time per row, containers reconciled against the daemon.
type Service struct {
	previews repository.PreviewRepository
	projects repository.ProjectRepository
	quota    *quota.Guard
	fetcher  Fetcher
	ws       Workspace
	engine   Engine
	events   Events
	detector Detector
	log      *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}

	builds sync.WaitGroup
}

// New constructs a Service.
func New(
	previews repository.PreviewRepository,
	projects repository.ProjectRepository,
	guard *quota.Guard,
	fetcher Fetcher,
	ws Workspace,
	engine Engine,
	events Events,
	detector Detector,
	logger *slog.Logger,
) *Service {
	if detector == nil {
		detector = detect.Detect
	}
	return &Service{
		previews: previews,
		projects: projects,
		quota:    guard,
		fetcher:  fetcher,
		ws:       ws,
		engine:   engine,
		events:   events,
		detector: detector,
		log:      logger,
		inflight: make(map[string]struct{}),
	}
}

// StartBuild kicks off an asynchronous build for a pull request and
// returns the preview row already moved to building. At most one build
// per (project, PR) runs at a time; a second request while one is in
// flight fails with ErrBuildInFlight instead of queueing.
func (s *Service) StartBuild(ctx context.Context, project *domain.Project, user *domain.User, prNumber int, ref string) (*domain.Preview, error) {
	key := buildKey(project.ID, prNumber)
	if !s.tryAcquire(key) {
		return nil, ErrBuildInFlight
	}

	releaseSlot, err := s.quota.ReserveBuild(user)
	if err != nil {
		s.release(key)
		return nil, err
	}

	// A rebuild replaces the row's own container, so a preview that is
	// already live must not count against its account's live cap.
	enforceCap := true
	existing, err := s.previews.GetPreviewByProjectPR(ctx, project.ID, prNumber)
	switch {
	case err == nil:
		enforceCap = !existing.Live()
	case errors.Is(err, repository.ErrNotFound):
	default:
		releaseSlot()
		s.release(key)
		return nil, fmt.Errorf("load preview: %w", err)
	}
	if enforceCap {
		if err := s.quota.CanCreateLivePreview(ctx, user); err != nil {
			releaseSlot()
			s.release(key)
			return nil, err
		}
	}

	prv, err := s.previews.UpsertBuilding(ctx, project.ID, prNumber, time.Now().UTC())
	if err != nil {
		releaseSlot()
		s.release(key)
		return nil, fmt.Errorf("upsert preview: %w", err)
	}

	s.events.StatusUpdate(user.ID, prv)

	s.builds.Add(1)
	go func() {
		defer s.builds.Done()
		defer s.release(key)
		defer releaseSlot()
		s.run(context.WithoutCancel(ctx), project, user, prv, ref)
	}()

	return prv, nil
}

func (s *Service) run(ctx context.Context, project *domain.Project, user *domain.User, prv *domain.Preview, ref string) {
	var logs strings.Builder
	append_ := func(chunk string) {
		logs.WriteString(chunk)
		s.events.Log(prv.ID, chunk)
	}

	fail := func(err error) {
		message := err.Error()
		logs.WriteString("\n\nBUILD ERROR:\n" + message)
		updated, markErr := s.previews.MarkError(ctx, prv.ID, time.Now().UTC(), logs.String())
		if markErr != nil {
			s.log.Error("mark preview errored", "preview", prv.ID, "error", markErr)
		}
		s.events.BuildError(prv.ID, message)
		if updated != nil {
			s.events.StatusUpdate(user.ID, updated)
		}
		s.log.Warn("preview build failed", "preview", prv.ID, "project", project.ID, "pr", prv.PRNumber, "error", err)
	}

	dir, err := s.ws.Prepare(prv.ID)
	if err != nil {
		fail(fmt.Errorf("prepare workspace: %w", err))
		return
	}
	defer func() {
		if err := s.ws.Cleanup(dir); err != nil {
			s.log.Warn("cleanup workspace", "preview", prv.ID, "error", err)
		}
	}()

	append_(fmt.Sprintf("> fetching %s/%s\n", project.RepoOwner, project.RepoName))
	if err := s.fetcher.Fetch(ctx, project.RepoOwner, project.RepoName, ref, dir); err != nil {
		fail(err)
		return
	}

	projectType := s.detector(dir)
	append_(fmt.Sprintf("> detected project type: %s\n", projectType))

	result, err := s.engine.Deploy(ctx, build.Input{
		RepoOwner: project.RepoOwner,
		RepoName:  project.RepoName,
		PRNumber:  prv.PRNumber,
		Dir:       dir,
		Type:      projectType,
		Ports:     domain.LimitsFor(user.Tier).Ports,
		OnOutput:  append_,
	})
	if err != nil {
		fail(err)
		return
	}

	updated, err := s.previews.MarkLive(ctx, prv.ID, result.URL, result.ContainerName, result.HostPort, time.Now().UTC(), logs.String())
	if err != nil {
		s.log.Error("mark preview live", "preview", prv.ID, "error", err)
		if rmErr := s.engine.Remove(ctx, result.ContainerName); rmErr != nil {
			s.log.Warn("remove container after failed record", "container", result.ContainerName, "error", rmErr)
		}
		// The row must not sit in building with no build running.
		fail(fmt.Errorf("record live state: %w", err))
		return
	}

	s.events.Finished(prv.ID, result.URL)
	s.events.StatusUpdate(user.ID, updated)
	s.log.Info("preview live", "preview", prv.ID, "url", result.URL, "container", result.ContainerName)
}

// Teardown removes a preview's container and marks the row deleted.
// Idempotent: a preview with no container, or one already deleted, just
// gets its row settled.
func (s *Service) Teardown(ctx context.Context, project *domain.Project, prv *domain.Preview) (*domain.Preview, error) {
	if prv.ContainerName != "" {
		if err := s.engine.Remove(ctx, prv.ContainerName); err != nil {
			return nil, fmt.Errorf("remove container: %w", err)
		}
	}
	updated, err := s.previews.MarkDeleted(ctx, prv.ID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("mark preview deleted: %w", err)
	}
	s.events.StatusUpdate(project.UserID, updated)
	return updated, nil
}

// HandleClosed tears down the preview for a closed pull request. An
// unknown PR is not an error; there is simply nothing to tear down.
func (s *Service) HandleClosed(ctx context.Context, project *domain.Project, prNumber int) error {
	prv, err := s.previews.GetPreviewByProjectPR(ctx, project.ID, prNumber)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = s.Teardown(ctx, project, prv)
	return err
}

// GetAuthorized loads a preview and verifies account ownership through
// its project.
func (s *Service) GetAuthorized(ctx context.Context, previewID, userID string) (*domain.Preview, *domain.Project, error) {
	prv, err := s.previews.GetPreviewByID(ctx, previewID)
	if err != nil {
		return nil, nil, err
	}
	project, err := s.projects.GetProjectByID(ctx, prv.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	if project.UserID != userID {
		return nil, nil, ErrForbidden
	}
	return prv, project, nil
}

// Drain blocks until all in-flight builds finish. Used on shutdown.
func (s *Service) Drain() {
	s.builds.Wait()
}

func buildKey(projectID string, prNumber int) string {
	return fmt.Sprintf("%s#%d", projectID, prNumber)
}

func (s *Service) tryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Service) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}
