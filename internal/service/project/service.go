package project

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/theasmitwalia17/PreviewFlow/internal/domain"
	"github.com/theasmitwalia17/PreviewFlow/internal/repository"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/quota"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/webhook"
)

var (
	errInvalidRepoOwner = errors.New("repository owner is required")
	errInvalidRepoName  = errors.New("repository name is required")
	// ErrForbidden means the project belongs to another account.
	ErrForbidden = errors.New("project belongs to another account")
)

// ConnectInput encapsulates project connection attributes.
type ConnectInput struct {
	UserID    string
	RepoOwner string
	RepoName  string
}

// Teardowner reclaims a project's previews before the project goes away.
type Teardowner interface {
	Teardown(ctx context.Context, project *domain.Project, prv *domain.Preview) (*domain.Preview, error)
}

// Service manages connected repositories.
type Service struct {
	projects repository.ProjectRepository
	previews repository.PreviewRepository
	quota    *quota.Guard
	teardown Teardowner
	log      *slog.Logger
}

// New returns a project service.
func New(projects repository.ProjectRepository, previews repository.PreviewRepository, guard *quota.Guard, teardown Teardowner, logger *slog.Logger) *Service {
	return &Service{projects: projects, previews: previews, quota: guard, teardown: teardown, log: logger}
}

// Connect registers a repository for an account, respecting the tier's
// project ceiling, and issues the per-project webhook secret.
func (s *Service) Connect(ctx context.Context, user *domain.User, input ConnectInput) (*domain.Project, error) {
	owner := strings.TrimSpace(input.RepoOwner)
	name := strings.TrimSpace(input.RepoName)
	if owner == "" {
		return nil, errInvalidRepoOwner
	}
	if name == "" {
		return nil, errInvalidRepoName
	}

	if err := s.quota.CanConnectProject(ctx, user); err != nil {
		return nil, err
	}

	secret, err := webhook.NewSecret()
	if err != nil {
		return nil, err
	}

	project := &domain.Project{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		RepoOwner:     owner,
		RepoName:      name,
		WebhookSecret: secret,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.log.Info("project connected", "project", project.ID, "repo", owner+"/"+name, "user", user.ID)
	return project, nil
}

// List returns the account's connected repositories.
func (s *Service) List(ctx context.Context, userID string) ([]domain.Project, error) {
	return s.projects.ListProjectsByUser(ctx, userID)
}

// GetAuthorized loads a project and verifies account ownership.
func (s *Service) GetAuthorized(ctx context.Context, projectID, userID string) (*domain.Project, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.UserID != userID {
		return nil, ErrForbidden
	}
	return project, nil
}

// Previews lists the project's preview rows after an ownership check.
func (s *Service) Previews(ctx context.Context, projectID, userID string) ([]domain.Preview, error) {
	if _, err := s.GetAuthorized(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return s.previews.ListPreviewsByProject(ctx, projectID)
}

// Disconnect tears down every live preview the project holds and then
// removes the project row. Container teardown happens first so nothing
// keeps running after its owning record is gone.
func (s *Service) Disconnect(ctx context.Context, projectID, userID string) error {
	project, err := s.GetAuthorized(ctx, projectID, userID)
	if err != nil {
		return err
	}

	previews, err := s.previews.ListPreviewsByProject(ctx, projectID)
	if err != nil {
		return err
	}
	for i := range previews {
		prv := previews[i]
		if prv.ContainerName == "" {
			continue
		}
		if _, err := s.teardown.Teardown(ctx, project, &prv); err != nil {
			s.log.Warn("teardown preview during disconnect", "preview", prv.ID, "error", err)
		}
	}

	return s.projects.DeleteProject(ctx, projectID)
}
