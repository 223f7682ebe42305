package repository

import (
	"context"
	"time"

	"github.com/theasmitwalia17/PreviewFlow/internal/domain"
)

// UserRepository resolves owning accounts.
type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ProjectRepository persists connected repositories.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectByRepo(ctx context.Context, repoOwner, repoName string) (*domain.Project, error)
	ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error)
	CountProjectsByUser(ctx context.Context, userID string) (int, error)
	UpdateProjectWebhookID(ctx context.Context, projectID, webhookID string) error
	DeleteProject(ctx context.Context, projectID string) error
}

// PreviewRepository persists per-pull-request deployment state.
type PreviewRepository interface {
	// UpsertBuilding creates the (project, PR) row or reuses the existing
	// one, moving it to building and clearing the previous attempt's
	// url/container/port.
	UpsertBuilding(ctx context.Context, projectID string, prNumber int, startedAt time.Time) (*domain.Preview, error)
	GetPreviewByID(ctx context.Context, previewID string) (*domain.Preview, error)
	GetPreviewByProjectPR(ctx context.Context, projectID string, prNumber int) (*domain.Preview, error)
	ListPreviewsByProject(ctx context.Context, projectID string) ([]domain.Preview, error)
	MarkLive(ctx context.Context, previewID, url, containerName string, hostPort int, completedAt time.Time, logs string) (*domain.Preview, error)
	MarkError(ctx context.Context, previewID string, completedAt time.Time, logs string) (*domain.Preview, error)
	MarkDeleted(ctx context.Context, previewID string, completedAt time.Time) (*domain.Preview, error)
	CountLiveByUser(ctx context.Context, userID string) (int, error)
}
