package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/theasmitwalia17/PreviewFlow/internal/domain"
	"github.com/theasmitwalia17/PreviewFlow/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository    = (*Repository)(nil)
	_ repository.ProjectRepository = (*Repository)(nil)
	_ repository.PreviewRepository = (*Repository)(nil)
)

const uniqueViolation = "23505"

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, tier, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	var tier string
	if err := row.Scan(&u.ID, &u.Email, &tier, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	u.Tier = domain.NormalizeTier(tier)
	return &u, nil
}

// CreateProject inserts a connected repository.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, user_id, repo_owner, repo_name, webhook_secret, webhook_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.UserID, project.RepoOwner, project.RepoName, project.WebhookSecret, project.WebhookID, project.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// GetProjectByID fetches a project.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, user_id, repo_owner, repo_name, webhook_secret, webhook_id, created_at
		FROM projects WHERE id = $1`
	return r.scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// GetProjectByRepo locates the connected project for an owner/name pair.
// Webhook payloads identify repositories this way.
func (r *Repository) GetProjectByRepo(ctx context.Context, repoOwner, repoName string) (*domain.Project, error) {
	const query = `SELECT id, user_id, repo_owner, repo_name, webhook_secret, webhook_id, created_at
		FROM projects WHERE repo_owner = $1 AND repo_name = $2`
	return r.scanProject(r.pool.QueryRow(ctx, query, repoOwner, repoName))
}

func (r *Repository) scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(&p.ID, &p.UserID, &p.RepoOwner, &p.RepoName, &p.WebhookSecret, &p.WebhookID, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjectsByUser returns the account's connected repositories.
func (r *Repository) ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	const query = `SELECT id, user_id, repo_owner, repo_name, webhook_secret, webhook_id, created_at
		FROM projects WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.RepoOwner, &p.RepoName, &p.WebhookSecret, &p.WebhookID, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// CountProjectsByUser counts connected repositories for quota checks.
func (r *Repository) CountProjectsByUser(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(1) FROM projects WHERE user_id = $1`
	var count int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateProjectWebhookID stores the registration id returned by the
// version-control host after webhook creation.
func (r *Repository) UpdateProjectWebhookID(ctx context.Context, projectID, webhookID string) error {
	const query = `UPDATE projects SET webhook_id = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, webhookID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteProject removes a project and its previews.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	const query = `DELETE FROM projects WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const previewColumns = `id, project_id, pr_number, status, url, container_name, host_port,
	build_started_at, build_completed_at, build_logs, created_at, updated_at`

// UpsertBuilding creates or reuses the preview row for a (project, PR)
// pair and moves it to building. The previous attempt's url, container and
// port are cleared so the live-state invariant holds during the build.
func (r *Repository) UpsertBuilding(ctx context.Context, projectID string, prNumber int, startedAt time.Time) (*domain.Preview, error) {
	const query = `INSERT INTO previews (id, project_id, pr_number, status, url, container_name, host_port,
			build_started_at, build_completed_at, build_logs, created_at, updated_at)
		VALUES ($1, $2, $3, 'building', '', '', 0, $4, NULL, '', NOW(), NOW())
		ON CONFLICT (project_id, pr_number) DO UPDATE SET
			status = 'building',
			url = '',
			container_name = '',
			host_port = 0,
			build_started_at = $4,
			build_completed_at = NULL,
			updated_at = NOW()
		RETURNING ` + previewColumns
	id := newPreviewID()
	return r.scanPreview(r.pool.QueryRow(ctx, query, id, projectID, prNumber, startedAt.UTC()))
}

// GetPreviewByID fetches a preview row.
func (r *Repository) GetPreviewByID(ctx context.Context, previewID string) (*domain.Preview, error) {
	const query = `SELECT ` + previewColumns + ` FROM previews WHERE id = $1`
	return r.scanPreview(r.pool.QueryRow(ctx, query, previewID))
}

// GetPreviewByProjectPR fetches the preview for one pull request.
func (r *Repository) GetPreviewByProjectPR(ctx context.Context, projectID string, prNumber int) (*domain.Preview, error) {
	const query = `SELECT ` + previewColumns + ` FROM previews WHERE project_id = $1 AND pr_number = $2`
	return r.scanPreview(r.pool.QueryRow(ctx, query, projectID, prNumber))
}

// ListPreviewsByProject returns all preview rows for a project, newest first.
func (r *Repository) ListPreviewsByProject(ctx context.Context, projectID string) ([]domain.Preview, error) {
	const query = `SELECT ` + previewColumns + ` FROM previews WHERE project_id = $1 ORDER BY pr_number DESC`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	previews := make([]domain.Preview, 0)
	for rows.Next() {
		p, err := r.scanPreviewRow(rows)
		if err != nil {
			return nil, err
		}
		previews = append(previews, *p)
	}
	return previews, rows.Err()
}

// MarkLive records a successful build attempt.
func (r *Repository) MarkLive(ctx context.Context, previewID, url, containerName string, hostPort int, completedAt time.Time, logs string) (*domain.Preview, error) {
	const query = `UPDATE previews SET
			status = 'live', url = $2, container_name = $3, host_port = $4,
			build_completed_at = $5, build_logs = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + previewColumns
	return r.scanPreview(r.pool.QueryRow(ctx, query, previewID, url, containerName, hostPort, completedAt.UTC(), logs))
}

// MarkError records a failed build attempt with its captured log text.
func (r *Repository) MarkError(ctx context.Context, previewID string, completedAt time.Time, logs string) (*domain.Preview, error) {
	const query = `UPDATE previews SET
			status = 'error', url = '', container_name = '', host_port = 0,
			build_completed_at = $2, build_logs = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + previewColumns
	return r.scanPreview(r.pool.QueryRow(ctx, query, previewID, completedAt.UTC(), logs))
}

// MarkDeleted records a teardown. Logs are kept queryable.
func (r *Repository) MarkDeleted(ctx context.Context, previewID string, completedAt time.Time) (*domain.Preview, error) {
	const query = `UPDATE previews SET
			status = 'deleted', url = '', container_name = '', host_port = 0,
			build_completed_at = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + previewColumns
	return r.scanPreview(r.pool.QueryRow(ctx, query, previewID, completedAt.UTC()))
}

// CountLiveByUser counts live previews across all of an account's projects.
func (r *Repository) CountLiveByUser(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(1) FROM previews pv
		INNER JOIN projects pr ON pr.id = pv.project_id
		WHERE pr.user_id = $1 AND pv.status = 'live'`
	var count int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) scanPreview(row pgx.Row) (*domain.Preview, error) {
	var p domain.Preview
	if err := row.Scan(
		&p.ID,
		&p.ProjectID,
		&p.PRNumber,
		&p.Status,
		&p.URL,
		&p.ContainerName,
		&p.HostPort,
		&p.BuildStartedAt,
		&p.BuildCompletedAt,
		&p.BuildLogs,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *Repository) scanPreviewRow(rows pgx.Rows) (*domain.Preview, error) {
	var p domain.Preview
	if err := rows.Scan(
		&p.ID,
		&p.ProjectID,
		&p.PRNumber,
		&p.Status,
		&p.URL,
		&p.ContainerName,
		&p.HostPort,
		&p.BuildStartedAt,
		&p.BuildCompletedAt,
		&p.BuildLogs,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}
