package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/theasmitwalia17/PreviewFlow/internal/domain"
	"github.com/theasmitwalia17/PreviewFlow/internal/repository"
)

// ExceededError reports which resource hit its tier ceiling.
type ExceededError struct {
	Resource string
	Tier     domain.Tier
	Limit    int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s limit %d for tier %s", e.Resource, e.Limit, e.Tier)
}

// Guard enforces tier resource ceilings. Concurrent-build slots are
// reserved in process so two builds racing the same last slot cannot
// both pass: a reservation is taken before the check window closes and
// released when the build goroutine finishes.
type Guard struct {
	projects repository.ProjectRepository
	previews repository.PreviewRepository
	log      *slog.Logger

	mu     sync.Mutex
	builds map[string]int
}

// New constructs a Guard.
func New(projects repository.ProjectRepository, previews repository.PreviewRepository, logger *slog.Logger) *Guard {
	return &Guard{
		projects: projects,
		previews: previews,
		log:      logger,
		builds:   make(map[string]int),
	}
}

// CanConnectProject checks the connected-repository ceiling.
func (g *Guard) CanConnectProject(ctx context.Context, user *domain.User) error {
	limits := domain.LimitsFor(user.Tier)
	if limits.MaxProjects == domain.Unlimited {
		return nil
	}
	count, err := g.projects.CountProjectsByUser(ctx, user.ID)
	if err != nil {
		return err
	}
	if count >= limits.MaxProjects {
		return &ExceededError{Resource: "projects", Tier: user.Tier, Limit: limits.MaxProjects}
	}
	return nil
}

// CanCreateLivePreview checks the live-preview ceiling.
func (g *Guard) CanCreateLivePreview(ctx context.Context, user *domain.User) error {
	limits := domain.LimitsFor(user.Tier)
	if limits.MaxLivePreviews == domain.Unlimited {
		return nil
	}
	count, err := g.previews.CountLiveByUser(ctx, user.ID)
	if err != nil {
		return err
	}
	if count >= limits.MaxLivePreviews {
		return &ExceededError{Resource: "live previews", Tier: user.Tier, Limit: limits.MaxLivePreviews}
	}
	return nil
}

// ReserveBuild atomically claims a concurrent-build slot for the account.
// The returned release function gives the slot back and is safe to call
// exactly once from the build goroutine's cleanup path.
func (g *Guard) ReserveBuild(user *domain.User) (release func(), err error) {
	limits := domain.LimitsFor(user.Tier)

	g.mu.Lock()
	defer g.mu.Unlock()

	if limits.MaxConcurrentBuilds != domain.Unlimited && g.builds[user.ID] >= limits.MaxConcurrentBuilds {
		return nil, &ExceededError{Resource: "concurrent builds", Tier: user.Tier, Limit: limits.MaxConcurrentBuilds}
	}
	g.builds[user.ID]++

	var once sync.Once
	release = func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			g.builds[user.ID]--
			if g.builds[user.ID] <= 0 {
				delete(g.builds, user.ID)
			}
		})
	}
	return release, nil
}

// ActiveBuilds reports the account's reserved build slots.
func (g *Guard) ActiveBuilds(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.builds[userID]
}
