package domain

import "time"

// Preview status values. "deleted" is terminal for the container but not
// for the row: re-opening the same PR transitions the row back to building.
const (
	StatusQueued   = "queued"
	StatusBuilding = "building"
	StatusLive     = "live"
	StatusError    = "error"
	StatusDeleted  = "deleted"
)

// Preview is the deployment state for exactly one pull request of one
// project. URL and ContainerName are non-empty only while Status is live.
type Preview struct {
	ID               string
	ProjectID        string
	PRNumber         int
	Status           string
	URL              string
	ContainerName    string
	HostPort         int
	BuildStartedAt   *time.Time
	BuildCompletedAt *time.Time
	BuildLogs        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Live reports whether the preview currently owns a running container.
func (p Preview) Live() bool {
	return p.Status == StatusLive
}
