package domain

import "time"

// Project is a connected repository under one owning account. The
// (UserID, RepoOwner, RepoName) triple is unique; WebhookSecret
// authenticates inbound pull-request events for this repository.
type Project struct {
	ID            string
	UserID        string
	RepoOwner     string
	RepoName      string
	WebhookSecret string
	WebhookID     string
	CreatedAt     time.Time
}
