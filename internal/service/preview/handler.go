package preview

import (
	"context"

	"github.com/theasmitwalia17/PreviewFlow/internal/domain"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/webhook"
)

// WebhookOutcome reports what a hook delivery led to. Ignored deliveries
// are acknowledged upstream so the sender does not retry them.
type WebhookOutcome struct {
	Preview *domain.Preview
	Ignored bool
	Reason  string
}

// HandlePullRequest applies the account's webhook policy to a verified
// pull_request delivery and dispatches the lifecycle action.
//
// Opened, reopened and synchronize deliveries start a build, subject to
// tier policy: tiers without webhook access ignore everything, and
// opened-only tiers ignore synchronize and reopened. Closed deliveries
// tear the preview down regardless of tier, because a container that is
// running must always be reclaimable. Unrecognized actions are ignored.
func (s *Service) HandlePullRequest(ctx context.Context, project *domain.Project, user *domain.User, event webhook.PullRequestEvent) (WebhookOutcome, error) {
	switch event.Action {
	case "opened", "reopened", "synchronize":
		limits := domain.LimitsFor(user.Tier)
		if !limits.AllowWebhooks {
			return WebhookOutcome{Ignored: true, Reason: "tier does not allow webhook builds"}, nil
		}
		if limits.WebhookOpenedOnly && event.Action != "opened" {
			return WebhookOutcome{Ignored: true, Reason: "tier only builds newly opened pull requests"}, nil
		}
		prv, err := s.StartBuild(ctx, project, user, event.Number, event.Ref())
		if err != nil {
			return WebhookOutcome{}, err
		}
		return WebhookOutcome{Preview: prv}, nil

	case "closed":
		if err := s.HandleClosed(ctx, project, event.Number); err != nil {
			return WebhookOutcome{}, err
		}
		return WebhookOutcome{Reason: "preview torn down"}, nil

	default:
		return WebhookOutcome{Ignored: true, Reason: "unhandled action"}, nil
	}
}
