package domain

import "strings"

// Tier is a named subscription level.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierHobby      Tier = "HOBBY"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

// Unlimited marks a limit that never rejects.
const Unlimited = -1

// PortRange is the half of the host port space reserved for a tier. Ranges
// are a preference, not hard isolation: the allocator probes inside the
// range first and falls back to the shared overflow range when exhausted.
type PortRange struct {
	Lo int
	Hi int
}

// TierLimits bounds the resources one account may hold.
type TierLimits struct {
	MaxProjects         int
	MaxConcurrentBuilds int
	MaxLivePreviews     int
	AllowWebhooks       bool
	WebhookOpenedOnly   bool
	Ports               PortRange
}

var tierLimits = map[Tier]TierLimits{
	TierFree: {
		MaxProjects:         1,
		MaxConcurrentBuilds: 1,
		MaxLivePreviews:     1,
		AllowWebhooks:       false,
		Ports:               PortRange{Lo: 40000, Hi: 40099},
	},
	TierHobby: {
		MaxProjects:         2,
		MaxConcurrentBuilds: 1,
		MaxLivePreviews:     3,
		AllowWebhooks:       true,
		WebhookOpenedOnly:   true,
		Ports:               PortRange{Lo: 40100, Hi: 40299},
	},
	TierPro: {
		MaxProjects:         Unlimited,
		MaxConcurrentBuilds: 3,
		MaxLivePreviews:     10,
		AllowWebhooks:       true,
		Ports:               PortRange{Lo: 40300, Hi: 40999},
	},
	TierEnterprise: {
		MaxProjects:         Unlimited,
		MaxConcurrentBuilds: 10,
		MaxLivePreviews:     Unlimited,
		AllowWebhooks:       true,
		Ports:               PortRange{Lo: 41000, Hi: 41999},
	},
}

var tierRank = map[Tier]int{
	TierFree:       0,
	TierHobby:      1,
	TierPro:        2,
	TierEnterprise: 3,
}

// NormalizeTier maps arbitrary input to a known tier, defaulting to FREE.
func NormalizeTier(raw string) Tier {
	t := Tier(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := tierLimits[t]; ok {
		return t
	}
	return TierFree
}

// LimitsFor returns the limit set for a tier, defaulting to FREE limits.
func LimitsFor(t Tier) TierLimits {
	if limits, ok := tierLimits[t]; ok {
		return limits
	}
	return tierLimits[TierFree]
}

// CompareTier orders tiers: negative when a < b, zero when equal.
func CompareTier(a, b Tier) int {
	return tierRank[NormalizeTier(string(a))] - tierRank[NormalizeTier(string(b))]
}
