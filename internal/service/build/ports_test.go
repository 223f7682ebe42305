package build

import (
	"testing"

	"github.com/theasmitwalia17/PreviewFlow/internal/domain"
)

func TestClaimPrefersTierRange(t *testing.T) {
	alloc := NewPortAllocator(domain.PortRange{Lo: 45900, Hi: 45909})
	tier := domain.PortRange{Lo: 45800, Hi: 45809}

	port, release, err := alloc.Claim(tier)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer release()

	if port < tier.Lo || port > tier.Hi {
		t.Fatalf("port %d outside preferred range %d-%d", port, tier.Lo, tier.Hi)
	}
}

func TestClaimNeverHandsOutSamePortTwice(t *testing.T) {
	alloc := NewPortAllocator(domain.PortRange{Lo: 45910, Hi: 45919})
	tier := domain.PortRange{Lo: 45820, Hi: 45824}

	seen := make(map[int]bool)
	var releases []func()
	for i := 0; i < 5; i++ {
		port, release, err := alloc.Claim(tier)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		releases = append(releases, release)
		if seen[port] {
			t.Fatalf("port %d claimed twice", port)
		}
		seen[port] = true
	}
	for _, release := range releases {
		release()
	}
}

func TestClaimFallsBackWhenTierRangeExhausted(t *testing.T) {
	alloc := NewPortAllocator(domain.PortRange{Lo: 45930, Hi: 45939})
	tier := domain.PortRange{Lo: 45830, Hi: 45830}

	first, releaseFirst, err := alloc.Claim(tier)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	defer releaseFirst()
	if first != 45830 {
		t.Fatalf("expected tier port 45830, got %d", first)
	}

	second, releaseSecond, err := alloc.Claim(tier)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	defer releaseSecond()
	if second < 45930 || second > 45939 {
		t.Fatalf("expected fallback range port, got %d", second)
	}
}

func TestReleaseReturnsPortToPool(t *testing.T) {
	alloc := NewPortAllocator(domain.PortRange{Lo: 45950, Hi: 45950})
	tier := domain.PortRange{Lo: 45840, Hi: 45840}

	port, release, err := alloc.Claim(tier)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	release()
	// Releasing twice must not free someone else's claim.
	release()

	again, releaseAgain, err := alloc.Claim(tier)
	if err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	defer releaseAgain()
	if again != port {
		t.Fatalf("expected released port %d back, got %d", port, again)
	}
}

func TestClaimExhausted(t *testing.T) {
	alloc := NewPortAllocator(domain.PortRange{Lo: 45960, Hi: 45960})
	tier := domain.PortRange{Lo: 45850, Hi: 45850}

	_, r1, err := alloc.Claim(tier)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	defer r1()
	_, r2, err := alloc.Claim(tier)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	defer r2()

	if _, _, err := alloc.Claim(tier); err != ErrNoFreePort {
		t.Fatalf("expected ErrNoFreePort, got %v", err)
	}
}
