package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const signaturePrefix = "sha256="

// Verify checks a hook delivery's HMAC-SHA256 signature against the
// project secret. The signature header carries "sha256=<hex>"; anything
// else fails closed. Comparison is constant time.
func Verify(rawBody []byte, signature, secret string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := signaturePrefix + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the signature header value for a payload. Used by the
// local delivery simulator and tests.
func Sign(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// NewSecret generates a per-project webhook secret.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// PullRequestEvent is the slice of the hook payload the orchestrator
// reads.
type PullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	Repository  Repo   `json:"repository"`
	PullRequest PR     `json:"pull_request"`
}

// Repo identifies the repository the delivery is about.
type Repo struct {
	Name  string `json:"name"`
	Owner Owner  `json:"owner"`
}

// Owner is the repository owner.
type Owner struct {
	Login string `json:"login"`
}

// PR carries the head ref for checkout.
type PR struct {
	Head Head `json:"head"`
}

// Head is the PR's source branch.
type Head struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// Ref picks the checkout target: branch name when present, commit SHA
// otherwise.
func (e PullRequestEvent) Ref() string {
	if e.PullRequest.Head.Ref != "" {
		return e.PullRequest.Head.Ref
	}
	return e.PullRequest.Head.SHA
}

// ParsePullRequest decodes a pull_request delivery payload.
func ParsePullRequest(rawBody []byte) (PullRequestEvent, error) {
	var event PullRequestEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return PullRequestEvent{}, fmt.Errorf("decode pull request payload: %w", err)
	}
	return event, nil
}
