package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// FetchError wraps a failed fetch with the git output that explains it.
type FetchError struct {
	Repo   string
	Ref    string
	Output string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("fetch %s@%s: %v", e.Repo, e.Ref, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Repo, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher produces shallow checkouts of public repositories. The caller
// owns the destination directory and removes it when the build is done.
type Fetcher struct {
	timeout time.Duration
	log     *slog.Logger
}

// NewFetcher constructs a Fetcher with a per-operation timeout.
func NewFetcher(timeout time.Duration, logger *slog.Logger) *Fetcher {
	return &Fetcher{timeout: timeout, log: logger}
}

// Fetch clones the repository's default branch at depth 1 into dest and,
// when ref is non-empty, switches the checkout to that ref. On failure
// dest may hold a partial clone; the caller cleans it up either way.
func (f *Fetcher) Fetch(ctx context.Context, repoOwner, repoName, ref, dest string) error {
	repo := repoOwner + "/" + repoName
	url := fmt.Sprintf("https://github.com/%s/%s.git", repoOwner, repoName)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if out, err := runGit(ctx, dest, "clone", "--depth", "1", url, "."); err != nil {
		return &FetchError{Repo: repo, Output: out, Err: err}
	}
	if ref == "" {
		return nil
	}

	// A depth-1 clone only has the default branch. Fetch the requested
	// ref shallowly and detach onto it; fall back to a plain checkout
	// for refs already present locally.
	if out, err := runGit(ctx, dest, "fetch", "--depth", "1", "origin", ref); err == nil {
		if out, err := runGit(ctx, dest, "checkout", "FETCH_HEAD"); err != nil {
			return &FetchError{Repo: repo, Ref: ref, Output: out, Err: err}
		}
		return nil
	} else if out2, err2 := runGit(ctx, dest, "checkout", ref); err2 != nil {
		f.log.Warn("ref fetch failed", "repo", repo, "ref", ref, "output", out)
		return &FetchError{Repo: repo, Ref: ref, Output: out2, Err: err2}
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(output), nil
}
