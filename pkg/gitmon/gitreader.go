package gitmon

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentmux/agentmux/pkg/types"
)

// ExecGitReader probes directories by shelling out to git. Paths that do
// not resolve to a work tree report nil without error.
func ExecGitReader(ctx context.Context, path string) (*Snapshot, error) {
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return nil, nil
	}
	if out, err := runGit(ctx, path, "rev-parse", "--is-inside-work-tree"); err != nil || strings.TrimSpace(out) != "true" {
		return nil, nil
	}

	snap := &Snapshot{}

	branch, err := runGit(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve branch: %w", err)
	}
	snap.Summary.Branch = strings.TrimSpace(branch)

	porcelain, err := runGit(ctx, path, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	sc := bufio.NewScanner(strings.NewReader(porcelain))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			snap.Summary.ChangedFiles++
		}
	}

	// Staged and unstaged line counts relative to HEAD. Untracked files
	// do not contribute.
	if numstat, err := runGit(ctx, path, "diff", "--numstat", "HEAD"); err == nil {
		add, del := sumNumstat(numstat)
		snap.Summary.Additions = add
		snap.Summary.Deletions = del
	}

	snap.Repository = probeRepository(ctx, path)
	return snap, nil
}

func probeRepository(ctx context.Context, path string) *types.RepositoryProbe {
	probe := &types.RepositoryProbe{}

	if out, err := runGit(ctx, path, "config", "--get", "remote.origin.url"); err == nil {
		probe.NormalizedRemoteURL = NormalizeRemoteURL(strings.TrimSpace(out))
	}
	if out, err := runGit(ctx, path, "rev-list", "--count", "HEAD"); err == nil {
		probe.CommitCount, _ = strconv.Atoi(strings.TrimSpace(out))
	}
	if out, err := runGit(ctx, path, "log", "-1", "--format=%ct"); err == nil {
		if secs, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64); err == nil && secs > 0 {
			t := time.Unix(secs, 0).UTC()
			probe.LastCommitAt = &t
		}
	}
	if out, err := runGit(ctx, path, "rev-parse", "--short", "HEAD"); err == nil {
		probe.ShortCommitHash = strings.TrimSpace(out)
	}
	if out, err := runGit(ctx, path, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil {
		probe.DefaultBranch = strings.TrimPrefix(strings.TrimSpace(out), "origin/")
	}

	if probe.NormalizedRemoteURL != "" {
		probe.InferredName = InferRepositoryName(probe.NormalizedRemoteURL)
	} else {
		probe.InferredName = filepath.Base(path)
	}
	return probe
}

// NormalizeRemoteURL canonicalizes a git remote URL: scp-like SSH forms
// become ssh URLs and a trailing .git is stripped.
func NormalizeRemoteURL(raw string) string {
	if raw == "" {
		return ""
	}
	url := raw
	if !strings.Contains(url, "://") {
		if at := strings.Index(url, "@"); at >= 0 {
			if colon := strings.Index(url[at:], ":"); colon >= 0 {
				url = "ssh://" + url[:at+colon] + "/" + url[at+colon+1:]
			}
		}
	}
	return strings.TrimSuffix(url, ".git")
}

// InferRepositoryName extracts the repository name from a normalized
// remote URL.
func InferRepositoryName(url string) string {
	trimmed := strings.TrimSuffix(url, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return trimmed
}

func sumNumstat(out string) (additions, deletions int) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		// Binary files report "-".
		if add, err := strconv.Atoi(fields[0]); err == nil {
			additions += add
		}
		if del, err := strconv.Atoi(fields[1]); err == nil {
			deletions += del
		}
	}
	return additions, deletions
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
