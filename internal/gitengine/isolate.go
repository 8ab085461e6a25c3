package gitengine

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// hostGitMu serializes merge-back, the only operation that updates a host
// repository's branches, across all tasks in this process.
var hostGitMu sync.Mutex

// SetupResult captures the host state snapshotted at task creation.
type SetupResult struct {
	StartRef string // commit hash on the host repo at task creation
	Branch   string // symbolic branch name, "" if detached
	RepoDir  string // path to the isolated clone
}

// isolatedGitConfig writes a GIT_CONFIG_GLOBAL file that marks every
// directory as a safe.directory, so the in-guest agent never has to (and
// cannot) mutate the invoking user's real git configuration.
func isolatedGitConfig(taskDir string) (string, error) {
	path := filepath.Join(taskDir, ".gitconfig-isolated")
	contents := "[safe]\n\tdirectory = *\n[user]\n\tname = microvm-task\n\temail = task@microvm-orchestrator.local\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		return "", fmt.Errorf("writing isolated git config: %w", err)
	}
	return path, nil
}

// SetupIsolatedRepo snapshots the host repository's HEAD, clones it into
// <taskDir>/repo in isolation from the host's git configuration, and
// checks out the captured start ref (spec 4.E "Setup").
func SetupIsolatedRepo(hostRepoPath, taskDir string) (*SetupResult, error) {
	host := NewGit(hostRepoPath)

	startRef, err := host.Rev("HEAD")
	if err != nil {
		return nil, fmt.Errorf("capturing start ref: %w", err)
	}
	branch := host.SymbolicBranch()

	configPath, err := isolatedGitConfig(taskDir)
	if err != nil {
		return nil, err
	}

	repoDir := filepath.Join(taskDir, "repo")
	clone := NewGit(repoDir).WithGlobalConfig(configPath)

	if err := clone.InitEmpty(repoDir); err != nil {
		return nil, fmt.Errorf("initializing isolated clone: %w", err)
	}
	if err := clone.AddRemote("origin", hostRepoPath); err != nil {
		return nil, fmt.Errorf("adding origin remote: %w", err)
	}

	if err := clone.FetchRef("origin", startRef); err != nil {
		// Fall back to a bundle import when a direct fetch of the exact
		// commit fails (e.g. a shallow host repository).
		if bundleErr := fetchViaBundle(host, clone, hostRepoPath, startRef, taskDir); bundleErr != nil {
			return nil, fmt.Errorf("fetch failed (%v), bundle fallback failed: %w", err, bundleErr)
		}
	}

	if branch != "" {
		if err := clone.CheckoutNewBranch(branch, "FETCH_HEAD"); err != nil {
			return nil, fmt.Errorf("checking out branch %s: %w", branch, err)
		}
	} else {
		if err := clone.Checkout("FETCH_HEAD"); err != nil {
			return nil, fmt.Errorf("checking out detached HEAD: %w", err)
		}
	}

	if err := os.WriteFile(filepath.Join(taskDir, "start-ref"), []byte(startRef+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("writing start-ref: %w", err)
	}

	return &SetupResult{StartRef: startRef, Branch: branch, RepoDir: repoDir}, nil
}

// fetchViaBundle creates a bundle of the single commit on the host and
// imports it into the clone, for hosts where a direct object fetch fails.
func fetchViaBundle(host, clone *Git, hostRepoPath, startRef, taskDir string) error {
	bundlePath := filepath.Join(taskDir, "start-ref.bundle")
	cmd := exec.Command("git", "bundle", "create", bundlePath, startRef+"~1.."+startRef)
	cmd.Dir = hostRepoPath
	if err := cmd.Run(); err != nil {
		// Some repos have no parent commit (root commit); bundle the ref alone.
		cmd = exec.Command("git", "bundle", "create", bundlePath, startRef)
		cmd.Dir = hostRepoPath
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("creating bundle: %w", err)
		}
	}
	defer func() { _ = os.Remove(bundlePath) }()

	return clone.FetchRef(bundlePath, startRef)
}

// MergeResult is the result of a merge-back attempt (spec 4.E "Merge-back").
type MergeResult struct {
	Merged    bool     `json:"merged"`
	Method    string   `json:"method,omitempty"`
	Commits   int      `json:"commits"`
	Conflicts []string `json:"conflicts,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Error     string   `json:"error,omitempty"`
	TaskRef   string   `json:"task_ref,omitempty"`
}

// MergeBack merges a completed task's commits back into the host repository.
// hostRepoPath is the host repository; taskDir/repo is the isolated clone;
// startRef/branch are the values captured by SetupIsolatedRepo.
func MergeBack(hostRepoPath, taskDir, taskID, startRef, branch string) *MergeResult {
	hostGitMu.Lock()
	defer hostGitMu.Unlock()

	cloneDir := filepath.Join(taskDir, "repo")
	clone := NewGit(cloneDir)
	host := NewGit(hostRepoPath)
	taskRef := "refs/tasks/" + taskID

	commits, err := clone.CommitsAhead(startRef, "HEAD")
	if err != nil {
		return &MergeResult{Merged: false, Reason: "error", Error: err.Error()}
	}
	if commits == 0 {
		return &MergeResult{Merged: true, Method: "noop", Commits: 0}
	}

	if err := host.FetchInto(cloneDir, "HEAD", taskRef); err != nil {
		return &MergeResult{Merged: false, Reason: "error", Error: err.Error()}
	}

	if branch == "" {
		return &MergeResult{Merged: false, Reason: "detached-head", TaskRef: taskRef, Commits: commits}
	}

	currentHostRev, err := host.Rev(branch)
	if err != nil {
		return &MergeResult{Merged: false, Reason: "error", Error: err.Error(), TaskRef: taskRef}
	}

	if currentHostRev == startRef {
		if err := host.FastForward(branch, taskRef); err == nil {
			return &MergeResult{Merged: true, Method: "fast-forward", Commits: commits, Conflicts: []string{}}
		}
		// Fall through to rebase if the fast-forward unexpectedly fails
		// (e.g. another writer raced us onto branch).
	}

	return rebaseMergeBack(host, branch, taskRef, commits)
}

// rebaseMergeBack replays taskRef onto branch in a temporary worktree,
// preserving taskRef regardless of outcome.
func rebaseMergeBack(host *Git, branch, taskRef string, commits int) *MergeResult {
	worktreeDir, err := os.MkdirTemp("", "microvm-rebase-*")
	if err != nil {
		return &MergeResult{Merged: false, Reason: "error", Error: err.Error(), TaskRef: taskRef}
	}
	defer func() { _ = os.RemoveAll(worktreeDir) }()

	if err := host.WorktreeAddDetached(worktreeDir, taskRef); err != nil {
		return &MergeResult{Merged: false, Reason: "error", Error: err.Error(), TaskRef: taskRef}
	}
	defer func() { _ = host.WorktreeRemove(worktreeDir, true) }()

	wt := NewGit(worktreeDir)
	if err := wt.Rebase(branch); err != nil {
		conflicts, _ := wt.GetConflictingFiles()
		_ = wt.AbortRebase()
		return &MergeResult{
			Merged:    false,
			Reason:    "conflicts",
			Conflicts: conflicts,
			TaskRef:   taskRef,
			Commits:   commits,
		}
	}

	rebasedHead, err := wt.Rev("HEAD")
	if err != nil {
		return &MergeResult{Merged: false, Reason: "error", Error: err.Error(), TaskRef: taskRef}
	}

	if err := host.FastForward(branch, rebasedHead); err != nil {
		return &MergeResult{Merged: false, Reason: "error", Error: err.Error(), TaskRef: taskRef}
	}

	return &MergeResult{Merged: true, Method: "rebase", Commits: commits}
}

// DeleteTaskRef idempotently removes the preservation ref for a task.
func DeleteTaskRef(hostRepoPath, taskID string) error {
	host := NewGit(hostRepoPath)
	return host.DeleteRef("refs/tasks/" + taskID)
}
