package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/mvorch/microvm-orchestrator/internal/eventbus"
	"github.com/mvorch/microvm-orchestrator/internal/registry"
	"github.com/mvorch/microvm-orchestrator/internal/slotmanager"
	"github.com/mvorch/microvm-orchestrator/internal/task"
	"github.com/mvorch/microvm-orchestrator/internal/vm"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo := filepath.Join(dir, "repo")
	if err := os.MkdirAll(repo, 0755); err != nil {
		t.Fatal(err)
	}
	runGit(t, repo, "init", "-q", "-b", "main")
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("hi\n"), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-q", "-m", "initial")
	return repo
}

// buildFakeRunner returns a BuilderFunc that produces a runner script
// simulating a guest task: it writes a result.json whose success field is
// success and, when commitInGuest is set, first commits a file inside the
// isolated clone.
func buildFakeRunner(t *testing.T, commitInGuest bool, success bool) BuilderFunc {
	return func(env *vm.BuildEnv) (string, error) {
		scriptPath := filepath.Join(env.TaskDir, "fake-runner.sh")
		var body string
		if commitInGuest {
			body = fmt.Sprintf(`#!/bin/sh
set -e
cd %q/repo
echo guest-change > guest.txt
git add guest.txt
git -c user.name=guest -c user.email=guest@example.com commit -q -m "guest change"
cat > %q/result.json <<'EOF'
{"success": %v, "summary": "did a thing", "files_changed": ["guest.txt"], "commit_count": 1, "commits": [], "runner_exit_code": 0, "error": null}
EOF
exit 0
`, env.TaskDir, env.TaskDir, success)
		} else {
			body = fmt.Sprintf(`#!/bin/sh
cat > %q/result.json <<'EOF'
{"success": %v, "summary": "noop", "files_changed": [], "commit_count": 0, "commits": [], "runner_exit_code": 0, "error": null}
EOF
exit 0
`, env.TaskDir, success)
		}
		if err := os.WriteFile(scriptPath, []byte(body), 0755); err != nil {
			return "", err
		}
		return scriptPath, nil
	}
}

func newTestOrchestrator(t *testing.T, maxSlots int, build BuilderFunc) (*Orchestrator, string) {
	t.Helper()
	home := t.TempDir()
	repo := newTestRepo(t)

	reg := registry.New(filepath.Join(home, "allowed-repos.json"))
	alias, err := reg.Allow(repo, "demo")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}

	slots, err := slotmanager.New(maxSlots, filepath.Join(home, "slot-assignments.json"))
	if err != nil {
		t.Fatalf("slotmanager.New: %v", err)
	}

	o := New(Options{
		Registry: reg,
		Slots:    slots,
		Bus:      eventbus.New(),
		SlotsDir: filepath.Join(home, "slots"),
		APIToken: func() string { return "test-token" },
		BuildVM:  build,
	})
	return o, alias
}

func waitForEvent(t *testing.T, o *Orchestrator, timeout time.Duration) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return o.WaitNextEvent(ctx)
}

func TestRunTaskHappyPathFastForward(t *testing.T) {
	o, alias := newTestOrchestrator(t, 10, buildFakeRunner(t, true, true))

	out := o.RunTask("echo hi > a.txt && git add a.txt && git commit -m x", alias)
	id, ok := out["task_id"].(string)
	if !ok {
		t.Fatalf("RunTask did not return task_id: %+v", out)
	}

	ev := waitForEvent(t, o, 10*time.Second)
	if ev["timeout"] == true || ev["cancelled"] == true {
		t.Fatalf("expected completed event, got %+v", ev)
	}
	if ev["type"] != eventbus.KindCompleted {
		t.Fatalf("got event type %v, want completed: %+v", ev["type"], ev)
	}
	if ev["task_id"] != id {
		t.Fatalf("got task id %v, want %v", ev["task_id"], id)
	}

	info := o.GetTaskInfo(id)
	if info["status"] != task.StatusCompleted {
		t.Fatalf("got status %v, want completed", info["status"])
	}
}

func TestRunTaskUnknownAlias(t *testing.T) {
	o, _ := newTestOrchestrator(t, 10, buildFakeRunner(t, false, true))
	out := o.RunTask("anything", "ghost")
	if _, ok := out["error"]; !ok {
		t.Fatalf("expected error for unknown alias, got %+v", out)
	}
	if _, ok := out["task_id"]; ok {
		t.Fatalf("expected no task_id on error, got %+v", out)
	}
}

func TestRunTaskSlotExhaustion(t *testing.T) {
	build := func(env *vm.BuildEnv) (string, error) {
		// Never-exiting runner so the slot stays occupied.
		scriptPath := filepath.Join(env.TaskDir, "fake-runner.sh")
		if err := os.WriteFile(scriptPath, []byte("#!/bin/sh\nsleep 30\n"), 0755); err != nil {
			return "", err
		}
		return scriptPath, nil
	}
	o, alias := newTestOrchestrator(t, 1, build)

	first := o.RunTask("task one", alias)
	if _, ok := first["task_id"]; !ok {
		t.Fatalf("expected first task to start: %+v", first)
	}

	second := o.RunTask("task two", alias)
	if _, ok := second["error"]; !ok {
		t.Fatalf("expected slot exhaustion error: %+v", second)
	}
	if _, ok := second["active"]; !ok {
		t.Fatalf("expected active list on slot exhaustion error: %+v", second)
	}
}

func TestCleanupTaskRejectsRunningTask(t *testing.T) {
	build := func(env *vm.BuildEnv) (string, error) {
		scriptPath := filepath.Join(env.TaskDir, "fake-runner.sh")
		if err := os.WriteFile(scriptPath, []byte("#!/bin/sh\nsleep 30\n"), 0755); err != nil {
			return "", err
		}
		return scriptPath, nil
	}
	o, alias := newTestOrchestrator(t, 1, build)

	out := o.RunTask("long task", alias)
	id := out["task_id"].(string)

	result := o.CleanupTask(id, false)
	if _, ok := result["error"]; !ok {
		t.Fatalf("expected cleanup of running task to fail: %+v", result)
	}
}

func TestListSlotsReflectsAcquisition(t *testing.T) {
	build := func(env *vm.BuildEnv) (string, error) {
		scriptPath := filepath.Join(env.TaskDir, "fake-runner.sh")
		if err := os.WriteFile(scriptPath, []byte("#!/bin/sh\nsleep 30\n"), 0755); err != nil {
			return "", err
		}
		return scriptPath, nil
	}
	o, alias := newTestOrchestrator(t, 3, build)
	o.RunTask("task", alias)

	slots := o.ListSlots()
	if slots["max"] != 3 {
		t.Fatalf("got max %v, want 3", slots["max"])
	}
	if active, ok := slots["active"].([]slotmanager.Assignment); !ok || len(active) != 1 {
		t.Fatalf("got active %v, want one assignment", slots["active"])
	}
}
