// Package orchestrator composes the Event Bus, Task Record, Repo
// Registry, Slot Manager, Git Engine, and VM Supervisor into the tool
// contracts exposed over the Tool Server. It is constructed once per
// process and owns all task state in memory, backed by the filesystem
// layout under each repo's .microvm/tasks/ directory.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/mvorch/microvm-orchestrator/internal/atomicfile"
	"github.com/mvorch/microvm-orchestrator/internal/eventbus"
	"github.com/mvorch/microvm-orchestrator/internal/gitengine"
	"github.com/mvorch/microvm-orchestrator/internal/registry"
	"github.com/mvorch/microvm-orchestrator/internal/slotmanager"
	"github.com/mvorch/microvm-orchestrator/internal/task"
	"github.com/mvorch/microvm-orchestrator/internal/vm"
)

// GuestResult is the shape of result.json as written by the in-guest
// runner (spec 6, Guest contract).
type GuestResult struct {
	Success        bool     `json:"success"`
	Summary        string   `json:"summary"`
	FilesChanged   []string `json:"files_changed"`
	CommitCount    int      `json:"commit_count"`
	Commits        []string `json:"commits"`
	StreamLogFile  string   `json:"stream_log_file"`
	DebugLogFile   string   `json:"debug_log_file"`
	RunnerExitCode int      `json:"runner_exit_code"`
	Error          *string  `json:"error"`
}

// BuilderFunc invokes the external VM image builder and returns the
// runner executable's path. Injected so tests can stub VM construction.
type BuilderFunc func(env *vm.BuildEnv) (string, error)

// Orchestrator is the process-wide composition root.
type Orchestrator struct {
	registry *registry.Registry
	slots    *slotmanager.Manager
	bus      *eventbus.Bus
	slotsDir string
	apiToken func() string
	build    BuilderFunc

	mu          sync.Mutex
	tasks       map[string]*task.Task
	supervisors map[string]*vm.Supervisor
}

// Options bundles the Orchestrator's dependencies.
type Options struct {
	Registry    *registry.Registry
	Slots       *slotmanager.Manager
	Bus         *eventbus.Bus
	SlotsDir    string
	APIToken    func() string
	BuildVM     BuilderFunc
}

// New constructs an Orchestrator. Initialization order follows spec 9:
// Registry, SlotManager, and Bus must already exist; New does not
// construct them.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		registry:    opts.Registry,
		slots:       opts.Slots,
		bus:         opts.Bus,
		slotsDir:    opts.SlotsDir,
		apiToken:    opts.APIToken,
		build:       opts.BuildVM,
		tasks:       map[string]*task.Task{},
		supervisors: map[string]*vm.Supervisor{},
	}
}

// errResult is the uniform {"error": "..."} shape returned by every tool
// contract instead of a transport exception.
type errResult struct {
	Error string `json:"error"`
}

func errf(format string, args ...interface{}) map[string]interface{} {
	return map[string]interface{}{"error": fmt.Sprintf(format, args...)}
}

// RunTask implements run_task(description, repo) -> {task_id} | {error}.
func (o *Orchestrator) RunTask(description, repoAlias string) map[string]interface{} {
	repoPath, err := o.registry.Resolve(repoAlias)
	if err != nil {
		return errf("Repo %q not registered", repoAlias)
	}

	if o.apiToken() == "" {
		return errf("no API token set; refusing to start VM without credentials")
	}

	id, err := task.NewID()
	if err != nil {
		return errf("generating task id: %v", err)
	}

	slotVal, err := o.slots.Acquire(repoPath, id)
	if err != nil {
		var busy *slotmanager.ErrAllSlotsBusy
		if as, ok := err.(*slotmanager.ErrAllSlotsBusy); ok {
			busy = as
		}
		out := errf("%v", err)
		if busy != nil {
			out["active"] = busy.Active
		}
		return out
	}

	taskDir := filepath.Join(repoPath, ".microvm", "tasks", id)
	t := task.New(id, repoAlias, repoPath, taskDir)

	o.mu.Lock()
	o.tasks[id] = t
	o.mu.Unlock()

	fail := func(reason string) map[string]interface{} {
		o.slots.Release(slotVal)
		_ = t.MarkFailed(reason, nil)
		o.writeFailureResult(taskDir, reason)
		o.bus.Emit(eventbus.Event{Kind: eventbus.KindFailed, TaskID: id, Error: reason})
		return errf("%s", reason)
	}

	if err := os.MkdirAll(taskDir, 0755); err != nil {
		return fail(fmt.Sprintf("creating task directory: %v", err))
	}
	if err := os.WriteFile(filepath.Join(taskDir, "task.md"), []byte(description), 0644); err != nil {
		return fail(fmt.Sprintf("writing task.md: %v", err))
	}
	if err := os.WriteFile(filepath.Join(taskDir, "task-id"), []byte(task.ShortID(id)), 0644); err != nil {
		return fail(fmt.Sprintf("writing task-id: %v", err))
	}
	if err := t.SetSlot(slotVal); err != nil {
		return fail(fmt.Sprintf("persisting slot: %v", err))
	}

	setup, err := gitengine.SetupIsolatedRepo(repoPath, taskDir)
	if err != nil {
		return fail(fmt.Sprintf("setting up isolated repo: %v", err))
	}
	if err := t.SetStartRef(setup.StartRef, setup.Branch); err != nil {
		return fail(fmt.Sprintf("persisting start ref: %v", err))
	}

	if err := t.MarkRunning(); err != nil {
		return fail(fmt.Sprintf("marking running: %v", err))
	}

	env, err := vm.PrepareSlotEnv(o.slotsDir, slotVal)
	if err != nil {
		return fail(fmt.Sprintf("preparing slot environment: %v", err))
	}
	env.TaskDir = taskDir

	if err := os.WriteFile(filepath.Join(taskDir, ".api-key"), []byte(o.apiToken()), 0600); err != nil {
		return fail(fmt.Sprintf("writing credential file: %v", err))
	}

	runnerPath, err := o.build(env)
	if err != nil {
		return fail(fmt.Sprintf("build failed: %v", err))
	}

	sup := vm.NewSupervisor(taskDir, runnerPath)
	pid, err := sup.Start(func(exitCode int) { o.onVMExit(id, exitCode) })
	if err != nil {
		return fail(fmt.Sprintf("starting vm: %v", err))
	}
	if err := t.SetPID(pid); err != nil {
		return fail(fmt.Sprintf("persisting pid: %v", err))
	}

	o.mu.Lock()
	o.supervisors[id] = sup
	o.mu.Unlock()

	return map[string]interface{}{"task_id": id}
}

func (o *Orchestrator) writeFailureResult(taskDir, reason string) {
	msg := reason
	result := GuestResult{Success: false, Error: &msg}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	_ = atomicfile.WriteFile(filepath.Join(taskDir, "result.json"), data, 0644)
}

// onVMExit is the supervisor exit callback (spec 4.G "Exit callback").
func (o *Orchestrator) onVMExit(id string, exitCode int) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	o.mu.Unlock()
	if !ok {
		return
	}

	repoPath := t.Snapshot().RepoPath
	taskDir := t.Dir()

	result := readGuestResult(taskDir)

	mergeResult := gitengine.MergeBack(repoPath, taskDir, id, t.Snapshot().StartRef, t.Snapshot().Branch)
	writeMergeResult(taskDir, mergeResult)

	o.mu.Lock()
	slotVal := t.Snapshot().Slot
	delete(o.supervisors, id)
	o.mu.Unlock()
	o.slots.Release(slotVal)

	succeeded := result.Success && mergeResult.Reason != "error"
	if succeeded {
		_ = t.MarkCompleted(exitCode)
		o.bus.Emit(eventbus.Event{
			Kind:        eventbus.KindCompleted,
			TaskID:      id,
			Result:      result,
			MergeResult: mergeResult,
			ExitCode:    &exitCode,
		})
		return
	}

	reason := "guest reported failure"
	if result.Error != nil {
		reason = *result.Error
	}
	_ = t.MarkFailed(reason, &exitCode)
	o.slots.Release(slotVal)
	o.bus.Emit(eventbus.Event{
		Kind:        eventbus.KindFailed,
		TaskID:      id,
		Error:       reason,
		ExitCode:    &exitCode,
		Result:      result,
		MergeResult: mergeResult,
	})
}

func readGuestResult(taskDir string) GuestResult {
	data, err := os.ReadFile(filepath.Join(taskDir, "result.json"))
	if err != nil {
		msg := "no result"
		return GuestResult{Success: false, Error: &msg}
	}
	var r GuestResult
	if err := json.Unmarshal(data, &r); err != nil {
		msg := "no result"
		return GuestResult{Success: false, Error: &msg}
	}
	return r
}

func writeMergeResult(taskDir string, mr *gitengine.MergeResult) {
	data, err := json.MarshalIndent(mr, "", "  ")
	if err != nil {
		return
	}
	_ = atomicfile.WriteFile(filepath.Join(taskDir, "merge-result.json"), data, 0644)
}

// GetTaskInfo implements get_task_info(task_id).
func (o *Orchestrator) GetTaskInfo(id string) map[string]interface{} {
	o.mu.Lock()
	t, ok := o.tasks[id]
	o.mu.Unlock()
	if !ok {
		return errf("unknown task %q", id)
	}
	snap := t.Snapshot()

	out := map[string]interface{}{"status": snap.Status}
	if snap.PID != nil {
		out["pid"] = *snap.PID
	}
	if snap.ExitCode != nil {
		out["exit_code"] = *snap.ExitCode
	}
	if data, err := os.ReadFile(filepath.Join(t.Dir(), "result.json")); err == nil {
		var r json.RawMessage = data
		out["result"] = r
	}
	if data, err := os.ReadFile(filepath.Join(t.Dir(), "merge-result.json")); err == nil {
		var r json.RawMessage = data
		out["merge_result"] = r
	}
	return out
}

// GetTaskLogs implements get_task_logs(task_id).
func (o *Orchestrator) GetTaskLogs(id string) map[string]interface{} {
	o.mu.Lock()
	t, ok := o.tasks[id]
	o.mu.Unlock()
	if !ok {
		return errf("unknown task %q", id)
	}
	return map[string]interface{}{"log_path": filepath.Join(t.Dir(), "serial.log")}
}

// WaitNextEvent implements wait_next_event(timeout_ms).
func (o *Orchestrator) WaitNextEvent(ctx context.Context) map[string]interface{} {
	res := o.bus.WaitNext(ctx)
	if res.Cancelled {
		return map[string]interface{}{"cancelled": true}
	}
	if res.Timeout {
		return map[string]interface{}{"timeout": true}
	}
	return map[string]interface{}{
		"type":         res.Event.Kind,
		"task_id":      res.Event.TaskID,
		"result":       res.Event.Result,
		"merge_result": res.Event.MergeResult,
		"error":        res.Event.Error,
		"exit_code":    res.Event.ExitCode,
	}
}

// CleanupTask implements cleanup_task(task_id, delete_ref).
func (o *Orchestrator) CleanupTask(id string, deleteRef bool) map[string]interface{} {
	o.mu.Lock()
	t, ok := o.tasks[id]
	o.mu.Unlock()
	if !ok {
		return errf("unknown task %q", id)
	}
	if t.Status() == task.StatusRunning {
		return errf("task %q is still running", id)
	}

	repoPath := t.Snapshot().RepoPath
	if deleteRef {
		if err := gitengine.DeleteTaskRef(repoPath, id); err != nil {
			return errf("deleting task ref: %v", err)
		}
	}

	if err := os.RemoveAll(t.Dir()); err != nil {
		return errf("removing task directory: %v", err)
	}

	o.mu.Lock()
	delete(o.tasks, id)
	o.mu.Unlock()

	return map[string]interface{}{"success": true}
}

// ListRepos implements list_repos().
func (o *Orchestrator) ListRepos() map[string]interface{} {
	entries, err := o.registry.List()
	if err != nil {
		return errf("listing repos: %v", err)
	}
	return map[string]interface{}{"repos": entries}
}

// ListTasks implements list_tasks().
func (o *Orchestrator) ListTasks() map[string]interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]task.Record, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, t.Snapshot())
	}
	return map[string]interface{}{"tasks": out}
}

// ListSlots implements list_slots().
func (o *Orchestrator) ListSlots() map[string]interface{} {
	st := o.slots.Status()
	return map[string]interface{}{"max": st.Max, "active": st.Active, "available": st.Available}
}

// RecoverOrphans scans every registered repo's .microvm/tasks directory
// for non-terminal task records whose PID is no longer alive, marks them
// failed with reason "orphaned", releases their slots, and emits events
// (spec 4.G "Restart recovery").
func (o *Orchestrator) RecoverOrphans() error {
	entries, err := o.registry.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		tasksRoot := filepath.Join(e.Path, ".microvm", "tasks")
		dirEntries, err := os.ReadDir(tasksRoot)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		for _, de := range dirEntries {
			if !de.IsDir() {
				continue
			}
			taskDir := filepath.Join(tasksRoot, de.Name())
			t, err := task.Load(taskDir)
			if err != nil {
				continue
			}
			if t.IsTerminal() {
				continue
			}
			snap := t.Snapshot()
			if snap.PID != nil && processAlive(*snap.PID) {
				o.mu.Lock()
				o.tasks[snap.ID] = t
				o.mu.Unlock()
				o.slots.Reserve(snap.Slot, snap.ID)
				continue
			}

			_ = t.MarkFailed("orphaned", nil)
			o.slots.Release(snap.Slot)
			o.bus.Emit(eventbus.Event{Kind: eventbus.KindFailed, TaskID: snap.ID, Error: "orphaned"})
		}
	}
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
