package vm

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPrepareSlotEnvCreatesSparseImage(t *testing.T) {
	dir := t.TempDir()

	env, err := PrepareSlotEnv(dir, 3)
	if err != nil {
		t.Fatalf("PrepareSlotEnv: %v", err)
	}
	for _, d := range []string{env.VarDir, env.ContainerDir} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s to exist", d)
		}
	}
	info, err := os.Stat(env.NixStoreImage)
	if err != nil {
		t.Fatalf("expected nix-store.img to exist: %v", err)
	}
	if info.Size() != maxSparseImageBytes {
		t.Fatalf("got size %d, want %d", info.Size(), maxSparseImageBytes)
	}
}

func TestPrepareSlotEnvIdempotent(t *testing.T) {
	dir := t.TempDir()

	if _, err := PrepareSlotEnv(dir, 1); err != nil {
		t.Fatalf("first PrepareSlotEnv: %v", err)
	}
	imgPath := filepath.Join(dir, "1", "nix-store.img")
	if err := os.WriteFile(imgPath, []byte("marker"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := PrepareSlotEnv(dir, 1); err != nil {
		t.Fatalf("second PrepareSlotEnv: %v", err)
	}
	data, err := os.ReadFile(imgPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "marker" {
		t.Fatalf("existing image was overwritten; PrepareSlotEnv must not clobber it")
	}
}

func TestSupervisorStartAndExitCallback(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "runner.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho booting\nexit 7\n"), 0755); err != nil {
		t.Fatal(err)
	}

	s := NewSupervisor(dir, script)
	exitCh := make(chan int, 1)
	pid, err := s.Start(func(code int) { exitCh <- code })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("got pid %d, want positive", pid)
	}

	select {
	case code := <-exitCh:
		if code != 7 {
			t.Fatalf("got exit code %d, want 7", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for exit callback")
	}

	data, err := os.ReadFile(filepath.Join(dir, "serial.log"))
	if err != nil {
		t.Fatalf("reading serial.log: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected serial.log to contain captured output")
	}
}

func TestSupervisorStopSendsSigterm(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "runner.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ntrap 'exit 0' TERM\nsleep 30\n"), 0755); err != nil {
		t.Fatal(err)
	}

	s := NewSupervisor(dir, script)
	exitCh := make(chan int, 1)
	if _, err := s.Start(func(code int) { exitCh <- code }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-exitCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for exit after Stop")
	}
}
