package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mvorch/microvm-orchestrator/internal/eventbus"
	"github.com/mvorch/microvm-orchestrator/internal/orchconfig"
	"github.com/mvorch/microvm-orchestrator/internal/orchestrator"
	"github.com/mvorch/microvm-orchestrator/internal/registry"
	"github.com/mvorch/microvm-orchestrator/internal/slotmanager"
	"github.com/mvorch/microvm-orchestrator/internal/toolserver"
	"github.com/mvorch/microvm-orchestrator/internal/vm"
)

// builderEnvVar names the environment variable pointing at the external
// declarative VM builder executable (out of scope per the spec; we only
// invoke it).
const builderEnvVar = "MICROVM_ORCHESTRATOR_BUILDER"

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP tool server in the foreground",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override the listen address (default: config or 127.0.0.1:8765)")
}

func runServe(cmd *cobra.Command, args []string) error {
	lock := registry.HostLock(orchconfig.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring host lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another serve instance is already running (lock held at %s)", orchconfig.LockPath())
	}
	defer lock.Unlock()

	reg := openRegistry()
	slots, err := slotmanager.New(orchconfig.MaxSlots(), orchconfig.SlotAssignmentsPath())
	if err != nil {
		return fmt.Errorf("initializing slot manager: %w", err)
	}
	bus := eventbus.New()

	orc := orchestrator.New(orchestrator.Options{
		Registry: reg,
		Slots:    slots,
		Bus:      bus,
		SlotsDir: orchconfig.SlotsDir(),
		APIToken: orchconfig.APIToken,
		BuildVM:  buildVMViaExternalBuilder,
	})

	if err := orc.RecoverOrphans(); err != nil {
		return fmt.Errorf("recovering orphaned tasks: %w", err)
	}

	addr := serveAddr
	if addr == "" {
		addr = orchconfig.Addr()
	}

	srv := &http.Server{Addr: addr, Handler: toolserver.New(orc).Handler()}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func buildVMViaExternalBuilder(env *vm.BuildEnv) (string, error) {
	builder := os.Getenv(builderEnvVar)
	if builder == "" {
		builder = "microvm-builder"
	}
	return vm.BuildVM(builder, env)
}
