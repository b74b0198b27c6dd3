package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/conductor/internal/agent"
	"github.com/joescharf/conductor/internal/api"
	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/control"
	"github.com/joescharf/conductor/internal/daemon"
	"github.com/joescharf/conductor/internal/models"
	"github.com/joescharf/conductor/internal/stream"
	"github.com/joescharf/conductor/internal/workflow"
)

var (
	serveDetach bool
	serveStop   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conductor daemon",
	Long: `Run the conductor daemon: the agent manager, workflow engine, and
stream buffers, exposed over an HTTP API on localhost. All other conductor
commands talk to this process.

By default it listens on port 8399. Use --port to change it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveStop {
			return serveStopRun()
		}
		if serveDetach {
			return serveDetachRun()
		}
		return serveRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8399, "port to listen on")
	serveCmd.Flags().BoolVarP(&serveDetach, "detach", "d", false, "run the daemon in the background")
	serveCmd.Flags().BoolVar(&serveStop, "stop", false, "stop a running daemon")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

// buildPlane assembles the control plane from configuration: store,
// backend client, and registered workflow templates.
func buildPlane(ctx context.Context) (*control.Plane, error) {
	st, err := getStore()
	if err != nil {
		return nil, err
	}

	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("no Anthropic API key configured (set anthropic.api_key or ANTHROPIC_API_KEY)")
	}
	client := backend.NewAnthropicClient(apiKey, viper.GetString("agent.model"))

	plane := control.New(control.Config{
		Agent: agent.Config{
			MaxConcurrent:     viper.GetInt("agent.max_concurrent"),
			DependencyTimeout: viper.GetDuration("agent.dependency_timeout"),
			ProjectID:         viper.GetString("project_id"),
			Cwd:               viper.GetString("cwd"),
			DefaultModel:      viper.GetString("agent.model"),
			DefaultSandbox:    models.SandboxPolicy(viper.GetString("agent.sandbox")),
			DefaultApproval:   models.ApprovalPolicy(viper.GetString("agent.approval")),
		},
		Workflow: workflow.Config{
			ApprovalTimeout: viper.GetDuration("workflow.approval_timeout"),
			MaxAgentOutput:  viper.GetInt("workflow.max_agent_output"),
		},
		Stream: stream.Config{
			DebounceInterval: viper.GetDuration("stream.debounce"),
			MaxSessions:      viper.GetInt("stream.max_sessions"),
			MaxBufferBytes:   viper.GetInt("stream.max_buffer_bytes"),
		},
		CommandQueueDepth: viper.GetInt("workflow.command_queue_depth"),
		CommandTimeout:    viper.GetDuration("workflow.command_timeout"),
	}, client, st)

	registerTemplates(plane)

	if err := plane.Restore(ctx); err != nil {
		ui.Warning("could not restore previous state: %v", err)
	}
	return plane, nil
}

// registerTemplates loads user workflow templates from templates_dir into
// the builtin provider. Missing directory is fine.
func registerTemplates(plane *control.Plane) {
	provider, ok := plane.Templates.(*workflow.BuiltinProvider)
	if !ok {
		return
	}
	dir := viper.GetString("templates_dir")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		tmpl, err := workflow.LoadTemplateFile(filepath.Join(dir, e.Name()))
		if err != nil {
			ui.Warning("skipping template %s: %v", e.Name(), err)
			continue
		}
		provider.Register(tmpl)
		ui.VerboseLog("registered template %s", tmpl.Name)
	}
}

func serveRun(ctx context.Context) error {
	stateDir := viper.GetString("state_dir")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	pidFile := daemon.NewPIDFile(filepath.Join(stateDir, "conductor.pid"))
	if pid, running := pidFile.IsRunning(); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	plane, err := buildPlane(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if dataStore != nil {
			_ = dataStore.Close()
		}
	}()

	if err := pidFile.Write(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = pidFile.Remove() }()

	srv := &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", viper.GetInt("port")),
		Handler: api.NewServer(plane).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		ui.Info("conductor daemon listening on http://%s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-sigCtx.Done():
	}

	ui.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		ui.Warning("http shutdown: %v", err)
	}
	if err := plane.Persist(shutdownCtx); err != nil {
		ui.Warning("final snapshot: %v", err)
	}
	plane.Streams.Reset()
	return nil
}

// serveDetachRun re-execs the daemon in its own session and returns.
func serveDetachRun() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	child := exec.Command(exe, "serve", "--port", fmt.Sprint(viper.GetInt("port")))
	child.Stdout = nil
	child.Stderr = nil
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	ui.Success("conductor daemon started (pid %d)", child.Process.Pid)
	return nil
}

func serveStopRun() error {
	pidFile := daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "conductor.pid"))
	pid, err := pidFile.Read()
	if err != nil {
		return fmt.Errorf("no running daemon found: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop daemon (pid %d): %w", pid, err)
	}
	ui.Success("sent shutdown signal to daemon (pid %d)", pid)
	return nil
}
