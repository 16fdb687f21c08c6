package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/mergequeue/pkg/config"
	"github.com/cuemby/mergequeue/pkg/events"
	"github.com/cuemby/mergequeue/pkg/gateadapter"
	"github.com/cuemby/mergequeue/pkg/metrics"
	"github.com/cuemby/mergequeue/pkg/output"
	"github.com/cuemby/mergequeue/pkg/queue"
	"github.com/cuemby/mergequeue/pkg/reconciler"
	"github.com/cuemby/mergequeue/pkg/registry"
	"github.com/cuemby/mergequeue/pkg/storage"
	"github.com/cuemby/mergequeue/pkg/vcsadapter"
	"github.com/cuemby/mergequeue/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the queue worker pipeline",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process one queue entry and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		w := buildWorker(cmd, store, cfg, nil)
		out, exitCode := w.RunOnce(cmd.Context())

		if outputJSON(cmd) {
			if werr := output.WriteJSON(os.Stdout, output.New("worker-run-response", out)); werr != nil {
				return werr
			}
		} else {
			output.Fprintln(os.Stdout, "%s", out.Message)
		}
		if exitCode != 0 {
			return fmt.Errorf("worker run exited %d", exitCode)
		}
		return nil
	},
}

var workerLoopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Poll the queue continuously until SIGINT/SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		reg := registry.New(store)
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		reg.SetEventBroker(broker)

		w := buildWorker(cmd, store, cfg, reg)

		repo := queue.New(store)
		repo.SetEventBroker(broker)
		recon := reconciler.NewReconciler(repo, cfg.StaleThreshold, reconciler.DefaultInterval)
		recon.Start()
		defer recon.Stop()

		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			metrics.SetVersion(Version)
			metrics.RegisterComponent("store", true, "open")
			metrics.RegisterComponent("processing_lock", true, "ready")
			metrics.RegisterComponent("gate_runner", true, "ready")
			metrics.RegisterComponent("vcs_adapter", true, "ready")
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				mux.HandleFunc("/health", metrics.HealthHandler())
				mux.HandleFunc("/ready", metrics.ReadyHandler())
				mux.HandleFunc("/live", metrics.LivenessHandler())
				if err := http.ListenAndServe(addr, mux); err != nil {
					output.Fprintln(os.Stderr, "metrics server error: %v", err)
				}
			}()
			output.Fprintln(os.Stdout, "metrics listening on http://%s/metrics", addr)
		}

		exitCode := w.RunLoop(cmd.Context())
		if exitCode != 0 {
			return fmt.Errorf("worker loop exited %d", exitCode)
		}
		return nil
	},
}

// buildWorker assembles a worker.Worker from cmd's flags and cfg, wiring the
// VCS and gate adapters, an optional agent registry, and every worker
// tunable that config/flags can override.
func buildWorker(cmd *cobra.Command, store *storage.Store, cfg config.Config, reg *registry.Registry) *worker.Worker {
	workerID, _ := cmd.Flags().GetString("worker-id")
	workspacesDir, _ := cmd.Flags().GetString("workspaces-dir")
	repoRoot, _ := cmd.Flags().GetString("repo-root")
	mainlineRef, _ := cmd.Flags().GetString("mainline-ref")

	repo := queue.New(store)
	vcs := vcsadapter.New(cfg.VCSBinary, repoRoot, mainlineRef)
	gates := gateadapter.New(cfg.GateBinary)

	return worker.New(worker.Config{
		WorkerID:       workerID,
		Queue:          repo,
		VCS:            vcs,
		Gates:          gates,
		Registry:       reg,
		WorkspacesDir:  workspacesDir,
		LockTTL:        cfg.LockTTL,
		StaleThreshold: cfg.StaleThreshold,
		PollInterval:   cfg.PollInterval,
	})
}

func init() {
	workerCmd.AddCommand(workerRunCmd, workerLoopCmd)

	for _, cmd := range []*cobra.Command{workerRunCmd, workerLoopCmd} {
		cmd.Flags().String("worker-id", "", "Worker id (defaults to hostname-pid)")
		cmd.Flags().String("workspaces-dir", filepath.Join(".", "workspaces"), "Root directory holding agent workspaces")
		cmd.Flags().String("repo-root", ".", "Repository root the VCS adapter runs in")
		cmd.Flags().String("mainline-ref", "main", "Mainline ref entries rebase against")
	}

	workerLoopCmd.Flags().String("metrics-addr", "", "Address to serve /metrics, /health, /ready, /live on (disabled if empty)")
}
