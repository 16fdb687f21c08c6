package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/mergequeue/pkg/output"
	"github.com/cuemby/mergequeue/pkg/queue"
	"github.com/cuemby/mergequeue/pkg/recovery"
)

// doctorReport is the operator-facing summary of one doctor run.
type doctorReport struct {
	DataDir        string   `json:"data_dir"`
	StoreRecreated bool     `json:"store_recreated"`
	LockCleared    bool     `json:"lock_cleared"`
	Reclaimed      int      `json:"reclaimed"`
	Scanned        int      `json:"scanned"`
	Workspaces     []string `json:"workspaces,omitempty"`
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose and repair the store: recreate corruption, clear a stale lock, reclaim stale entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadedConfig(cmd)
		if err != nil {
			return err
		}

		store, recreated, err := recovery.Repair(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		repo := queue.New(store)
		stats, lockStale, err := repo.DetectAndRecoverStale(cfg.StaleThreshold)
		if err != nil {
			return err
		}

		report := doctorReport{
			DataDir:        cfg.DataDir,
			StoreRecreated: recreated,
			LockCleared:    lockStale,
			Reclaimed:      stats.Reclaimed,
			Scanned:        stats.Scanned,
			Workspaces:     stats.Workspace,
		}

		if outputJSON(cmd) {
			return output.WriteJSON(os.Stdout, output.New("doctor-response", report))
		}

		output.Fprintln(os.Stdout, "data dir:         %s", report.DataDir)
		output.Fprintln(os.Stdout, "store recreated:  %t", report.StoreRecreated)
		output.Fprintln(os.Stdout, "stale lock found:  %t", report.LockCleared)
		output.Fprintln(os.Stdout, "entries scanned:  %d", report.Scanned)
		output.Fprintln(os.Stdout, "entries reclaimed: %d", report.Reclaimed)
		for _, ws := range report.Workspaces {
			output.Fprintln(os.Stdout, "  - %s", ws)
		}
		return nil
	},
}
