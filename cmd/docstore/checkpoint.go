package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Run one checkpoint cycle now instead of waiting for the background scheduler",
	Long: `checkpoint runs the same cycle the background scheduler runs on
cfg.wal.checkpoint_interval: if enough WAL entries have accumulated
since the last checkpoint, it snapshots every registered collection to
its storage adapter, records the watermark in the checkpoint registry,
and truncates the WAL prefix the checkpoint makes redundant. If the
manager reports a checkpoint isn't yet due, this is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath(cmd))
		if err != nil {
			return err
		}

		inst, err := buildInstance(cfg)
		if err != nil {
			return fmt.Errorf("build instance: %w", err)
		}
		defer inst.wal.Close()
		defer inst.registry.Close()

		if err := inst.checkpoint.RunOnce(); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		fmt.Printf("✓ checkpoint complete, wal sequence %d\n", inst.manager.LastSequence())
		return nil
	},
}
