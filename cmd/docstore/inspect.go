package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print collection, WAL, and checkpoint state without starting any background loop",
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

		fmt.Printf("WAL sequence: %d\n", inst.manager.LastSequence())
		fmt.Printf("Checkpoint due: %v\n", inst.manager.ShouldCheckpoint())
		fmt.Println()
		fmt.Println("Collections:")
		for name, e := range inst.collections {
			fmt.Printf("  - %s: %d records (%s storage)\n", name, e.coll.Len(), e.adapter.Kind())

			rec, ok, err := inst.registry.Last(name)
			if err != nil {
				return fmt.Errorf("read checkpoint for %s: %w", name, err)
			}
			if ok {
				fmt.Printf("      last checkpoint: id=%s watermark=%d\n", rec.ID, rec.PersistedSequence)
			} else {
				fmt.Printf("      last checkpoint: none\n")
			}
		}
		return nil
	},
}
