package main

import (
	"context"
	"fmt"

	"github.com/cuemby/logship/pkg/buffer"
	"github.com/cuemby/logship/pkg/log"
	"github.com/cuemby/logship/pkg/push"
	"github.com/cuemby/logship/pkg/storage"
	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Run one push cycle over an existing data directory",
	Long: `Seal the live segment and push every sealed segment to the collector,
oldest first. Segments that fail to push stay on disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		log.Init(log.ConfigFor(cfg.Debug, nil))

		store, err := storage.NewSegmentStore(buffer.New(), storage.Options{Dir: cfg.SegmentDir()})
		if err != nil {
			return err
		}
		pusher, err := push.NewPusher(store, push.Options{Endpoint: cfg.Endpoint})
		if err != nil {
			return err
		}

		result := pusher.RunCycle(context.Background())
		fmt.Printf("Rolled live segment: %t\n", result.Rolled)
		fmt.Printf("Pushed: %d\n", result.Pushed)
		fmt.Printf("Failed: %d\n", result.Failed)
		if result.TimedOut {
			fmt.Println("Cycle timed out")
		}
		if result.Err != nil {
			return result.Err
		}
		if result.Failed > 0 {
			return fmt.Errorf("%d segments failed to push", result.Failed)
		}
		return nil
	},
}
