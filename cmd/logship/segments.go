package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/logship/pkg/buffer"
	"github.com/cuemby/logship/pkg/storage"
	"github.com/spf13/cobra"
)

var segmentsCmd = &cobra.Command{
	Use:   "segments",
	Short: "List live and sealed segments",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := storage.NewSegmentStore(buffer.New(), storage.Options{Dir: cfg.SegmentDir()})
		if err != nil {
			return err
		}
		stats, err := store.Stats()
		if err != nil {
			return err
		}
		segments, err := store.Segments()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSEALED\tSIZE")
		if stats.LiveBytes > 0 {
			fmt.Fprintf(w, "%s\t-\t%d\n", storage.LiveSegmentName, stats.LiveBytes)
		}
		for _, seg := range segments {
			fmt.Fprintf(w, "%s\t%s\t%d\n", seg.Name, seg.Timestamp.UTC().Format(time.RFC3339), seg.Size)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Printf("\n%d sealed segments, %d bytes sealed, %d bytes live\n",
			stats.SealedSegments, stats.SealedBytes, stats.LiveBytes)
		return nil
	},
}
