package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/skald"
	"github.com/user/skald/internal/config"
	"github.com/user/skald/internal/pipeline"
)

var (
	genDuration int
	genRate     int
)

var genCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate synthetic log load against the configured sinks",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = "skald.yaml"
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		ctx := context.Background()
		eng, err := pipeline.Build(ctx, cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		fmt.Printf("Generating ~%d records/s for %d seconds...\n", genRate, genDuration)

		levels := []skald.Level{
			skald.LevelDebug, skald.LevelInfo, skald.LevelInfo,
			skald.LevelInfo, skald.LevelWarn, skald.LevelError,
		}
		interval := time.Second / time.Duration(genRate)
		deadline := time.Now().Add(time.Duration(genDuration) * time.Second)

		count := 0
		start := time.Now()
		for time.Now().Before(deadline) {
			eng.Log(levels[rand.Intn(len(levels))], "synthetic event", map[string]interface{}{
				"seq":     count,
				"worker":  rand.Intn(8),
				"latency": rand.Float64() * 250,
			})
			count++
			time.Sleep(interval)
		}

		elapsed := time.Since(start)
		drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		eng.Flush(drainCtx)

		fmt.Printf("\nGenerated %d records in %v (%.0f/s)\n", count, elapsed, float64(count)/elapsed.Seconds())
		for name, st := range eng.Stats() {
			fmt.Printf("  %-14s delivered=%d dropped=%d queue=%d\n", name, st.Delivered, st.Dropped, st.QueueDepth)
		}
		return nil
	},
}

func init() {
	genCmd.Flags().IntVarP(&genDuration, "duration", "d", 10, "Duration of load generation in seconds")
	genCmd.Flags().IntVarP(&genRate, "rate", "r", 1000, "Target records per second")
	rootCmd.AddCommand(genCmd)
}
