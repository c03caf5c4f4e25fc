package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/lucasew/convcache/internal/app"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Runs one GC sweep",
	Long: `Checks the eviction policies and evicts entries when the cache is over its
limits. --delta forces eviction of at least that many KB regardless of policies.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := cmd.Flags().GetInt64("delta")
		if err != nil {
			return err
		}

		client, err := remoteClient()
		if err != nil {
			return err
		}

		var freed, sizeKB int64
		if client != nil {
			if delta > 0 {
				return fmt.Errorf("--delta is only supported on the local cache")
			}
			s, err := client.GC(cmd.Context())
			if err != nil {
				return err
			}
			if s.FreedKB != nil {
				freed = *s.FreedKB
			}
			sizeKB = s.Cache.SizeKB
		} else {
			c, err := app.OpenCache(cmd.Context(), cacheConfig())
			if err != nil {
				return err
			}
			defer c.Close()
			if delta > 0 {
				freed = c.GC.DoGC(delta)
			} else {
				freed = c.GC.GCIfNeeded()
			}
			sizeKB = c.Holder.SizeKB()
		}

		if freed == 0 {
			color.Green("Nothing to evict, cache is %s", humanizeKB(sizeKB))
			return nil
		}
		color.Yellow("Freed %s, cache is now %s", humanizeKB(freed), humanizeKB(sizeKB))
		return nil
	},
}

func humanizeKB(kb int64) string {
	if kb < 0 {
		kb = 0
	}
	return humanize.IBytes(uint64(kb) * 1024)
}

func init() {
	rootCmd.AddCommand(gcCmd)

	gcCmd.Flags().Int64("delta", 0, "Evict at least this many KB")
}
