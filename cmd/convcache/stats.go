package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/convcache"
	"github.com/lucasew/convcache/internal/app"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Shows cache and GC counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := remoteClient()
		if err != nil {
			return err
		}

		var s convcache.Stats
		if client != nil {
			s, err = client.Stats(cmd.Context())
			if err != nil {
				return err
			}
		} else {
			c, err := app.OpenCache(cmd.Context(), cacheConfig())
			if err != nil {
				return err
			}
			defer c.Close()
			s.Cache = c.Holder.Stats()
			gc := c.GC.Stats()
			s.GC = &gc
		}
		return printStats(s)
	},
}

func printStats(s convcache.Stats) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"Metric", "Value"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.PerColumn = []tw.Align{tw.AlignLeft, tw.AlignRight}
	})

	data := [][]string{
		{"Entries", strconv.Itoa(s.Cache.Entries)},
		{"Size", humanizeKB(s.Cache.SizeKB)},
		{"Hits", strconv.FormatInt(s.Cache.Hits, 10)},
		{"Misses", strconv.FormatInt(s.Cache.Misses, 10)},
		{"Adds", strconv.FormatInt(s.Cache.Adds, 10)},
		{"Failed adds", strconv.FormatInt(s.Cache.FailedAdds, 10)},
		{"Removals", strconv.FormatInt(s.Cache.Removals, 10)},
	}
	if s.GC != nil {
		lastRun := "never"
		if !s.GC.LastRun.IsZero() {
			lastRun = humanize.Time(s.GC.LastRun)
		}
		data = append(data,
			[]string{"GC running", strconv.FormatBool(s.GC.Running)},
			[]string{"GC calls", strconv.FormatInt(s.GC.GCCalls, 10)},
			[]string{"GC runs", strconv.FormatInt(s.GC.GCRuns, 10)},
			[]string{"Last GC", lastRun},
			[]string{"Last freed", humanizeKB(s.GC.LastFreedKB)},
			[]string{"Total freed", humanizeKB(s.GC.TotalFreedKB)},
		)
	}

	if err := table.Bulk(data); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Printf("Snapshot taken %s\n", time.Now().Format(time.RFC3339))
	return err
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
