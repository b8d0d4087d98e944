package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencnpj/cnpjsync/internal/ui"
)

var fetchCmd = &cobra.Command{
	Use:     "fetch",
	GroupID: "stages",
	Short:   "Download and extract the release archives of a month",
	Run: func(cmd *cobra.Command, args []string) {
		month, _ := cmd.Flags().GetString("month")

		a := newApp()
		defer a.close()

		start := time.Now()
		report, err := a.fetcher().Run(a.ctx, month)
		if err != nil {
			a.fail("%v", err)
		}

		downloaded := 0
		for _, r := range report.Archives {
			if !r.Skipped {
				downloaded++
			}
		}
		fmt.Printf("%s %s: %d archives, %d downloaded in %v\n", ui.RenderPass("✓"),
			report.Period, len(report.Archives), downloaded, time.Since(start).Round(time.Second))

		x := report.Extract
		if x.Skipped {
			fmt.Printf("   Extraction skipped: files already in %s\n", cfg.Paths.Extracted)
			return
		}
		fmt.Printf("   Extracted: %d\n", len(x.Extracted))
		for _, c := range x.Corrupt {
			fmt.Printf("   %s corrupt: %s\n", ui.RenderWarn("⚠"), c)
		}
		for path, err := range x.Failed {
			fmt.Printf("   %s %s: %v\n", ui.RenderFail("✗"), path, err)
		}
	},
}

var convertCmd = &cobra.Command{
	Use:     "convert",
	GroupID: "stages",
	Short:   "Convert the extracted CSV files to parquet",
	Run: func(cmd *cobra.Command, args []string) {
		a := newApp()
		defer a.close()

		e := a.openEngine(false)
		report, err := e.ConvertCSV(a.ctx, cfg.Paths.Extracted, cfg.Paths.Parquet, a.registry.CSVTables())
		if err != nil {
			a.fail("%v", err)
		}
		views := e.LoadViews(a.ctx, cfg.Paths.Parquet, a.registry.Tables())

		fmt.Printf("%s Conversion complete\n", ui.RenderPass("✓"))
		fmt.Printf("   Converted: %v\n", report.Converted)
		fmt.Printf("   Up to date: %v\n", report.Skipped)
		if len(report.Missing) > 0 {
			fmt.Printf("   %s No CSV files: %v\n", ui.RenderWarn("⚠"), report.Missing)
		}
		fmt.Printf("   Tables loaded: %d/%d\n", views, len(a.registry.Tables()))
	},
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "stages",
	Short:   "Export every shard and upload the changed documents",
	Long: `Regenerate the document of every entity shard by shard, compare each
against the hash cache and upload only new or changed documents to the
configured storage backend. The hash cache is backed up afterwards.

Exits non-zero if any shard failed; rerunning retries only what is missing.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := newApp()
		defer a.close()

		report, err := a.orchestrator().Run(a.ctx)
		if err != nil {
			a.fail("%v", err)
		}
		if report.SyncSkipped {
			fmt.Printf("%s No storage backend available, sync skipped\n", ui.RenderWarn("⚠"))
			return
		}

		lat := report.ShardLatency()
		fmt.Printf("%s Export to %s in %v\n", ui.Status(report.OK()), report.Backend, report.Elapsed.Round(time.Second))
		fmt.Printf("   Uploaded: %d\n", report.Uploaded())
		fmt.Printf("   Unchanged: %d\n", report.Unchanged())
		fmt.Printf("   Shard time: p50 %v, p95 %v, max %v\n",
			lat.P50.Round(time.Millisecond), lat.P95.Round(time.Millisecond), lat.Max.Round(time.Millisecond))
		if report.BackupErr != nil {
			fmt.Printf("   %s Hash cache backup: %v\n", ui.RenderWarn("⚠"), report.BackupErr)
		}
		for _, s := range report.Failed() {
			fmt.Printf("   %s shard %s: %v\n", ui.RenderFail("✗"), s.Shard, s.Err)
		}
		if !report.OK() {
			a.close()
			os.Exit(1)
		}
	},
}

func init() {
	fetchCmd.Flags().StringP("month", "m", "", "Release month YYYY-MM (default: current month)")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(exportCmd)
}
