package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencnpj/cnpjsync/internal/pipeline"
	"github.com/opencnpj/cnpjsync/internal/ui"
)

var pipelineCmd = &cobra.Command{
	Use:     "pipeline",
	GroupID: "run",
	Short:   "Run the full refresh: fetch, convert, export, verify, archive, publish",
	Long: `Run every stage of the monthly refresh in order:

  1. fetch         download and extract the release archives
  2. convert       convert the CSV files to parquet and load the tables
  3. export        regenerate documents and upload the ones that changed
  4. verify        compare a sample of published documents with fresh ones
  5. archive       write the bulk zip of every document
  6. publish-info  upload info.json describing the archive

A stage error stops the run. Failed shards, corrupt archives and verification
mismatches are reported but do not stop it.`,
	Run: func(cmd *cobra.Command, args []string) {
		month, _ := cmd.Flags().GetString("month")
		skipFetch, _ := cmd.Flags().GetBool("skip-fetch")
		skipConvert, _ := cmd.Flags().GetBool("skip-convert")
		skipVerify, _ := cmd.Flags().GetBool("skip-verify")
		skipArchive, _ := cmd.Flags().GetBool("skip-archive")

		a := newApp()
		defer a.close()

		opts := pipeline.Options{
			Converter:   a.openEngine(false),
			Tables:      a.registry.CSVTables(),
			Views:       a.registry.Tables(),
			ExtractDir:  cfg.Paths.Extracted,
			ParquetDir:  cfg.Paths.Parquet,
			ArchiveDir:  cfg.Paths.Output,
			ZipURL:      cfg.Export.ZipURL,
			SkipFetch:   skipFetch,
			SkipConvert: skipConvert,
			SkipVerify:  skipVerify,
			SkipArchive: skipArchive,
			RunID:       runID,
			Observer:    a.observer,
			Logger:      logs.Logger("pipeline"),
		}
		if !skipFetch {
			opts.Fetcher = a.fetcher()
		}
		opts.Exporter = a.orchestrator()
		if !skipVerify {
			opts.Verifier = a.verifier(cfg.Verify.SampleSize)
		}

		p, err := pipeline.New(opts)
		if err != nil {
			a.fail("%v", err)
		}

		fmt.Printf("%s Pipeline run %s\n", ui.RenderAccent("🚀"), p.RunID())
		report, err := p.Run(a.ctx, month)
		if report != nil {
			printStages(report)
		}
		if err != nil {
			a.fail("%v", err)
		}
		if !report.OK() {
			fmt.Printf("\n%s Pipeline finished with failures in %v\n", ui.RenderWarn("⚠"), report.Duration.Round(time.Second))
			return
		}
		fmt.Printf("\n%s Pipeline complete in %v\n", ui.RenderPass("✓"), report.Duration.Round(time.Second))
	},
}

func printStages(report *pipeline.Report) {
	fmt.Println()
	for i, s := range report.Stages {
		marker := ui.Status(s.OK)
		if s.Skipped {
			marker = ui.RenderMuted("-")
		}
		fmt.Printf("%s %d. %-13s %s %s\n", marker, i+1, s.Name, s.Summary,
			ui.RenderMuted(s.Duration.Round(time.Millisecond).String()))
	}
}

func init() {
	pipelineCmd.Flags().StringP("month", "m", "", "Release month YYYY-MM (default: current month)")
	pipelineCmd.Flags().Bool("skip-fetch", false, "Use the files already extracted")
	pipelineCmd.Flags().Bool("skip-convert", false, "Use the parquet files already converted")
	pipelineCmd.Flags().Bool("skip-verify", false, "Skip the sampled integrity check")
	pipelineCmd.Flags().Bool("skip-archive", false, "Skip the bulk zip and info.json")

	rootCmd.AddCommand(pipelineCmd)
}
