package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencnpj/cnpjsync/internal/config"
	"github.com/opencnpj/cnpjsync/internal/document"
	"github.com/opencnpj/cnpjsync/internal/export"
	"github.com/opencnpj/cnpjsync/internal/storage"
	"github.com/opencnpj/cnpjsync/internal/ui"
	"github.com/opencnpj/cnpjsync/internal/verify"
)

var singleCmd = &cobra.Command{
	Use:     "single",
	GroupID: "tools",
	Short:   "Write the document of one CNPJ to the output directory",
	Example: `  cnpjsync single --cnpj 12345678000190
  cnpjsync single --cnpj 12.345.678/0001-90`,
	Run: func(cmd *cobra.Command, args []string) {
		raw, _ := cmd.Flags().GetString("cnpj")
		id := document.CleanID(raw)
		if !document.ValidID(id) {
			fmt.Fprintf(os.Stderr, "Error: --cnpj must have 14 digits, got %q\n", raw)
			os.Exit(1)
		}

		a := newApp()
		defer a.close()

		path, err := a.orchestrator().ExportSingle(a.ctx, id, cfg.Paths.Output)
		if errors.Is(err, export.ErrEntityNotFound) {
			a.fail("CNPJ %s not found", id)
		}
		if err != nil {
			a.fail("%v", err)
		}
		fmt.Printf("%s %s\n", ui.RenderPass("✓"), path)
	},
}

var testCmd = &cobra.Command{
	Use:     "test",
	GroupID: "tools",
	Short:   "Check a random sample of published documents",
	Long: `Regenerate a sample of documents locally and compare them with the copies
in the storage backend. Entities with partners and with Simples records are
always included, the rest of the sample is random.

Outcomes: match, mismatch (content differs) or error (missing remotely or
could not be generated). Exits non-zero unless every sample matched.`,
	Run: func(cmd *cobra.Command, args []string) {
		count, _ := cmd.Flags().GetInt("count")
		if count <= 0 {
			count = cfg.Verify.SampleSize
		}

		a := newApp()
		defer a.close()

		report, err := a.verifier(count).Run(a.ctx)
		if err != nil {
			a.fail("%v", err)
		}

		for _, s := range report.Samples {
			switch s.Outcome {
			case verify.Match:
				fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), s.ID, ui.RenderMuted(s.LocalHash))
			case verify.Mismatch:
				fmt.Printf("%s %s local %s remote %s\n", ui.RenderFail("✗"), s.ID, s.LocalHash, s.RemoteHash)
			default:
				fmt.Printf("%s %s %s\n", ui.RenderWarn("⚠"), s.ID, s.Note)
			}
		}
		fmt.Printf("\n%s %d match, %d mismatch, %d error (%s)\n", ui.Status(report.Passed),
			report.Count(verify.Match), report.Count(verify.Mismatch), report.Count(verify.Error), report.Backend)
		if !report.Passed {
			a.close()
			os.Exit(1)
		}
	},
}

var zipCmd = &cobra.Command{
	Use:     "zip",
	GroupID: "tools",
	Short:   "Write the bulk zip of every document",
	Run: func(cmd *cobra.Command, args []string) {
		publish, _ := cmd.Flags().GetBool("publish-info")

		a := newApp()
		defer a.close()

		o := a.orchestrator()
		out := filepath.Join(cfg.Paths.Output, export.ArchiveName(time.Now()))
		info, err := o.ExportArchive(a.ctx, out)
		if err != nil {
			a.fail("%v", err)
		}
		fmt.Printf("%s %s: %d documents, %s\n", ui.RenderPass("✓"), info.Path, info.Entries, ui.FormatBytes(info.Size))

		if !publish {
			return
		}
		meta, err := o.PublishInfo(a.ctx, info.Path, cfg.Export.ZipURL)
		if err != nil {
			a.fail("%v", err)
		}
		fmt.Printf("%s %s published: total %d, md5 %s\n", ui.RenderPass("✓"), export.InfoFile, meta.Total, meta.ZipMD5)
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "tools",
	Short:   "Show the effective configuration and check the directories",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s Directories\n", ui.RenderAccent("🔧"))
		ok := true
		for _, dir := range cfg.Dirs() {
			err := os.MkdirAll(dir, 0755)
			if err == nil {
				err = config.CheckWritable(dir)
			}
			if err != nil {
				ok = false
				fmt.Printf("   %s %s %s\n", ui.RenderFail("✗"), dir, ui.RenderMuted(err.Error()))
				continue
			}
			fmt.Printf("   %s %s\n", ui.RenderPass("✓"), dir)
		}

		out, err := cfg.Redacted().TOML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n%s Effective configuration\n\n%s\n", ui.RenderAccent("📄"), out)

		if check, _ := cmd.Flags().GetBool("probe-storage"); check {
			selector := storage.NewSelectorFromConfig(cfg, logs.Logger("storage"))
			backend, err := selector.Get(cmd.Context())
			if err != nil {
				fmt.Printf("%s Storage: %v\n", ui.RenderWarn("⚠"), err)
			} else {
				fmt.Printf("%s Storage: %s available\n", ui.RenderPass("✓"), backend.Name())
			}
		}

		if !ok {
			os.Exit(1)
		}
	},
}

func init() {
	singleCmd.Flags().StringP("cnpj", "c", "", "CNPJ (14 digits, punctuation allowed)")
	_ = singleCmd.MarkFlagRequired("cnpj")
	testCmd.Flags().IntP("count", "n", 0, "Sample size (default from config)")
	zipCmd.Flags().Bool("publish-info", false, "Also upload info.json describing the archive")
	configCmd.Flags().Bool("probe-storage", false, "Probe the storage backends")

	rootCmd.AddCommand(singleCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(zipCmd)
	rootCmd.AddCommand(configCmd)
}
