package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohans/auditx/internal/compliance"
)

var (
	auditOut    string
	auditStrict bool
)

var auditCmd = &cobra.Command{
	Use:   "audit <config.xml>",
	Short: "Audit one configuration export and print the report",
	Long: `Runs the full pipeline synchronously for a single document: parse the
XML export, load the control catalog, evaluate every entry, and write the
JSON report to stdout or --out.`,
	Example: `  auditx audit firewall.xml
  auditx audit --strict --out report.json firewall.xml`,
	Args: cobra.ExactArgs(1),
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringVarP(&auditOut, "out", "o", "", "write the report to this file")
	auditCmd.Flags().BoolVar(&auditStrict, "strict", false, "fail on the first evaluation error")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if auditStrict {
		cfg.Evaluator.Policy = string(compliance.PolicyStrict)
	}

	path := args[0]
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if err := compliance.ValidateUpload(filepath.Base(path), info.Size(), 0); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	pipeline, err := buildPipeline(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	report, err := pipeline.Audit(cmd.Context(), data, func(percent int, message string) {
		fmt.Fprintf(cmd.ErrOrStderr(), "[%3d%%] %s\n", percent, message)
	})
	if err != nil {
		return err
	}

	out, err := sonic.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if auditOut == "" {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return err
	}
	if err := os.WriteFile(auditOut, append(out, '\n'), 0o644); err != nil {
		return err
	}
	log.Info("report written",
		zap.String("path", auditOut),
		zap.Int("verdicts", len(report.Verdicts)),
	)
	return nil
}
