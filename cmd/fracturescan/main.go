// Command fracturescan uploads one scan to the analysis service and prints
// the findings, optionally generating a prescription.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/fracture-scan/backend/internal/config"
	"github.com/fracture-scan/backend/internal/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	file       string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:          "fracturescan",
		Short:        "Analyze spine scans against the fracture analysis service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "fracturescan.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&flags.file, "file", "", "scan to upload (.dcm, .dicom, .jpg, .jpeg, .png)")

	_ = root.MarkPersistentFlagRequired("file")

	root.AddCommand(newAnalyzeCmd(flags), newPrescribeCmd(flags))
	return root
}

func newAnalyzeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Upload a scan and print fracture probabilities and recommendations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			return runScan(cmd.Context(), cfg, scanOptions{File: flags.file}, cmd.OutOrStdout())
		},
	}
}

func newPrescribeCmd(flags *rootFlags) *cobra.Command {
	opts := scanOptions{Prescribe: true}

	cmd := &cobra.Command{
		Use:   "prescribe",
		Short: "Upload a scan and save a generated prescription",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			opts.File = flags.file
			if opts.OutDir == "" {
				opts.OutDir = cfg.Storage.ExportDirectory
			}
			return runScan(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.Patient.Allergies, "allergies", "", "known allergies")
	cmd.Flags().StringVar(&opts.Patient.MedicalHistory, "history", "", "relevant medical history")
	cmd.Flags().StringVar(&opts.OutDir, "out", "", "directory for the prescription file (default: storage.exportDirectory)")
	return cmd
}

func loadConfig(path string) (*config.AppConfig, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	// stdout carries the report
	logger.InitWithOutput(cfg.Advanced.LogLevel, os.Stderr)
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return cfg, nil
}
