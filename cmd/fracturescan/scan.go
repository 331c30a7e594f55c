package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fracture-scan/backend/internal/analysis"
	"github.com/fracture-scan/backend/internal/config"
	"github.com/fracture-scan/backend/internal/models"
	"github.com/fracture-scan/backend/internal/prescription"
	"github.com/fracture-scan/backend/internal/storage"
	"github.com/fracture-scan/backend/internal/upload"
	"github.com/google/uuid"
)

type scanOptions struct {
	File      string
	Prescribe bool
	Patient   models.PatientContext
	OutDir    string
}

// runScan drives one controller through add, staging, submit and report.
func runScan(ctx context.Context, cfg *config.AppConfig, opts scanOptions, out io.Writer) error {
	data, err := os.ReadFile(opts.File)
	if err != nil {
		return fmt.Errorf("reading scan: %w", err)
	}

	store, err := storage.NewLocalStore(cfg.Storage.StagingDirectory, cfg.Upload.MaxFileSizeBytes)
	if err != nil {
		return err
	}
	client := analysis.NewClient(cfg.Analysis.BaseURL, cfg.AnalysisTimeout())
	ctrl := upload.NewController(uuid.New().String(), upload.OptionsFromConfig(cfg), store, client)
	defer ctrl.Close()

	if err := ctrl.SetPatientContext(opts.Patient); err != nil {
		return err
	}

	_, rejected, err := ctrl.AddFiles([]upload.Selection{{
		Name: filepath.Base(opts.File),
		Size: int64(len(data)),
		Data: data,
	}})
	if err != nil {
		return err
	}
	if len(rejected) > 0 {
		return fmt.Errorf("%s rejected: %s", rejected[0].Name, rejected[0].Reason)
	}

	if err := waitReady(ctx, ctrl); err != nil {
		return err
	}

	submit := ctrl.Analyze
	if opts.Prescribe {
		submit = ctrl.Prescribe
	}
	if err := submit(ctx); err != nil {
		return err
	}

	state := ctrl.Snapshot()
	if state.Error != "" {
		return errors.New(state.Error)
	}
	if err := printReport(out, state); err != nil {
		return err
	}

	if opts.Prescribe && state.ShowPrescription && state.Prescription != nil {
		path, err := prescription.Save(opts.OutDir, *state.Prescription, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nPrescription saved to %s\n", path)
	}
	return nil
}

// waitReady blocks until the file is staged and analyzed-ready, or fails.
func waitReady(ctx context.Context, ctrl *upload.Controller) error {
	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	for {
		state := ctrl.Snapshot()
		if state.CanSubmit {
			return nil
		}
		for _, f := range state.Files {
			if f.Status == models.FileStatusError {
				return fmt.Errorf("staging %s: %s", f.Name, f.Error)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-updates:
			if !open {
				return upload.ErrClosed
			}
		}
	}
}

func printReport(out io.Writer, state models.SessionState) error {
	result := state.Result
	if result == nil {
		return errors.New("no analysis result")
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Highest probability:\t%s (%.1f%%)\n", result.HighestProbabilityFracture.Class, result.HighestProbabilityFracture.Probability*100)
	fmt.Fprintf(w, "Overall fracture risk:\t%.1f%%\n", result.OverallFractureRisk*100)

	fmt.Fprintln(w, "\nLOCATION\tPROBABILITY")
	for _, row := range state.ProbabilityRows {
		fmt.Fprintf(w, "%s\t%d%%\n", row.Name, row.Probability)
	}

	fmt.Fprintln(w, "\nLOCATION\tSEVERITY\tACTION")
	for _, rec := range result.Recommendations {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.Location, rec.Severity, rec.Action)
	}

	fmt.Fprintln(w, "\nSEVERITY\tCOUNT")
	for _, c := range state.SeverityCounts {
		fmt.Fprintf(w, "%s\t%d\n", c.Name, c.Value)
	}
	return w.Flush()
}
