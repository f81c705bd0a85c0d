package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mist-health/mdf-pipeline/pkg/common/config"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/dataset"
	"github.com/mist-health/mdf-pipeline/pkg/deid"
	"github.com/mist-health/mdf-pipeline/pkg/export"
	"github.com/mist-health/mdf-pipeline/pkg/pipeline"
)

type normalizeOptions struct {
	out    string
	format string
	key    string
	salt   string
}

func newNormalizeCommand(cfg *config.Config) *cobra.Command {
	opts := normalizeOptions{key: cfg.PseudonymKey}

	cmd := &cobra.Command{
		Use:   "normalize <file>",
		Short: "Run the full pipeline on a file and write the de-identified result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize(cmd, cfg, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Output file (defaults to stdout)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "json", "Output format: json, csv, parquet or fhir")
	cmd.Flags().StringVar(&opts.key, "key", opts.key, "Pseudonymization key (defaults to PSEUDONYM_KEY)")
	cmd.Flags().StringVar(&opts.salt, "salt", "", "Dataset salt; a random one is generated when empty")

	return cmd
}

func runNormalize(cmd *cobra.Command, cfg *config.Config, opts normalizeOptions, path string) error {
	format, err := export.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	if opts.key == "" {
		return fmt.Errorf("a pseudonymization key is required (--key or PSEUDONYM_KEY)")
	}
	in, err := readInput(path)
	if err != nil {
		return err
	}

	p, err := deid.NewHMACPseudonymizer(opts.key)
	if err != nil {
		return err
	}
	store := dataset.NewMemoryStore()
	orch, err := pipeline.Build(cfg, store, p, deid.NewMemorySalts(), nil)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	id := uuid.NewString()
	now := time.Now().UTC()
	if err := store.Create(ctx, &models.DatasetMetadata{
		ID:        id,
		Filename:  in.Filename,
		Status:    models.StatusUploaded,
		Warnings:  []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return err
	}

	out, err := orch.Run(ctx, pipeline.Job{DatasetID: id, Input: in, Salt: opts.salt})
	stderr := cmd.ErrOrStderr()
	if out != nil {
		printSummary(stderr, out)
	}
	if err != nil {
		return err
	}

	records := make([]models.Record, len(out.Records))
	for i, r := range out.Records {
		records[i] = *r
	}
	doc := &models.Document{
		Version:     models.MDFVersion,
		GeneratedAt: now,
		DatasetID:   id,
		Metadata:    out.Metadata,
		Records:     records,
	}

	var w io.Writer = cmd.OutOrStdout()
	if opts.out != "" {
		f, err := os.Create(opts.out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := export.Write(w, format, doc); err != nil {
		return fmt.Errorf("write %s: %w", format, err)
	}
	if opts.out != "" {
		fmt.Fprintf(stderr, "wrote %d records to %s\n", len(records), opts.out)
	}
	return nil
}

func printSummary(w io.Writer, out *pipeline.Outcome) {
	meta := out.Metadata
	if len(meta.FieldMappings.Entries) > 0 {
		rows := make([][]string, 0, len(meta.FieldMappings.Entries))
		for _, e := range meta.FieldMappings.Entries {
			target := e.Target
			if target == "" {
				target = "-"
			}
			rows = append(rows, []string{e.Source, target, string(e.Method), fmt.Sprintf("%.2f", e.Confidence)})
		}
		fmt.Fprintln(w, renderTable([]string{"Source", "Target", "Method", "Confidence"}, rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight}))
	}

	rows := [][]string{
		{"status", string(meta.Status)},
		{"format", string(meta.Format)},
		{"records", fmt.Sprintf("%d of %d", meta.NormalizedRecords, meta.TotalRecords)},
		{"confidence", fmt.Sprintf("%.2f", meta.ConfidenceScore)},
	}
	if len(meta.DataCategories) > 0 {
		rows = append(rows, []string{"categories", strings.Join(meta.DataCategories, ", ")})
	}
	if meta.DateRangeStart != "" {
		rows = append(rows, []string{"years", meta.DateRangeStart + "-" + meta.DateRangeEnd})
	}
	if meta.Reason != "" {
		rows = append(rows, []string{"reason", meta.Reason})
	}
	for _, warn := range meta.Warnings {
		rows = append(rows, []string{"warning", warn})
	}
	fmt.Fprintln(w, renderTable([]string{"Field", "Value"}, rows, nil))
}
