package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mist-health/mdf-pipeline/pkg/common/config"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/detect"
	"github.com/mist-health/mdf-pipeline/pkg/ingestion"
)

func newValidateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Detect the format of a file without processing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readInput(args[0])
			if err != nil {
				return err
			}
			if err := ingestion.NewValidator(cfg.MaxRequestBody, ingestion.DefaultExtensions).Validate(in); err != nil {
				return err
			}
			det, err := detect.New(cfg.DetectMinConfidence).Detect(in)
			if err != nil {
				return err
			}
			rows := [][]string{
				{"file", in.Filename},
				{"format", string(det.Kind)},
				{"confidence", fmt.Sprintf("%.2f", det.Confidence)},
			}
			if det.Reason != "" {
				rows = append(rows, []string{"reason", det.Reason})
			}
			if det.Delimiter != 0 {
				rows = append(rows, []string{"delimiter", fmt.Sprintf("%q", det.Delimiter)})
			}
			if det.NDJSON {
				rows = append(rows, []string{"layout", "ndjson"})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}

func readInput(path string) (models.RawInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.RawInput{}, fmt.Errorf("read %s: %w", path, err)
	}
	return models.RawInput{Filename: filepath.Base(path), Data: data}, nil
}
