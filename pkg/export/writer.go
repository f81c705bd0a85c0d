package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

type Format string

const (
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatFHIR    Format = "fhir"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV, FormatParquet, FormatFHIR:
		return f, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatParquet:
		return "application/vnd.apache.parquet"
	case FormatFHIR:
		return "application/fhir+json"
	}
	return "application/json"
}

func (f Format) Extension() string {
	if f == FormatFHIR {
		return "fhir.json"
	}
	return string(f)
}

// Write renders doc in the given format.
func Write(w io.Writer, f Format, doc *models.Document) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, doc.Records)
	case FormatParquet:
		return WriteParquet(w, doc.Records)
	case FormatFHIR:
		return WriteFHIR(w, doc)
	}
	return WriteJSON(w, doc)
}

func WriteJSON(w io.Writer, doc *models.Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func WriteCSV(w io.Writer, records []models.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range Rows(records) {
		if err := cw.Write(r.strings()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteParquet(w io.Writer, records []models.Record) error {
	pw := parquet.NewGenericWriter[Row](w)
	if _, err := pw.Write(Rows(records)); err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}
