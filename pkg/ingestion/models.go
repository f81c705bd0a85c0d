package ingestion

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/pipeline"
)

const (
	EventDatasetSubmitted = "dataset.submitted"
	eventSource           = "ingestion-service"
)

// DefaultExtensions are the upload extensions accepted when none are
// configured.
var DefaultExtensions = []string{"csv", "tsv", "txt", "json", "ndjson", "hl7", "fhir"}

// jobPayload is the event body for a submitted dataset. The salt never
// travels with the job.
func jobPayload(j pipeline.Job) map[string]interface{} {
	return map[string]interface{}{
		"dataset_id": j.DatasetID,
		"filename":   j.Input.Filename,
		"data":       base64.StdEncoding.EncodeToString(j.Input.Data),
	}
}

// JobFromEvent decodes a dataset.submitted event back into a job.
func JobFromEvent(e models.Event) (pipeline.Job, error) {
	if e.Type != EventDatasetSubmitted {
		return pipeline.Job{}, fmt.Errorf("unexpected event type %q", e.Type)
	}
	id, _ := e.Data["dataset_id"].(string)
	filename, _ := e.Data["filename"].(string)
	encoded, _ := e.Data["data"].(string)
	if id == "" {
		return pipeline.Job{}, errors.New("event has no dataset_id")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("decode payload: %w", err)
	}
	return pipeline.Job{DatasetID: id, Input: models.RawInput{Filename: filename, Data: data}}, nil
}
