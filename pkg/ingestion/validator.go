package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

var (
	errEmptyPayload     = errors.New("missing data payload")
	errPayloadTooLarge  = errors.New("payload too large")
	errMissingFilename  = errors.New("filename required")
	errInvalidExtension = errors.New("invalid file extension")
)

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// Validator checks an upload before a dataset is created for it. Format
// detection is left to the pipeline.
type Validator struct {
	maxBytes          int64
	allowedExtensions map[string]struct{}
}

func NewValidator(maxBytes int64, extensions []string) *Validator {
	ve := make(map[string]struct{})
	for _, ext := range extensions {
		if trimmed := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(ext)), "."); trimmed != "" {
			ve[trimmed] = struct{}{}
		}
	}
	return &Validator{maxBytes: maxBytes, allowedExtensions: ve}
}

func (v *Validator) Validate(in models.RawInput) error {
	if v == nil {
		return ValidationError{reason: errors.New("validator not initialised")}
	}
	if strings.TrimSpace(in.Filename) == "" {
		return ValidationError{reason: errMissingFilename}
	}
	if len(in.Data) == 0 {
		return ValidationError{reason: errEmptyPayload}
	}
	if v.maxBytes > 0 && int64(len(in.Data)) > v.maxBytes {
		return ValidationError{reason: fmt.Errorf("%d bytes exceeds %d: %w", len(in.Data), v.maxBytes, errPayloadTooLarge)}
	}
	if len(v.allowedExtensions) > 0 {
		ext := in.Extension()
		if _, ok := v.allowedExtensions[ext]; !ok {
			return ValidationError{reason: fmt.Errorf("extension '%s' not accepted: %w", ext, errInvalidExtension)}
		}
	}
	return nil
}
