package ingestion

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

const multipartMemory = 8 << 20

// readUpload accepts either a multipart form with a "file" part or a raw
// body named by the filename query parameter or X-Filename header.
func readUpload(r *http.Request) (models.RawInput, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return models.RawInput{}, err
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return models.RawInput{}, fmt.Errorf("form field \"file\": %w", err)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return models.RawInput{}, err
		}
		return models.RawInput{Filename: cleanFilename(header.Filename), Data: data}, nil
	}

	name := r.URL.Query().Get("filename")
	if name == "" {
		name = r.Header.Get("X-Filename")
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return models.RawInput{}, err
	}
	return models.RawInput{Filename: cleanFilename(name), Data: data}, nil
}

func cleanFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	return filepath.Base(name)
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
