package pipeline

import (
	"sort"

	"github.com/mist-health/mdf-pipeline/pkg/common/dates"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

// summarise fills the data categories and event year range of a dataset.
func summarise(meta *models.DatasetMetadata, records []*models.Record) {
	cats := make(map[string]bool)
	var lo, hi string
	for _, rec := range records {
		for _, c := range rec.Categories() {
			cats[c] = true
		}
		for _, y := range rec.EventYears() {
			if !dates.IsYear(y) {
				continue
			}
			if lo == "" || y < lo {
				lo = y
			}
			if y > hi {
				hi = y
			}
		}
	}
	meta.DataCategories = make([]string, 0, len(cats))
	for c := range cats {
		meta.DataCategories = append(meta.DataCategories, c)
	}
	sort.Strings(meta.DataCategories)
	meta.DateRangeStart, meta.DateRangeEnd = lo, hi
}
