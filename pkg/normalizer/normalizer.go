// Package normalizer turns parsed inputs into canonical MDF records.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mist-health/mdf-pipeline/pkg/common/logger"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/terminology"
)

const DefaultChunkSize = 500

type Normalizer struct {
	catalog   terminology.Catalog
	chunkSize int
}

func New(cat terminology.Catalog, chunkSize int) *Normalizer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Normalizer{catalog: cat, chunkSize: chunkSize}
}

type NormalizeInput struct {
	Source    *Source
	Mapping   models.FieldMapping
	DatasetID string
}

// Chunk is a contiguous run of source units and the records they produced.
type Chunk struct {
	Index       int
	Records     []*models.Record
	Processed   int
	Dropped     int
	DropReasons map[string]int
}

// ChunkIterator walks a source in chunks, preserving unit order.
type ChunkIterator struct {
	transformer *Transformer
	units       []unit
	size        int
	pos         int
	index       int
	log         *logrus.Entry
}

func (n *Normalizer) Chunks(in NormalizeInput) (*ChunkIterator, error) {
	if in.Source == nil {
		return nil, errors.New("normalizer: nil source")
	}
	return &ChunkIterator{
		transformer: NewTransformer(n.catalog, in.Mapping),
		units:       in.Source.units,
		size:        n.chunkSize,
		log: logger.ForDataset(in.DatasetID).WithFields(logrus.Fields{
			"phase":  "normalizing",
			"format": in.Source.Format,
		}),
	}, nil
}

// Next returns the next chunk, or io.EOF once the source is exhausted.
func (it *ChunkIterator) Next(ctx context.Context) (*Chunk, error) {
	if it.pos >= len(it.units) {
		return nil, io.EOF
	}
	end := min(it.pos+it.size, len(it.units))
	chunk := &Chunk{Index: it.index, DropReasons: make(map[string]int)}
	for i := it.pos; i < end; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := it.transformer.Transform(it.units[i])
		chunk.Processed++
		if err != nil {
			var rerr *rowError
			if !errors.As(err, &rerr) {
				return nil, fmt.Errorf("unit %d: %w", i+1, err)
			}
			chunk.Dropped++
			chunk.DropReasons[rerr.reason]++
			it.log.WithField("unit", i+1).WithError(err).Debug("dropping malformed record")
			continue
		}
		chunk.Records = append(chunk.Records, rec)
	}
	it.pos = end
	it.index++
	return chunk, nil
}

// Result is the outcome of normalizing a whole source.
type Result struct {
	Records     []*models.Record
	Total       int
	Normalized  int
	Dropped     int
	DropReasons map[string]int
	Warnings    []string
}

// Add folds a chunk into the result.
func (r *Result) Add(c *Chunk) {
	if r.DropReasons == nil {
		r.DropReasons = make(map[string]int)
	}
	r.Records = append(r.Records, c.Records...)
	r.Normalized += len(c.Records)
	r.Dropped += c.Dropped
	for k, v := range c.DropReasons {
		r.DropReasons[k] += v
	}
}

// Normalize runs the whole source in one pass.
func (n *Normalizer) Normalize(ctx context.Context, in NormalizeInput) (*Result, error) {
	it, err := n.Chunks(in)
	if err != nil {
		return nil, err
	}
	res := &Result{Total: in.Source.Total(), DropReasons: make(map[string]int)}
	for {
		chunk, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		res.Add(chunk)
	}
	if w := MalformedWarning(res.Total, res.Dropped, res.DropReasons); w != "" {
		res.Warnings = append(res.Warnings, w)
	}
	it.log.WithFields(logrus.Fields{
		"total":      res.Total,
		"normalized": res.Normalized,
		"dropped":    res.Dropped,
	}).Info("normalization complete")
	return res, nil
}

// MalformedWarning summarises dropped rows by reason, or returns "" when
// nothing was dropped.
func MalformedWarning(total, dropped int, reasons map[string]int) string {
	if dropped == 0 {
		return ""
	}
	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %d", k, reasons[k])
	}
	return models.Warning(models.KindMalformedRecord, "%d of %d rows dropped (%s)", dropped, total, strings.Join(parts, ", "))
}
