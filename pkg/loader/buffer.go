package loader

import (
	"time"

	"github.com/google/uuid"

	"github.com/glaciate/snowfall/pkg/models"
)

type openBatch struct {
	records  []*models.Record
	bytes    int64
	openedAt time.Time
}

// BatchBuffer accumulates records per stream until a row, byte or latency
// threshold seals a batch. Row and byte thresholds are checked on every
// insert; the latency threshold is driven by the pipeline tick.
type BatchBuffer struct {
	maxRows  int
	maxBytes int64
	maxAge   time.Duration

	open      map[string]*openBatch
	seals     map[string]int64
	recordSeq int64
}

// NewBatchBuffer creates an empty buffer with the given thresholds.
func NewBatchBuffer(maxRows int, maxBytes int64, maxAge time.Duration) *BatchBuffer {
	return &BatchBuffer{
		maxRows:  maxRows,
		maxBytes: maxBytes,
		maxAge:   maxAge,
		open:     map[string]*openBatch{},
		seals:    map[string]int64{},
	}
}

// Add appends a record to the stream's open batch and returns the sealed
// batch when the insert crosses a row or byte threshold, nil otherwise.
func (x *BatchBuffer) Add(schema *models.Schema, data map[string]interface{}) *models.Batch {
	x.recordSeq++
	record := &models.Record{
		Stream: schema.Stream,
		Seq:    x.recordSeq,
		Data:   data,
	}

	batch, ok := x.open[schema.Stream]
	if !ok {
		batch = &openBatch{openedAt: time.Now()}
		x.open[schema.Stream] = batch
	}

	batch.records = append(batch.records, record)
	batch.bytes += record.EstimateSize()

	if len(batch.records) >= x.maxRows || batch.bytes >= x.maxBytes {
		return x.seal(schema)
	}
	return nil
}

// SealStream seals the stream's open batch regardless of thresholds, e.g.
// before applying a schema change. Returns nil when nothing is buffered.
func (x *BatchBuffer) SealStream(schema *models.Schema) *models.Batch {
	if batch, ok := x.open[schema.Stream]; !ok || len(batch.records) == 0 {
		return nil
	}
	return x.seal(schema)
}

// SealAged seals every open batch older than the latency threshold.
func (x *BatchBuffer) SealAged(now time.Time, schemaOf func(stream string) *models.Schema) []*models.Batch {
	var sealed []*models.Batch
	for stream, batch := range x.open {
		if len(batch.records) > 0 && now.Sub(batch.openedAt) >= x.maxAge {
			sealed = append(sealed, x.seal(schemaOf(stream)))
		}
	}
	return sealed
}

// SealAll seals every non-empty open batch. Called at end of input so the
// unsealed tail is never dropped.
func (x *BatchBuffer) SealAll(schemaOf func(stream string) *models.Schema) []*models.Batch {
	var sealed []*models.Batch
	for stream, batch := range x.open {
		if len(batch.records) > 0 {
			sealed = append(sealed, x.seal(schemaOf(stream)))
		}
	}
	return sealed
}

// Len returns the number of records buffered for a stream.
func (x *BatchBuffer) Len(stream string) int {
	if batch, ok := x.open[stream]; ok {
		return len(batch.records)
	}
	return 0
}

func (x *BatchBuffer) seal(schema *models.Schema) *models.Batch {
	batch := x.open[schema.Stream]
	delete(x.open, schema.Stream)

	x.seals[schema.Stream]++
	return &models.Batch{
		ID:       uuid.New().String(),
		Stream:   schema.Stream,
		Seq:      x.seals[schema.Stream],
		Schema:   schema.Snapshot(),
		Records:  batch.records,
		Bytes:    batch.bytes,
		SealedAt: time.Now(),
	}
}
