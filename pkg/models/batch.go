package models

import (
	"fmt"
	"strings"
	"time"
)

// Record is one row of a stream in input order.
type Record struct {
	Stream string
	Seq    int64
	Data   map[string]interface{}
}

// EstimateSize is a cheap byte-size estimate used for the batch size
// threshold. It intentionally avoids marshaling.
func (x *Record) EstimateSize() int64 {
	size := int64(16)
	for k, v := range x.Data {
		size += int64(len(k))
		switch val := v.(type) {
		case string:
			size += int64(len(val))
		case nil:
			size += 4
		default:
			size += 8
		}
	}
	return size
}

// Batch is a sealed, ordered group of records for one stream. It is
// immutable once sealed and owned by the pipeline until its load commits.
type Batch struct {
	ID       string
	Stream   string
	Seq      int64 // per-stream seal sequence, 1-based
	Schema   *SchemaVersion
	Records  []*Record
	Bytes    int64
	SealedAt time.Time
}

// StagedFile is the materialized, optionally encrypted artifact of one
// batch sitting on object storage.
type StagedFile struct {
	Bucket          string
	Key             string
	Rows            int
	Size            int64
	SHA256          string
	SchemaVersionID string
	Encrypted       bool
}

// Location returns the s3:// URL of the staged object.
func (x *StagedFile) Location() string {
	return fmt.Sprintf("s3://%s/%s", x.Bucket, x.Key)
}

// StageKey builds the deterministic staging key of a batch file:
// {prefix}/{stream}/{schema-version-id}/{batch-id}.{ext}
// Re-uploading the same batch lands on the same key, which keeps retries
// idempotent before the commit point.
func StageKey(prefix, stream, schemaVersionID, batchID, ext string) string {
	prefix = strings.Trim(prefix, "/")
	parts := []string{stream, schemaVersionID, batchID + "." + ext}
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return strings.Join(parts, "/")
}
