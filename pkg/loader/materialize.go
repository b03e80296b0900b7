package loader

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/glaciate/snowfall/internal/adaptor"
	"github.com/glaciate/snowfall/pkg/models"
)

// Materialize renders a sealed batch into one file at a temporary path in
// the snapshot's column order. The caller owns the returned path.
func Materialize(batch *models.Batch, newEncoder adaptor.FileEncoderFactory) (string, error) {
	fd, err := ioutil.TempFile("", "batch-*")
	if err != nil {
		return "", errors.Wrap(err, "failed to create a temp batch file")
	}
	fd.Close()
	path := fd.Name()

	encoder, err := newEncoder(path, batch.Schema)
	if err != nil {
		os.Remove(path)
		return "", err
	}

	for _, record := range batch.Records {
		values, err := coerceRecord(batch.Schema, record)
		if err != nil {
			encoder.Close()
			os.Remove(path)
			return "", err
		}
		if err := encoder.Write(values); err != nil {
			encoder.Close()
			os.Remove(path)
			return "", err
		}
	}

	if err := encoder.Close(); err != nil {
		os.Remove(path)
		return "", err
	}

	return path, nil
}

// coerceRecord aligns a record to the schema's column order. Missing fields
// become null, except primary key fields which must be present.
func coerceRecord(schema *models.SchemaVersion, record *models.Record) ([]*string, error) {
	fields := make(map[string]interface{}, len(record.Data))
	for k, v := range record.Data {
		fields[strings.ToUpper(k)] = v
	}

	values := make([]*string, len(schema.Columns))
	for i, col := range schema.Columns {
		value, ok := fields[strings.ToUpper(col.Name)]
		if !ok || value == nil {
			if col.PrimaryKey {
				return nil, &models.MaterializationError{
					Stream: schema.Stream,
					Column: col.Name,
					Reason: "primary key field is missing",
				}
			}
			continue
		}

		coerced, err := coerceValue(schema.Stream, col, value)
		if err != nil {
			return nil, err
		}
		values[i] = coerced
	}

	return values, nil
}

func coerceValue(stream string, col models.Column, value interface{}) (*string, error) {
	fail := func(reason string) (*string, error) {
		return nil, &models.MaterializationError{
			Stream: stream,
			Column: col.Name,
			Value:  value,
			Reason: reason,
		}
	}

	switch col.Type {
	case models.TypeInteger:
		switch v := value.(type) {
		case float64:
			if v != float64(int64(v)) {
				return fail("fractional value for integer column")
			}
			return strPtr(strconv.FormatInt(int64(v), 10)), nil
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return strPtr(strconv.FormatInt(i, 10)), nil
			}
			return fail("not an integer")
		case string:
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				return fail("not an integer")
			}
			return strPtr(v), nil
		}
		return fail("unsupported value for integer column")

	case models.TypeFloat:
		switch v := value.(type) {
		case float64:
			return strPtr(strconv.FormatFloat(v, 'g', -1, 64)), nil
		case json.Number:
			return strPtr(v.String()), nil
		case string:
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return fail("not a number")
			}
			return strPtr(v), nil
		}
		return fail("unsupported value for float column")

	case models.TypeBoolean:
		switch v := value.(type) {
		case bool:
			return strPtr(strconv.FormatBool(v)), nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return strPtr(strconv.FormatBool(b)), nil
			}
			return fail("not a boolean")
		}
		return fail("unsupported value for boolean column")

	case models.TypeTimestamp:
		switch v := value.(type) {
		case string:
			ts, err := parseTimestamp(v)
			if err != nil {
				return fail("unparsable timestamp")
			}
			return strPtr(ts.UTC().Format(time.RFC3339Nano)), nil
		case float64:
			// Unix seconds with optional fraction.
			sec := int64(v)
			nsec := int64((v - float64(sec)) * 1e9)
			return strPtr(time.Unix(sec, nsec).UTC().Format(time.RFC3339Nano)), nil
		}
		return fail("unsupported value for timestamp column")

	case models.TypeVariant:
		raw, err := json.Marshal(value)
		if err != nil {
			return fail("value is not JSON-serializable")
		}
		return strPtr(string(raw)), nil

	default: // string
		switch v := value.(type) {
		case string:
			return strPtr(v), nil
		case float64, bool, json.Number:
			return strPtr(fmt.Sprintf("%v", v)), nil
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return fail("unsupported value for string column")
		}
		return strPtr(string(raw)), nil
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.Errorf("unknown timestamp layout: %s", s)
}

func strPtr(s string) *string { return &s }
