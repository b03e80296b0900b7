package adaptor

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/glaciate/snowfall/pkg/models"
)

// FileEncoderFactory opens an encoder writing one batch file at path.
type FileEncoderFactory func(path string, schema *models.SchemaVersion) (FileEncoder, error)

// FileEncoder renders coerced row values into the interchange file. Values
// are aligned to the schema's column order; nil means null.
type FileEncoder interface {
	Write(values []*string) error
	Close() error
}

// ExtOf returns the staging file extension of a format.
func ExtOf(format models.FileFormat) string {
	if format == models.FormatParquet {
		return "parquet"
	}
	return "csv.gz"
}

// ------------------------------------------------------------
// gzip CSV encoder

type csvEncoder struct {
	fd *os.File
	gw *gzip.Writer
	cw *csv.Writer
}

// NewCSVEncoder writes gzip-compressed delimited text. Nulls are written as
// empty fields, matching the warehouse file format's NULL_IF setting.
func NewCSVEncoder(path string, schema *models.SchemaVersion) (FileEncoder, error) {
	fd, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a batch file: %s", path)
	}

	gw := gzip.NewWriter(fd)
	return &csvEncoder{
		fd: fd,
		gw: gw,
		cw: csv.NewWriter(gw),
	}, nil
}

func (x *csvEncoder) Write(values []*string) error {
	fields := make([]string, len(values))
	for i, v := range values {
		if v != nil {
			fields[i] = *v
		}
	}
	if err := x.cw.Write(fields); err != nil {
		return errors.Wrap(err, "failed to write a CSV row")
	}
	return nil
}

func (x *csvEncoder) Close() error {
	x.cw.Flush()
	if err := x.cw.Error(); err != nil {
		return errors.Wrap(err, "failed to flush CSV rows")
	}
	if err := x.gw.Close(); err != nil {
		return errors.Wrap(err, "failed to close gzip stream")
	}
	return x.fd.Close()
}

// ------------------------------------------------------------
// parquet encoder

const parquetRowGroupSize = 16 * 1024 * 1024 // 16MB

type parquetEncoder struct {
	fw source.ParquetFile
	pw *writer.CSVWriter
}

// NewParquetEncoder writes a snappy-compressed parquet file with a schema
// derived from the batch's schema version.
func NewParquetEncoder(path string, schema *models.SchemaVersion) (FileEncoder, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a parquet file: %s", path)
	}

	md := make([]string, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		md = append(md, parquetFieldOf(col))
	}

	pw, err := writer.NewCSVWriter(md, fw, 4)
	if err != nil {
		fw.Close()
		return nil, errors.Wrap(err, "failed to create a parquet writer")
	}
	pw.RowGroupSize = parquetRowGroupSize
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	return &parquetEncoder{fw: fw, pw: pw}, nil
}

func parquetFieldOf(col models.Column) string {
	var typ string
	switch col.Type {
	case models.TypeInteger:
		typ = "type=INT64"
	case models.TypeFloat:
		typ = "type=DOUBLE"
	case models.TypeBoolean:
		typ = "type=BOOLEAN"
	default:
		// string, timestamp and variant columns travel as text
		typ = "type=BYTE_ARRAY, convertedtype=UTF8"
	}
	return fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", col.Name, typ)
}

func (x *parquetEncoder) Write(values []*string) error {
	if err := x.pw.WriteString(values); err != nil {
		return errors.Wrap(err, "failed to write a parquet row")
	}
	return nil
}

func (x *parquetEncoder) Close() error {
	if err := x.pw.WriteStop(); err != nil {
		return errors.Wrap(err, "failed to finalize parquet file")
	}
	return x.fw.Close()
}

// NewFileEncoder picks the encoder for the configured interchange format.
func NewFileEncoder(format models.FileFormat) FileEncoderFactory {
	if format == models.FormatParquet {
		return NewParquetEncoder
	}
	return NewCSVEncoder
}
