package loader

import (
	"io"
	"time"

	"github.com/glaciate/snowfall/internal/adaptor"
	"github.com/glaciate/snowfall/internal/encrypt"
	"github.com/glaciate/snowfall/internal/repository"
	"github.com/glaciate/snowfall/internal/service"
	"github.com/glaciate/snowfall/pkg/models"
)

// Config is the tuning surface of one loader run.
type Config struct {
	S3Region string
	S3Bucket string
	S3Prefix string

	// Interchange format of staged files and the name of the warehouse-side
	// file format object describing it.
	Format         models.FileFormat
	FileFormatName string

	// Batch seal thresholds; the first one crossed wins.
	MaxRows    int
	MaxBytes   int64
	MaxLatency time.Duration

	// Base64 256-bit master key. Empty disables client-side encryption.
	MasterKey string

	// MaxInFlight bounds concurrently processed batches across all streams.
	MaxInFlight int

	RetryLimit       int
	MaterializeRetry int

	// KeepStagedFiles leaves staged objects for warehouse-side expiry
	// instead of deleting them after commit.
	KeepStagedFiles bool
}

// Arguments wires configuration, IO and collaborator factories for one run.
// Tests swap the factories for mocks.
type Arguments struct {
	Config

	// Input carries newline-delimited messages; Output receives committed
	// checkpoint tokens, one per line, in input order.
	Input  io.Reader
	Output io.Writer

	NewS3          adaptor.S3ClientFactory         `json:"-"`
	Warehouse      adaptor.WarehouseClient         `json:"-"`
	NewEncoder     adaptor.FileEncoderFactory      `json:"-"`
	CheckpointRepo repository.CheckpointRepository `json:"-"`
}

func (x *Arguments) applyDefaults() {
	if x.MaxRows <= 0 {
		x.MaxRows = 100000
	}
	if x.MaxBytes <= 0 {
		x.MaxBytes = 100 * 1024 * 1024
	}
	if x.MaxLatency <= 0 {
		x.MaxLatency = time.Minute
	}
	if x.MaxInFlight <= 0 {
		x.MaxInFlight = 4
	}
	if x.RetryLimit <= 0 {
		x.RetryLimit = 5
	}
	if x.MaterializeRetry <= 0 {
		x.MaterializeRetry = 2
	}
	if x.Format == "" {
		x.Format = models.FormatCSV
	}
}

// StageService builds the stage uploader, with envelope encryption when a
// master key is configured.
func (x *Arguments) StageService() (*service.StageService, error) {
	var envelope *encrypt.Envelope
	if x.MasterKey != "" {
		env, err := encrypt.NewEnvelope(x.MasterKey)
		if err != nil {
			return nil, err
		}
		envelope = env
	}

	newS3 := x.NewS3
	if newS3 == nil {
		newS3 = adaptor.NewS3Client
	}

	svc := service.NewStageService(newS3, x.S3Region, x.S3Bucket, x.S3Prefix, envelope)
	svc.RetryLimit = x.RetryLimit
	return svc, nil
}

// TableService builds the schema evolution and load service.
func (x *Arguments) TableService() *service.TableService {
	svc := service.NewTableService(x.Warehouse)
	svc.RetryLimit = x.RetryLimit
	return svc
}

func (x *Arguments) newEncoder() adaptor.FileEncoderFactory {
	if x.NewEncoder != nil {
		return x.NewEncoder
	}
	return adaptor.NewFileEncoder(x.Format)
}

func (x *Arguments) formatDescriptor() models.FormatDescriptor {
	return models.FormatDescriptor{
		Format: x.Format,
		Name:   x.FileFormatName,
	}
}
