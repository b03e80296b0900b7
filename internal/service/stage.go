package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io/ioutil"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/glaciate/snowfall/internal"
	"github.com/glaciate/snowfall/internal/adaptor"
	"github.com/glaciate/snowfall/internal/encrypt"
	"github.com/glaciate/snowfall/internal/retry"
	"github.com/glaciate/snowfall/pkg/models"
)

var logger = internal.Logger

// Metadata keys carrying the wrapped data key next to an encrypted staged
// object, following the S3 client-side encryption convention.
const (
	metaKeyWrappedKey = "X-Amz-Key"
	metaKeyMatDesc    = "X-Amz-Matdesc"
)

// StageService uploads materialized batch files to the object-storage
// staging location under deterministic keys, optionally encrypting first.
type StageService struct {
	newS3    adaptor.S3ClientFactory
	region   string
	bucket   string
	prefix   string
	envelope *encrypt.Envelope

	RetryLimit int
}

// NewStageService creates a StageService. envelope may be nil for
// plaintext staging.
func NewStageService(newS3 adaptor.S3ClientFactory, region, bucket, prefix string,
	envelope *encrypt.Envelope) *StageService {

	return &StageService{
		newS3:      newS3,
		region:     region,
		bucket:     bucket,
		prefix:     prefix,
		envelope:   envelope,
		RetryLimit: 5,
	}
}

// Upload stages the batch file at path. The key embeds the stream, schema
// version and batch ID, so a retried upload overwrites the same object with
// identical content.
func (x *StageService) Upload(path string, batch *models.Batch, ext string) (*models.StagedFile, error) {
	checksum, err := fileChecksum(path)
	if err != nil {
		return nil, err
	}

	staged := &models.StagedFile{
		Bucket:          x.bucket,
		Key:             models.StageKey(x.prefix, batch.Stream, batch.Schema.ID, batch.ID, ext),
		Rows:            len(batch.Records),
		SHA256:          checksum,
		SchemaVersionID: batch.Schema.ID,
	}

	metadata := map[string]*string{}
	uploadPath := path
	if x.envelope != nil {
		encPath := path + ".enc"
		material, err := x.envelope.EncryptFile(path, encPath)
		if err != nil {
			return nil, err
		}
		defer os.Remove(encPath)

		uploadPath = encPath
		staged.Encrypted = true
		metadata[metaKeyWrappedKey] = aws.String(material.WrappedKey)
		metadata[metaKeyMatDesc] = aws.String(material.Description)
	}

	body, err := ioutil.ReadFile(uploadPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read a batch file: %s", uploadPath)
	}
	staged.Size = int64(len(body))

	client := x.newS3(x.region)
	input := &s3.PutObjectInput{
		Bucket: aws.String(staged.Bucket),
		Key:    aws.String(staged.Key),
	}
	if len(metadata) > 0 {
		input.Metadata = metadata
	}

	err = retry.Do(x.RetryLimit, func(attempt int) error {
		if attempt > 0 {
			logger.WithFields(logrus.Fields{
				"key":     staged.Key,
				"attempt": attempt,
			}).Warn("Retrying staged file upload")
		}
		input.Body = bytes.NewReader(body)
		_, err := client.PutObject(input)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to upload staged file: %s", staged.Location())
	}

	logger.WithFields(logrus.Fields{
		"location": staged.Location(),
		"rows":     staged.Rows,
		"bytes":    staged.Size,
	}).Debug("Uploaded staged file")

	return staged, nil
}

// Delete removes a staged file after its load committed. Best effort: the
// warehouse-side stage expiry handles leftovers.
func (x *StageService) Delete(file *models.StagedFile) error {
	client := x.newS3(x.region)
	input := &s3.DeleteObjectsInput{
		Bucket: aws.String(file.Bucket),
		Delete: &s3.Delete{
			Objects: []*s3.ObjectIdentifier{{Key: aws.String(file.Key)}},
		},
	}
	if _, err := client.DeleteObjects(input); err != nil {
		return errors.Wrapf(err, "failed to delete staged file: %s", file.Location())
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read a batch file: %s", path)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
