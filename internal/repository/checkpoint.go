package repository

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/guregu/dynamo"
	"github.com/pkg/errors"
)

// CheckpointRepository persists the last emitted checkpoint token so a
// subsequent run can resume from it.
type CheckpointRepository interface {
	// Resume returns the saved token, or nil when no resume point exists.
	Resume() (json.RawMessage, error)
	Save(token json.RawMessage) error
}

// ------------------------------------------------------------
// DynamoDB implementation

const checkpointPartitionKey = "checkpoint"

type checkpointRecord struct {
	PK        string    `dynamo:"pk"`
	Token     []byte    `dynamo:"token"`
	UpdatedAt time.Time `dynamo:"updated_at"`
}

// CheckpointDynamoDB stores the resume point in a DynamoDB table, for runs
// where the loader host itself is disposable.
type CheckpointDynamoDB struct {
	table dynamo.Table
}

// NewCheckpointDynamoDB creates a DynamoDB-backed repository.
func NewCheckpointDynamoDB(region, tableName string) *CheckpointDynamoDB {
	ssn := session.Must(session.NewSession(&aws.Config{Region: aws.String(region)}))
	db := dynamo.New(ssn)
	return &CheckpointDynamoDB{table: db.Table(tableName)}
}

// Resume fetches the saved token.
func (x *CheckpointDynamoDB) Resume() (json.RawMessage, error) {
	var record checkpointRecord
	if err := x.table.Get("pk", checkpointPartitionKey).One(&record); err != nil {
		if err == dynamo.ErrNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get checkpoint record")
	}
	return record.Token, nil
}

// Save overwrites the resume point.
func (x *CheckpointDynamoDB) Save(token json.RawMessage) error {
	record := checkpointRecord{
		PK:        checkpointPartitionKey,
		Token:     token,
		UpdatedAt: time.Now().UTC(),
	}
	if err := x.table.Put(record).Run(); err != nil {
		return errors.Wrap(err, "failed to put checkpoint record")
	}
	return nil
}

// ------------------------------------------------------------
// local file implementation

// CheckpointFile stores the resume point in a local file for single-host
// runs. Writes are atomic via rename.
type CheckpointFile struct {
	path string
}

// NewCheckpointFile creates a file-backed repository.
func NewCheckpointFile(path string) *CheckpointFile {
	return &CheckpointFile{path: path}
}

// Resume reads the saved token.
func (x *CheckpointFile) Resume() (json.RawMessage, error) {
	raw, err := ioutil.ReadFile(x.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read checkpoint file: %s", x.path)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

// Save overwrites the resume point.
func (x *CheckpointFile) Save(token json.RawMessage) error {
	tmp := x.path + ".tmp"
	if err := ioutil.WriteFile(tmp, token, 0644); err != nil {
		return errors.Wrapf(err, "failed to write checkpoint file: %s", tmp)
	}
	if err := os.Rename(tmp, x.path); err != nil {
		return errors.Wrapf(err, "failed to replace checkpoint file: %s", x.path)
	}
	return nil
}
