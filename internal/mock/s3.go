package mock

import (
	"errors"
	"io/ioutil"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/glaciate/snowfall/internal/adaptor"
)

type s3Object struct {
	body []byte
	meta map[string]string
}

// S3Store is an on-memory object storage shared by mock clients.
type S3Store struct {
	mu       sync.Mutex
	data     map[string]map[string]s3Object
	putCount int
}

// NewS3Store creates an empty store.
func NewS3Store() *S3Store {
	return &S3Store{data: map[string]map[string]s3Object{}}
}

// NewClient is an adaptor.S3ClientFactory bound to the store.
func (x *S3Store) NewClient(region string) adaptor.S3Client {
	return &s3Client{store: x}
}

// Object returns a stored object body.
func (x *S3Store) Object(bucket, key string) ([]byte, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	obj, ok := x.data[bucket][key]
	return obj.body, ok
}

// Metadata returns the metadata of a stored object.
func (x *S3Store) Metadata(bucket, key string) map[string]string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.data[bucket][key].meta
}

// Keys lists stored keys of a bucket.
func (x *S3Store) Keys(bucket string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	var keys []string
	for k := range x.data[bucket] {
		keys = append(keys, k)
	}
	return keys
}

// PutCount returns how many PutObject calls succeeded.
func (x *S3Store) PutCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.putCount
}

type s3Client struct {
	store *S3Store
}

// PutObject saves bytes and metadata to memory.
func (x *s3Client) PutObject(input *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
	raw, err := ioutil.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{}
	for k, v := range input.Metadata {
		meta[k] = aws.StringValue(v)
	}

	x.store.mu.Lock()
	defer x.store.mu.Unlock()

	bucket, ok := x.store.data[*input.Bucket]
	if !ok {
		bucket = map[string]s3Object{}
		x.store.data[*input.Bucket] = bucket
	}
	bucket[*input.Key] = s3Object{body: raw, meta: meta}
	x.store.putCount++

	return &s3.PutObjectOutput{}, nil
}

// DeleteObjects removes stored objects from memory.
func (x *s3Client) DeleteObjects(input *s3.DeleteObjectsInput) (*s3.DeleteObjectsOutput, error) {
	x.store.mu.Lock()
	defer x.store.mu.Unlock()

	bucket, ok := x.store.data[*input.Bucket]
	if !ok {
		return nil, errors.New(s3.ErrCodeNoSuchKey)
	}

	for _, obj := range input.Delete.Objects {
		delete(bucket, *obj.Key)
	}

	return &s3.DeleteObjectsOutput{}, nil
}
