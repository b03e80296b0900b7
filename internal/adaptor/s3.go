package adaptor

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3ClientFactory is the S3Client constructor interface.
type S3ClientFactory func(region string) S3Client

// S3Client is the narrow slice of the AWS S3 SDK the stage uploader needs.
type S3Client interface {
	PutObject(input *s3.PutObjectInput) (*s3.PutObjectOutput, error)
	DeleteObjects(input *s3.DeleteObjectsInput) (*s3.DeleteObjectsOutput, error)
}

// NewS3Client creates the actual AWS S3 SDK client.
func NewS3Client(region string) S3Client {
	ssn := session.Must(session.NewSession(&aws.Config{Region: aws.String(region)}))
	return s3.New(ssn)
}
