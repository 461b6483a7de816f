package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/petrodata/petrodb/core/logger"
)

// S3Configuration contains the configuration for the S3 driver
type S3Configuration struct {
	AccessID      string
	AccessKey     string
	AWSRegion     string
	AWSBucketName string
	KeyPrefix     string
}

// S3 is the AWS S3 implementation of the content store
type S3 struct {
	client      *s3.Client
	uploader    *manager.Uploader
	bucket      string
	baseKeyName string
}

// NewS3 returns a new S3 driver
func NewS3(blobConfig S3Configuration) (*S3, error) {
	if blobConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	cfg, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(blobConfig.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(blobConfig.AccessID, blobConfig.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("S3 content store enabled:", blobConfig.AWSBucketName)
	client := s3.NewFromConfig(cfg)
	return &S3{
		client:      client,
		uploader:    manager.NewUploader(client),
		bucket:      blobConfig.AWSBucketName,
		baseKeyName: blobConfig.KeyPrefix,
	}, nil
}

// Upload stores content under the key, replacing what was there.
func (s *S3) Upload(ctx context.Context, key string, contentType string, data io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.baseKeyName + key),
		ContentType: aws.String(contentType),
		Body:        data,
	})
	return err
}

// Download writes the content stored under the key to w.
func (s *S3) Download(ctx context.Context, key string, w io.Writer) (string, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	defer output.Body.Close()
	contentType := ""
	if output.ContentType != nil {
		contentType = *output.ContentType
	}
	_, err = io.Copy(w, output.Body)
	return contentType, err
}

// Delete removes the content stored under the key, if any.
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	return err
}
