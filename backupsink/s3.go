package backupsink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/go-kit/log/level"
	"github.com/mailio/go-mailio-keyshare/global"
)

// ObjectAPI is the part of the S3 client the sink uses (*s3.Client implements it)
type ObjectAPI interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type S3Config struct {
	Bucket string
	Prefix string
	Region string
	Key    string
	Secret string
	// Endpoint overrides the AWS endpoint (S3 compatible stores)
	Endpoint string
}

// S3Sink keeps backups in a bucket, encrypted at rest by the store
type S3Sink struct {
	client   ObjectAPI
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

func NewS3Sink(client ObjectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

// NewS3SinkFromConfig builds the S3 client from static credentials, or from the default
// AWS credential chain when no key is configured
func NewS3SinkFromConfig(ctx context.Context, conf S3Config) (*S3Sink, error) {
	if conf.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(conf.Region)}
	if conf.Key != "" {
		creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(conf.Key, conf.Secret, ""))
		opts = append(opts, config.WithCredentialsProvider(creds))
	}
	awsConf, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Sink(client, conf.Bucket, conf.Prefix), nil
}

func (s *S3Sink) key(name string) string {
	return path.Join(s.prefix, name)
}

// mapError turns missing objects into ErrNotFound
func (s *S3Sink) mapError(name string, err error) error {
	var noKey *s3Types.NoSuchKey
	var apiErr smithy.APIError
	if errors.As(err, &noKey) {
		return ErrNotFound
	}
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		case "AccessDenied":
			level.Warn(global.Logger).Log("msg", "access denied", "objectKey", s.key(name))
		}
	}
	return err
}

func (s *S3Sink) Save(ctx context.Context, name string, data []byte) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.key(name)),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3Types.ServerSideEncryptionAes256,
	})
	if err != nil {
		level.Error(global.Logger).Log("msg", "failed to upload backup", "objectKey", s.key(name), "error", err)
		return "", s.mapError(name, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key(name)), nil
}

func (s *S3Sink) Load(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return nil, s.mapError(name, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Sink) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return s.mapError(name, err)
	}
	return nil
}
