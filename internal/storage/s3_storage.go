package storage

import (
	"context"
	"fmt"
	"log"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"greendrake/tuition/internal/config"
)

// IDocumentStorage stores contract documents in object storage.
type IDocumentStorage interface {
	// PresignUpload returns a URL the client PUTs the file to, and the object key it will land under.
	PresignUpload(ctx context.Context, schoolID, contractID, filename, contentType string) (url string, key string, err error)
	// PresignDownload returns a short-lived GET URL for key.
	PresignDownload(ctx context.Context, key string) (string, error)
	DeleteObject(ctx context.Context, key string) error
}

// s3Storage implements IDocumentStorage.
type s3Storage struct {
	cfg           *config.Config
	s3Client      *s3.Client
	presignClient *s3.PresignClient
}

// NewS3Storage creates a new S3 storage service.
func NewS3Storage(cfg *config.Config) (IDocumentStorage, error) {
	awsCfg, err := aws_config.LoadDefaultConfig(context.TODO(),
		aws_config.WithRegion(cfg.AwsRegion),
		aws_config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AwsAccessKeyID,
			cfg.AwsSecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// S3-compatible stores (MinIO and friends) need path-style addressing.
		if cfg.AwsS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AwsS3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Storage{
		cfg:           cfg,
		s3Client:      s3Client,
		presignClient: s3.NewPresignClient(s3Client),
	}, nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DocumentKey builds the object key of a contract document. The filename is reduced to a safe base name.
func DocumentKey(schoolID, contractID, filename string) string {
	name := unsafeKeyChars.ReplaceAllString(path.Base(strings.ReplaceAll(filename, `\`, "/")), "_")
	if name == "" || name == "." || name == "_" {
		name = "document"
	}
	return fmt.Sprintf("schools/%s/contracts/%s/%s_%s", schoolID, contractID, uuid.NewString(), name)
}

// PresignUpload implements IDocumentStorage.
func (s *s3Storage) PresignUpload(ctx context.Context, schoolID, contractID, filename, contentType string) (string, string, error) {
	objectKey := DocumentKey(schoolID, contractID, filename)

	presignedReq, err := s.presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.AwsS3Bucket),
		Key:         aws.String(objectKey),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(s.cfg.DocumentUploadTTL))
	if err != nil {
		return "", "", fmt.Errorf("failed to generate presigned PUT URL for key %s: %w", objectKey, err)
	}

	log.Printf("Generated presigned upload URL for key: %s", objectKey)
	return presignedReq.URL, objectKey, nil
}

// PresignDownload implements IDocumentStorage.
func (s *s3Storage) PresignDownload(ctx context.Context, key string) (string, error) {
	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.AwsS3Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned GET URL for key %s: %w", key, err)
	}
	return req.URL, nil
}

// DeleteObject implements IDocumentStorage.
func (s *s3Storage) DeleteObject(ctx context.Context, key string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.AwsS3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}
