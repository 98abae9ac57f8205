package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/record-exporter/internal/config"
	exporterrors "github.com/record-exporter/internal/errors"
	"github.com/record-exporter/internal/models"
)

// S3Assembler builds one export object out of S3 multipart upload parts.
// Every part except the last must be at least 5 MiB.
type S3Assembler struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3Assembler creates an assembler for AWS S3 or an S3-compatible endpoint
func NewS3Assembler(ctx context.Context, cfg *config.ObjectStorageConfig) (*S3Assembler, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Assembler{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

// Open starts a multipart upload and returns its provider id
func (a *S3Assembler) Open(ctx context.Context, objectKey, contentType string) (string, error) {
	out, err := a.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", exporterrors.NewStorageError("create multipart upload", err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart uploads one fragment and returns the ETag S3 acknowledged it with
func (a *S3Assembler) UploadPart(ctx context.Context, uploadID, objectKey string, partNumber int32, body []byte) (string, error) {
	out, err := a.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(objectKey),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", classifyUploadError(fmt.Sprintf("upload part %d", partNumber), err)
	}
	return aws.ToString(out.ETag), nil
}

// Complete stitches the acknowledged parts into the final object
func (a *S3Assembler) Complete(ctx context.Context, uploadID, objectKey string, parts []models.UploadPart) error {
	completed := make([]s3types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, s3types.CompletedPart{
			ETag:       aws.String(p.Checksum),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}

	_, err := a.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(objectKey),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return classifyUploadError("complete multipart upload", err)
	}
	return nil
}

// Abort discards the upload and every part stored under it
func (a *S3Assembler) Abort(ctx context.Context, uploadID, objectKey string) error {
	_, err := a.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(a.bucket),
		Key:      aws.String(objectKey),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return exporterrors.NewStorageError("abort multipart upload", err)
	}
	return nil
}

// PresignGet returns a time-limited download URL for the finished object
func (a *S3Assembler) PresignGet(ctx context.Context, objectKey string, ttl time.Duration) (string, time.Time, error) {
	issuedAt := time.Now().UTC()
	req, err := a.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", time.Time{}, exporterrors.NewStorageError("presign download", err)
	}
	return req.URL, issuedAt.Add(ttl), nil
}

// classifyUploadError marks rejections that no retry can fix as permanent:
// a vanished upload, or a part list S3 refuses to assemble
func classifyUploadError(op string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return exporterrors.NewStorageError(op, err)
	}
	switch apiErr.ErrorCode() {
	case "NoSuchUpload":
		return exporterrors.NewPermanentError(exporterrors.CodeStorage,
			fmt.Sprintf("multipart upload no longer exists during %s", op), err)
	case "EntityTooSmall":
		return exporterrors.NewPermanentError(exporterrors.CodeStorage,
			fmt.Sprintf("%s rejected: every part but the last must be at least 5 MiB", op), err)
	case "InvalidPart", "InvalidPartOrder":
		return exporterrors.NewPermanentError(exporterrors.CodeStorage,
			fmt.Sprintf("%s rejected the recorded part list: %s", op, apiErr.ErrorCode()), err)
	}
	return exporterrors.NewStorageError(op, err)
}
