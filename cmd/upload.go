package cmd

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 reproduces S3 ETags, not used for security
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

const (
	// uploadPartSize matches the s3manager default, which the ETag check relies on
	uploadPartSize = 5 * 1024 * 1024
	// multipartThreshold switches from PutObject to the managed uploader
	multipartThreshold = 100 * 1024 * 1024
)

var ErrS3ClientNotInitialized = errors.New("S3 client not initialized")

// newS3Session builds a session for an S3-compatible endpoint with static
// credentials. An empty endpoint targets AWS itself.
func newS3Session(cfg S3Config) (*session.Session, error) {
	awsCfg := &aws.Config{
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}
	region := cfg.Region
	if region == "" || region == regionAuto {
		region = "us-east-1"
	}
	awsCfg.Region = aws.String(region)
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return sess, nil
}

// UploadResult reports what happened to one artifact
type UploadResult struct {
	Key     string
	Size    int64
	ETag    string
	Skipped bool
}

// ArtifactUploader pushes finished artifacts to a bucket, skipping objects
// whose size and ETag already match.
type ArtifactUploader struct {
	client   s3iface.S3API
	uploader s3manageriface.UploaderAPI
	bucket   string
	logger   *slog.Logger
}

func NewArtifactUploader(client s3iface.S3API, uploader s3manageriface.UploaderAPI, bucket string, logger *slog.Logger) *ArtifactUploader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ArtifactUploader{client: client, uploader: uploader, bucket: bucket, logger: logger}
}

func newArtifactUploaderFromSession(sess *session.Session, bucket string, logger *slog.Logger) *ArtifactUploader {
	up := s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		u.PartSize = uploadPartSize
	})
	return NewArtifactUploader(s3.New(sess), up, bucket, logger)
}

// checkObjectExists returns the size and unquoted ETag of key when present.
func (u *ArtifactUploader) checkObjectExists(ctx context.Context, key string) (bool, int64, string, error) {
	out, err := u.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
			return false, 0, "", nil
		}
		return false, 0, "", fmt.Errorf("failed to stat s3://%s/%s: %w", u.bucket, key, err)
	}
	return true, aws.Int64Value(out.ContentLength), strings.Trim(aws.StringValue(out.ETag), "\""), nil
}

// calculateFileETag computes the ETag S3 assigns to path when uploaded in
// partSize parts: a plain MD5 for a single part, otherwise md5(part md5s)-N.
func calculateFileETag(path string, partSize int64) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	var (
		partSums []byte
		total    int64
		parts    int
		single   string
	)
	for {
		h := md5.New() //nolint:gosec // ETag computation
		n, err := io.CopyN(h, f, partSize)
		if n > 0 {
			parts++
			total += n
			sum := h.Sum(nil)
			partSums = append(partSums, sum...)
			single = hex.EncodeToString(sum)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, err
		}
	}

	if parts <= 1 {
		if parts == 0 {
			empty := md5.Sum(nil) //nolint:gosec // ETag computation
			return hex.EncodeToString(empty[:]), 0, nil
		}
		return single, total, nil
	}
	final := md5.Sum(partSums) //nolint:gosec // ETag computation
	return fmt.Sprintf("%s-%d", hex.EncodeToString(final[:]), parts), total, nil
}

// Upload sends path to key unless an identical object is already there.
func (u *ArtifactUploader) Upload(ctx context.Context, path, key, contentType string) (*UploadResult, error) {
	if u.client == nil {
		return nil, ErrS3ClientNotInitialized
	}

	partSize := int64(uploadPartSize)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() <= multipartThreshold {
		// PutObject stores a plain MD5 ETag
		partSize = max(info.Size(), 1)
	}
	etag, size, err := calculateFileETag(path, partSize)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	result := &UploadResult{Key: key, Size: size, ETag: etag}

	exists, remoteSize, remoteETag, err := u.checkObjectExists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		u.logger.Debug(fmt.Sprintf("  📊 S3: size=%d, etag=%s / local: size=%d, etag=%s", remoteSize, remoteETag, size, etag))
		if remoteSize == size && remoteETag == etag {
			result.Skipped = true
			return result, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	u.logger.Debug(fmt.Sprintf("  ☁️  Uploading to s3://%s/%s (size: %d bytes)", u.bucket, key, size))
	if size > multipartThreshold {
		if u.uploader == nil {
			return nil, ErrS3ClientNotInitialized
		}
		_, err = u.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(contentType),
		})
	} else {
		_, err = u.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(contentType),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upload s3://%s/%s: %w", u.bucket, key, err)
	}
	return result, nil
}
