package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/blobgate/blobgate/internal/logging"
)

var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) s3Presigner {
		return s3.NewPresignClient(c)
	}
)

// s3API is the slice of the S3 client used by S3Store, extracted so tests
// can substitute a fake without a network.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

type s3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Config carries backend connection settings.
type S3Config struct {
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	BaseEndpoint string
	// MultipartThreshold is the minimum total size for multipart copy on
	// materialization; smaller sets are stream-merged server-side.
	MultipartThreshold int64
}

// S3Store implements Store on an S3-compatible backend (AWS S3, MinIO).
type S3Store struct {
	api                s3API
	presigner          s3Presigner
	bucket             string
	multipartThreshold int64

	logger logging.Logger
}

// NewS3Store dials the backend with static credentials and an optional base
// endpoint (MinIO).
func NewS3Store(ctx context.Context, cfg S3Config, l logging.Logger) (*S3Store, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("aws config error: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		}
		o.UsePathStyle = true
	})

	threshold := cfg.MultipartThreshold
	if threshold <= 0 {
		threshold = 5 * 1024 * 1024
	}

	return &S3Store{
		api:                client,
		presigner:          newS3PresignClient(client),
		bucket:             cfg.Bucket,
		multipartThreshold: threshold,
		logger:             l.With("module", "blobstore"),
	}, nil
}

func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (*SignedURL, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return nil, fmt.Errorf("presign get: %w", err)
	}
	return &SignedURL{URL: req.URL, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (s *S3Store) PresignPut(ctx context.Context, key string, ttl time.Duration) (*SignedURL, error) {
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return nil, fmt.Errorf("presign put: %w", err)
	}
	return &SignedURL{URL: req.URL, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (s *S3Store) StageBlock(ctx context.Context, sessionID string, index int, data []byte) (string, error) {
	blockID := BlockID(index)
	key := BlockKey(sessionID, blockID)

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("stage block %s: %w", blockID, err)
	}
	return blockID, nil
}

func (s *S3Store) ListStagedBlocks(ctx context.Context, sessionID string) ([]Block, error) {
	prefix := StagingPrefix(sessionID)

	var blocks []Block
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list staged blocks: %w", err)
		}
		for _, obj := range page.Contents {
			id := strings.TrimPrefix(*obj.Key, prefix)
			idx, err := blockIndex(id)
			if err != nil {
				s.logger.Warn(ctx, "skipping foreign key in staging area", "key", *obj.Key)
				continue
			}
			blocks = append(blocks, Block{ID: id, Index: idx, Size: *obj.Size})
		}
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })
	return blocks, nil
}

func blockIndex(blockID string) (int, error) {
	rest, ok := strings.CutPrefix(blockID, "chunk_")
	if !ok {
		return 0, fmt.Errorf("malformed block id %q", blockID)
	}
	return strconv.Atoi(rest)
}

// Materialize assembles blocks in the order given. Single block: server-side
// copy. Small total: stream merge into one PutObject. Otherwise multipart
// copy, one part per block (blocks are sized to the backend's 5 MiB part
// minimum). Re-running with the same block set is idempotent: if the final
// object already exists with the expected size the assembly is skipped.
func (s *S3Store) Materialize(ctx context.Context, sessionID string, blockIDs []string, finalKey string) (int64, error) {
	if len(blockIDs) == 0 {
		return 0, errors.New("no blocks to materialize")
	}

	staged, err := s.ListStagedBlocks(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	sizes := make(map[string]int64, len(staged))
	for _, b := range staged {
		sizes[b.ID] = b.Size
	}

	var totalSize int64
	for _, id := range blockIDs {
		size, ok := sizes[id]
		if !ok {
			return 0, fmt.Errorf("block %s is not staged for session %s", id, sessionID)
		}
		totalSize += size
	}

	if existing, err := s.Head(ctx, finalKey); err == nil && existing == totalSize {
		s.logger.Info(ctx, "final object already materialized, skipping", "key", finalKey)
		s.cleanupStaging(ctx, sessionID)
		return totalSize, nil
	}

	switch {
	case len(blockIDs) == 1:
		err = s.copySingleBlock(ctx, sessionID, blockIDs[0], finalKey)
	case totalSize < s.multipartThreshold:
		err = s.streamMerge(ctx, sessionID, blockIDs, finalKey, totalSize)
	default:
		err = s.multipartCopy(ctx, sessionID, blockIDs, finalKey)
	}
	if err != nil {
		return 0, err
	}

	s.cleanupStaging(ctx, sessionID)
	return totalSize, nil
}

func (s *S3Store) cleanupStaging(ctx context.Context, sessionID string) {
	if err := s.DeletePrefix(ctx, StagingPrefix(sessionID)); err != nil {
		// Main operation succeeded; the sweeper reaps leftovers.
		s.logger.Warn(ctx, "failed to delete staging area", "session_id", sessionID, "error", err)
	}
}

func (s *S3Store) copySingleBlock(ctx context.Context, sessionID, blockID, finalKey string) error {
	src := s.bucket + "/" + BlockKey(sessionID, blockID)
	_, err := s.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(finalKey),
		CopySource: aws.String(src),
	})
	if err != nil {
		return fmt.Errorf("copy block: %w", err)
	}
	return nil
}

func (s *S3Store) streamMerge(ctx context.Context, sessionID string, blockIDs []string, finalKey string, totalSize int64) error {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()
		for _, id := range blockIDs {
			select {
			case <-ctx.Done():
				pw.CloseWithError(ctx.Err())
				return
			default:
			}

			key := BlockKey(sessionID, id)
			out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				pw.CloseWithError(fmt.Errorf("get block %s: %w", id, err))
				return
			}
			_, err = io.Copy(pw, out.Body)
			out.Body.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("copy block %s: %w", id, err))
				return
			}
		}
	}()

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(finalKey),
		Body:          pr,
		ContentLength: aws.Int64(totalSize),
	})
	if err != nil {
		return fmt.Errorf("put merged object: %w", err)
	}
	return nil
}

func (s *S3Store) multipartCopy(ctx context.Context, sessionID string, blockIDs []string, finalKey string) (err error) {
	createOut, err := s.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := *createOut.UploadId

	defer func() {
		if err != nil {
			if _, abortErr := s.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(s.bucket),
				Key:      aws.String(finalKey),
				UploadId: aws.String(uploadID),
			}); abortErr != nil {
				s.logger.Error(ctx, "failed to abort multipart upload", "upload_id", uploadID, "error", abortErr)
			}
		}
	}()

	var completed []types.CompletedPart
	for i, id := range blockIDs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		partNumber := int32(i + 1)
		src := s.bucket + "/" + BlockKey(sessionID, id)
		upOut, partErr := s.api.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(finalKey),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			CopySource: aws.String(src),
		})
		if partErr != nil {
			err = fmt.Errorf("upload part %d: %w", partNumber, partErr)
			return err
		}
		completed = append(completed, types.CompletedPart{
			ETag:       upOut.CopyPartResult.ETag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	_, err = s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(finalKey),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}
	return nil
}

func (s *S3Store) Head(ctx context.Context, key string) (int64, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("head object: %w", err)
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects for deletion: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}

		_, err = s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
	}
	return nil
}

func (s *S3Store) ListKeys(ctx context.Context, prefix string, olderThan time.Time) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list keys: %w", err)
		}
		for _, obj := range page.Contents {
			if !olderThan.IsZero() && obj.LastModified != nil && !obj.LastModified.Before(olderThan) {
				continue
			}
			keys = append(keys, *obj.Key)
		}
	}
	return keys, nil
}
