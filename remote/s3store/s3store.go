// Package s3store implements remote.BlockStore on top of S3 multipart
// uploads. Blocks map to parts and the block-list commit maps to completing
// the multipart upload, which is the durability boundary on S3 as well.
//
// S3 evaluates no per-part preconditions, so etag conditions are enforced
// best-effort by comparing the object's etag immediately before create and
// commit. Leases are not supported, and a resource accepts only one commit
// per CreateOrOverwrite: uploading more blocks after completion requires
// reopening the resource.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/blobkit/blockstream/remote"
)

const numCleanupRetries = 3

// Params ...
type Params struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Store is an S3-backed block store. One Store tracks the in-flight multipart
// upload of every resource opened through it.
type Store struct {
	client *s3.Client
	bucket string
	logger log.Logger

	mu      sync.Mutex
	uploads map[string]*multipartUpload
}

type multipartUpload struct {
	id    string
	parts map[string]types.CompletedPart
}

// New creates a Store, loading AWS credentials the same way the rest of the
// SDK does when the key pair is not set explicitly.
func New(ctx context.Context, params Params, logger log.Logger) (*Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewWithClient(s3.NewFromConfig(*cfg), params.Bucket, logger), nil
}

// NewWithClient ...
func NewWithClient(client *s3.Client, bucket string, logger log.Logger) *Store {
	return &Store{
		client:  client,
		bucket:  bucket,
		logger:  logger,
		uploads: map[string]*multipartUpload{},
	}
}

// CreateOrOverwrite starts a multipart upload for the resource. Any previous
// in-flight upload for the same resource is aborted first. S3 assigns no etag
// before completion, so the returned etag is empty.
func (s *Store) CreateOrOverwrite(ctx context.Context, resource string, opts remote.CreateOptions) (string, error) {
	if err := s.checkConditions(ctx, resource, opts.Conditions); err != nil {
		return "", err
	}

	s.abortUpload(ctx, resource)

	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(resource),
	})
	if err != nil {
		return "", translateErr(fmt.Errorf("create multipart upload: %w", err))
	}

	s.mu.Lock()
	s.uploads[resource] = &multipartUpload{
		id:    aws.ToString(out.UploadId),
		parts: map[string]types.CompletedPart{},
	}
	s.mu.Unlock()

	return "", nil
}

// UploadBlock uploads one part. The part number is recovered from the block
// id's sequence, so commit order equals upload order.
func (s *Store) UploadBlock(ctx context.Context, resource, blockID string, data []byte, cond remote.AccessConditions) error {
	if cond.LeaseID != "" {
		return errLeaseNotSupported()
	}

	upload, err := s.upload(resource)
	if err != nil {
		return err
	}

	seq, err := remote.BlockSequence(blockID)
	if err != nil {
		return err
	}
	partNumber := int32(seq + 1)

	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(resource),
		UploadId:      aws.String(upload.id),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return translateErr(fmt.Errorf("upload part %d: %w", partNumber, err))
	}

	s.mu.Lock()
	upload.parts[blockID] = types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(partNumber),
	}
	s.mu.Unlock()
	return nil
}

// CommitBlockList completes the multipart upload with the listed parts. An
// empty list becomes a zero-byte PutObject, since S3 rejects a completion
// without parts. Metadata and headers are applied via a metadata-replacing
// self-copy after completion, tags via PutObjectTagging.
func (s *Store) CommitBlockList(ctx context.Context, resource string, blockIDs []string, opts remote.CommitOptions) (string, error) {
	if err := s.checkConditions(ctx, resource, opts.Conditions); err != nil {
		return "", err
	}

	if len(blockIDs) == 0 {
		return s.commitEmpty(ctx, resource, opts)
	}

	upload, err := s.upload(resource)
	if err != nil {
		return "", err
	}

	parts := make([]types.CompletedPart, 0, len(blockIDs))
	s.mu.Lock()
	for _, id := range blockIDs {
		part, ok := upload.parts[id]
		if !ok {
			s.mu.Unlock()
			return "", fmt.Errorf("block %s was never uploaded to %s", id, resource)
		}
		parts = append(parts, part)
	}
	s.mu.Unlock()

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(resource),
		UploadId: aws.String(upload.id),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: parts,
		},
	})
	if err != nil {
		return "", translateErr(fmt.Errorf("complete multipart upload: %w", err))
	}

	s.mu.Lock()
	delete(s.uploads, resource)
	s.mu.Unlock()

	if err := s.applyMetadata(ctx, resource, opts); err != nil {
		return "", err
	}
	if err := s.applyTags(ctx, resource, opts.Tags); err != nil {
		return "", err
	}
	return strings.Trim(aws.ToString(out.ETag), `"`), nil
}

// GetProperties ...
func (s *Store) GetProperties(ctx context.Context, resource string) (remote.Properties, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(resource),
	})
	if err != nil {
		return remote.Properties{}, translateErr(fmt.Errorf("head object %s: %w", resource, err))
	}

	var lastModified time.Time
	if out.LastModified != nil {
		lastModified = *out.LastModified
	}
	return remote.Properties{
		ETag:          strings.Trim(aws.ToString(out.ETag), `"`),
		ContentLength: aws.ToInt64(out.ContentLength),
		LastModified:  lastModified,
		Metadata:      out.Metadata,
		Headers: remote.Headers{
			ContentType:        aws.ToString(out.ContentType),
			ContentEncoding:    aws.ToString(out.ContentEncoding),
			ContentLanguage:    aws.ToString(out.ContentLanguage),
			CacheControl:       aws.ToString(out.CacheControl),
			ContentDisposition: aws.ToString(out.ContentDisposition),
		},
	}, nil
}

// GetMetadata ...
func (s *Store) GetMetadata(ctx context.Context, resource string) (map[string]string, error) {
	props, err := s.GetProperties(ctx, resource)
	if err != nil {
		return nil, err
	}
	return props.Metadata, nil
}

// AcquireLease is not supported on S3.
func (s *Store) AcquireLease(ctx context.Context, resource, proposedID string, cond remote.AccessConditions) (string, error) {
	return "", errLeaseNotSupported()
}

func (s *Store) upload(resource string) (*multipartUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	upload, ok := s.uploads[resource]
	if !ok {
		return nil, &remote.Error{
			Code:    remote.CodeNotSupported,
			Message: fmt.Sprintf("no upload in progress for %s: the s3 backend accepts one commit per CreateOrOverwrite", resource),
		}
	}
	return upload, nil
}

// abortUpload aborts a leftover multipart upload for the resource, retrying
// because abandoned uploads keep accruing storage cost until aborted.
func (s *Store) abortUpload(ctx context.Context, resource string) {
	s.mu.Lock()
	upload, ok := s.uploads[resource]
	delete(s.uploads, resource)
	s.mu.Unlock()
	if !ok {
		return
	}

	err := retry.Times(numCleanupRetries).Wait(time.Second).Try(func(attempt uint) error {
		_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(resource),
			UploadId: aws.String(upload.id),
		})
		return err
	})
	if err != nil {
		s.logger.Warnf("Failed to abort stale multipart upload for %s: %s", resource, err)
	}
}

func (s *Store) commitEmpty(ctx context.Context, resource string, opts remote.CommitOptions) (string, error) {
	s.abortUpload(ctx, resource)

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(resource),
		Body:   bytes.NewReader(nil),
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}
	applyHeaders(input, opts.Headers)
	if len(opts.Tags) > 0 {
		input.Tagging = aws.String(encodeTags(opts.Tags))
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return "", translateErr(fmt.Errorf("put empty object %s: %w", resource, err))
	}
	return strings.Trim(aws.ToString(out.ETag), `"`), nil
}

// applyMetadata sets metadata and content headers after completion via a
// metadata-replacing self-copy, the only way S3 mutates them in place.
func (s *Store) applyMetadata(ctx context.Context, resource string, opts remote.CommitOptions) error {
	if len(opts.Metadata) == 0 && opts.Headers.IsZero() {
		return nil
	}

	input := &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(resource),
		CopySource:        aws.String(url.PathEscape(fmt.Sprintf("%s/%s", s.bucket, resource))),
		MetadataDirective: types.MetadataDirectiveReplace,
		Metadata:          opts.Metadata,
	}
	applyCopyHeaders(input, opts.Headers)

	if _, err := s.client.CopyObject(ctx, input); err != nil {
		return translateErr(fmt.Errorf("apply metadata to %s: %w", resource, err))
	}
	return nil
}

func (s *Store) applyTags(ctx context.Context, resource string, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}

	tagSet := make([]types.Tag, 0, len(tags))
	for k, v := range tags {
		tagSet = append(tagSet, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	_, err := s.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(resource),
		Tagging: &types.Tagging{TagSet: tagSet},
	})
	if err != nil {
		return translateErr(fmt.Errorf("apply tags to %s: %w", resource, err))
	}
	return nil
}

// checkConditions enforces etag conditions by reading the object's current
// etag. Not atomic with the call that follows, which is the closest S3 gets
// to the conditional-request semantics of block stores.
func (s *Store) checkConditions(ctx context.Context, resource string, cond remote.AccessConditions) error {
	if cond.LeaseID != "" {
		return errLeaseNotSupported()
	}
	if cond.IfMatch == "" && cond.IfNoneMatch == "" {
		return nil
	}

	props, err := s.GetProperties(ctx, resource)
	exists := true
	if err != nil {
		if !remote.IsNotFound(err) {
			return err
		}
		exists = false
	}

	if cond.IfMatch != "" {
		if !exists || strings.Trim(cond.IfMatch, `"`) != props.ETag {
			return conditionNotMet("etag mismatch on %s", resource)
		}
	}
	if cond.IfNoneMatch == "*" && exists {
		return conditionNotMet("%s already exists", resource)
	} else if cond.IfNoneMatch != "" && cond.IfNoneMatch != "*" && exists &&
		strings.Trim(cond.IfNoneMatch, `"`) == props.ETag {
		return conditionNotMet("etag match on %s", resource)
	}
	return nil
}

func applyHeaders(input *s3.PutObjectInput, h remote.Headers) {
	if h.ContentType != "" {
		input.ContentType = aws.String(h.ContentType)
	}
	if h.ContentEncoding != "" {
		input.ContentEncoding = aws.String(h.ContentEncoding)
	}
	if h.ContentLanguage != "" {
		input.ContentLanguage = aws.String(h.ContentLanguage)
	}
	if h.CacheControl != "" {
		input.CacheControl = aws.String(h.CacheControl)
	}
	if h.ContentDisposition != "" {
		input.ContentDisposition = aws.String(h.ContentDisposition)
	}
}

func applyCopyHeaders(input *s3.CopyObjectInput, h remote.Headers) {
	if h.ContentType != "" {
		input.ContentType = aws.String(h.ContentType)
	}
	if h.ContentEncoding != "" {
		input.ContentEncoding = aws.String(h.ContentEncoding)
	}
	if h.ContentLanguage != "" {
		input.ContentLanguage = aws.String(h.ContentLanguage)
	}
	if h.CacheControl != "" {
		input.CacheControl = aws.String(h.CacheControl)
	}
	if h.ContentDisposition != "" {
		input.ContentDisposition = aws.String(h.ContentDisposition)
	}
}

func encodeTags(tags map[string]string) string {
	values := url.Values{}
	for k, v := range tags {
		values.Set(k, v)
	}
	return values.Encode()
}

func conditionNotMet(format string, args ...interface{}) error {
	return &remote.Error{
		Code:    remote.CodeConditionNotMet,
		Message: fmt.Sprintf(format, args...),
	}
}

func errLeaseNotSupported() error {
	return &remote.Error{
		Code:    remote.CodeNotSupported,
		Message: "leases are not supported by the s3 backend",
	}
}

func translateErr(err error) error {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.(type) {
		case *types.NotFound, *types.NoSuchKey:
			return &remote.Error{Code: remote.CodeResourceNotFound, Err: err}
		case *types.NoSuchBucket:
			return &remote.Error{Code: remote.CodeContainerNotFound, Err: err}
		}
		switch apiError.ErrorCode() {
		case "NoSuchBucket":
			return &remote.Error{Code: remote.CodeContainerNotFound, Err: err}
		case "PreconditionFailed":
			return &remote.Error{Code: remote.CodeConditionNotMet, Err: err}
		}
	}
	return err
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("aws credentials not defined, loading credentials from environment...")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
