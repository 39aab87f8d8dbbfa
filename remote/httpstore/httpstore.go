// Package httpstore implements remote.BlockStore over a plain HTTP block
// storage API. Retry and backoff for transient failures are handled by the
// retryable HTTP client; condition failures and missing resources are never
// retried.
package httpstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/blobkit/blockstream/remote"
)

const (
	leaseIDHeader  = "X-Lease-ID"
	sizeHintHeader = "X-Size-Hint"
	// Per-block payload checksum, verified server-side before the block is
	// accepted.
	checksumHeader = "X-Content-Sha256"
)

// Config ...
type Config struct {
	BaseURL string
	Token   string
	// HTTPClient defaults to a retrying client logging through Logger.
	HTTPClient *retryablehttp.Client
	// Logger defaults to log.NewLogger().
	Logger log.Logger
}

// Store is an HTTP-backed block store.
type Store struct {
	httpClient *retryablehttp.Client
	baseURL    string
	token      string
	logger     log.Logger
}

// New ...
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = retryhttp.NewClient(logger)
	}
	return &Store{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		logger:     logger,
	}
}

type commitRequest struct {
	BlockIDs []string          `json:"block_ids"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Headers  *contentHeaders   `json:"headers,omitempty"`
}

type contentHeaders struct {
	ContentType        string `json:"content_type,omitempty"`
	ContentEncoding    string `json:"content_encoding,omitempty"`
	ContentLanguage    string `json:"content_language,omitempty"`
	CacheControl       string `json:"cache_control,omitempty"`
	ContentDisposition string `json:"content_disposition,omitempty"`
}

type propertiesResponse struct {
	ETag          string            `json:"etag"`
	ContentLength int64             `json:"content_length"`
	LastModified  time.Time         `json:"last_modified"`
	Metadata      map[string]string `json:"metadata"`
	contentHeaders
}

type leaseRequest struct {
	ProposedLeaseID string `json:"proposed_lease_id"`
}

type leaseResponse struct {
	LeaseID string `json:"lease_id"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateOrOverwrite creates or truncates the resource and returns its new
// etag.
func (s *Store) CreateOrOverwrite(ctx context.Context, resource string, opts remote.CreateOptions) (string, error) {
	req, err := s.newRequest(ctx, http.MethodPut, s.resourceURL(resource), nil, opts.Conditions)
	if err != nil {
		return "", err
	}
	if opts.SizeHint > 0 {
		req.Header.Set(sizeHintHeader, fmt.Sprintf("%d", opts.SizeHint))
	}

	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp, s.logger)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", decodeError(resp)
	}
	return resp.Header.Get("ETag"), nil
}

// UploadBlock uploads one block under the given id. The payload's SHA-256 is
// sent along for server-side validation.
func (s *Store) UploadBlock(ctx context.Context, resource, blockID string, data []byte, cond remote.AccessConditions) error {
	url := fmt.Sprintf("%s/blocks/%s", s.resourceURL(resource), blockID)
	req, err := s.newRequest(ctx, http.MethodPut, url, data, cond)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(checksumHeader, fmt.Sprintf("%x", sha256.Sum256(data)))

	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp, s.logger)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return decodeError(resp)
	}
	return nil
}

// CommitBlockList ...
func (s *Store) CommitBlockList(ctx context.Context, resource string, blockIDs []string, opts remote.CommitOptions) (string, error) {
	commit := commitRequest{
		// Marshal an empty list, not null: an empty commit is how a
		// zero-length resource is created.
		BlockIDs: append([]string{}, blockIDs...),
		Metadata: opts.Metadata,
		Tags:     opts.Tags,
	}
	if !opts.Headers.IsZero() {
		commit.Headers = &contentHeaders{
			ContentType:        opts.Headers.ContentType,
			ContentEncoding:    opts.Headers.ContentEncoding,
			ContentLanguage:    opts.Headers.ContentLanguage,
			CacheControl:       opts.Headers.CacheControl,
			ContentDisposition: opts.Headers.ContentDisposition,
		}
	}

	body, err := json.Marshal(commit)
	if err != nil {
		return "", fmt.Errorf("marshal block list: %w", err)
	}

	url := fmt.Sprintf("%s/blocklist", s.resourceURL(resource))
	req, err := s.newRequest(ctx, http.MethodPost, url, body, opts.Conditions)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp, s.logger)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", decodeError(resp)
	}
	return resp.Header.Get("ETag"), nil
}

// GetProperties ...
func (s *Store) GetProperties(ctx context.Context, resource string) (remote.Properties, error) {
	url := fmt.Sprintf("%s/properties", s.resourceURL(resource))
	req, err := s.newRequest(ctx, http.MethodGet, url, nil, remote.AccessConditions{})
	if err != nil {
		return remote.Properties{}, err
	}

	resp, err := s.do(req)
	if err != nil {
		return remote.Properties{}, err
	}
	defer closeBody(resp, s.logger)

	if resp.StatusCode != http.StatusOK {
		return remote.Properties{}, decodeError(resp)
	}

	var props propertiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&props); err != nil {
		return remote.Properties{}, fmt.Errorf("decode properties: %w", err)
	}
	return remote.Properties{
		ETag:          props.ETag,
		ContentLength: props.ContentLength,
		LastModified:  props.LastModified,
		Metadata:      props.Metadata,
		Headers: remote.Headers{
			ContentType:        props.ContentType,
			ContentEncoding:    props.ContentEncoding,
			ContentLanguage:    props.ContentLanguage,
			CacheControl:       props.CacheControl,
			ContentDisposition: props.ContentDisposition,
		},
	}, nil
}

// GetMetadata ...
func (s *Store) GetMetadata(ctx context.Context, resource string) (map[string]string, error) {
	url := fmt.Sprintf("%s/metadata", s.resourceURL(resource))
	req, err := s.newRequest(ctx, http.MethodGet, url, nil, remote.AccessConditions{})
	if err != nil {
		return nil, err
	}

	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp, s.logger)

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var metadata map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return metadata, nil
}

// AcquireLease ...
func (s *Store) AcquireLease(ctx context.Context, resource, proposedID string, cond remote.AccessConditions) (string, error) {
	body, err := json.Marshal(leaseRequest{ProposedLeaseID: proposedID})
	if err != nil {
		return "", fmt.Errorf("marshal lease request: %w", err)
	}

	url := fmt.Sprintf("%s/lease", s.resourceURL(resource))
	req, err := s.newRequest(ctx, http.MethodPost, url, body, cond)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp, s.logger)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", decodeError(resp)
	}

	var lease leaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&lease); err != nil {
		return "", fmt.Errorf("decode lease response: %w", err)
	}
	return lease.LeaseID, nil
}

func (s *Store) resourceURL(resource string) string {
	return fmt.Sprintf("%s/blobs/%s", s.baseURL, resource)
}

func (s *Store) newRequest(ctx context.Context, method, url string, body []byte, cond remote.AccessConditions) (*retryablehttp.Request, error) {
	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, rawBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.token))
	if cond.IfMatch != "" {
		req.Header.Set("If-Match", cond.IfMatch)
	}
	if cond.IfNoneMatch != "" {
		req.Header.Set("If-None-Match", cond.IfNoneMatch)
	}
	if cond.LeaseID != "" {
		req.Header.Set(leaseIDHeader, cond.LeaseID)
	}
	return req, nil
}

func (s *Store) do(req *retryablehttp.Request) (*http.Response, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	return resp, nil
}

func closeBody(resp *http.Response, logger log.Logger) {
	if err := resp.Body.Close(); err != nil {
		logger.Warnf("Failed to close response body: %s", err)
	}
}

// decodeError translates a non-2xx response into a store error. The service
// reports a machine-readable code in a JSON body; when that is absent the
// status code decides.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Code != "" {
		return &remote.Error{
			Code:       remote.Code(errResp.Code),
			StatusCode: resp.StatusCode,
			Message:    errResp.Message,
		}
	}

	var code remote.Code
	switch resp.StatusCode {
	case http.StatusNotFound:
		code = remote.CodeResourceNotFound
	case http.StatusPreconditionFailed:
		code = remote.CodeConditionNotMet
	case http.StatusConflict:
		code = remote.CodeLeaseAlreadyPresent
	default:
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return &remote.Error{
		Code:       code,
		StatusCode: resp.StatusCode,
		Message:    string(body),
	}
}
