package httpstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blobkit/blockstream/remote"
)

func newTestStore(url string) *Store {
	return New(Config{
		BaseURL: url,
		Token:   "test-token",
		Logger:  log.NewLogger(),
	})
}

func TestCreateOrOverwrite_ReturnsETag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/blobs/cache/archive.bin", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("ETag", "etag-1")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	etag, err := newTestStore(server.URL).CreateOrOverwrite(
		context.Background(), "cache/archive.bin", remote.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "etag-1", etag)
}

func TestUploadBlock_SendsPayloadAndChecksum(t *testing.T) {
	payload := []byte("block payload")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/blobs/cache/archive.bin/blocks/"+remote.BlockID(0), r.URL.Path)
		assert.Equal(t, "etag-1", r.Header.Get("If-Match"))
		assert.Equal(t, "lease-7", r.Header.Get("X-Lease-ID"))
		assert.Equal(t, fmt.Sprintf("%x", sha256.Sum256(payload)), r.Header.Get("X-Content-Sha256"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	err := newTestStore(server.URL).UploadBlock(
		context.Background(), "cache/archive.bin", remote.BlockID(0), payload,
		remote.AccessConditions{IfMatch: "etag-1", LeaseID: "lease-7"})
	require.NoError(t, err)
}

func TestCommitBlockList_SendsOrderedIDs(t *testing.T) {
	ids := []string{remote.BlockID(0), remote.BlockID(1), remote.BlockID(2)}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/blobs/cache/archive.bin/blocklist", r.URL.Path)

		var commit commitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&commit))
		assert.Equal(t, ids, commit.BlockIDs)
		assert.Equal(t, map[string]string{"build": "42"}, commit.Metadata)
		require.NotNil(t, commit.Headers)
		assert.Equal(t, "application/zstd", commit.Headers.ContentType)

		w.Header().Set("ETag", "etag-2")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	etag, err := newTestStore(server.URL).CommitBlockList(
		context.Background(), "cache/archive.bin", ids, remote.CommitOptions{
			Metadata: map[string]string{"build": "42"},
			Headers:  remote.Headers{ContentType: "application/zstd"},
		})
	require.NoError(t, err)
	assert.Equal(t, "etag-2", etag)
}

func TestCommitBlockList_EmptyListIsExplicit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"block_ids":[]`)
		w.Header().Set("ETag", "etag-3")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	_, err := newTestStore(server.URL).CommitBlockList(
		context.Background(), "cache/archive.bin", nil, remote.CommitOptions{})
	require.NoError(t, err)
}

func TestErrorDecoding(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantCode   remote.Code
	}{
		{
			name:       "json error body",
			statusCode: http.StatusNotFound,
			body:       `{"code": "ContainerNotFound", "message": "no such container"}`,
			wantCode:   remote.CodeContainerNotFound,
		},
		{
			name:       "precondition failed without body",
			statusCode: http.StatusPreconditionFailed,
			wantCode:   remote.CodeConditionNotMet,
		},
		{
			name:       "bare not found",
			statusCode: http.StatusNotFound,
			wantCode:   remote.CodeResourceNotFound,
		},
		{
			name:       "lease conflict",
			statusCode: http.StatusConflict,
			wantCode:   remote.CodeLeaseAlreadyPresent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				if tt.body != "" {
					_, err := w.Write([]byte(tt.body))
					require.NoError(t, err)
				}
			}))
			defer server.Close()

			err := newTestStore(server.URL).UploadBlock(
				context.Background(), "cache/archive.bin", remote.BlockID(0), []byte("x"),
				remote.AccessConditions{})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, remote.ErrorCode(err))

			var storeErr *remote.Error
			require.ErrorAs(t, err, &storeErr)
			assert.Equal(t, tt.statusCode, storeErr.StatusCode)
		})
	}
}

func TestGetProperties(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/blobs/cache/archive.bin/properties", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(`{
			"etag": "etag-9",
			"content_length": 16384,
			"content_type": "application/zstd",
			"metadata": {"build": "42"}
		}`))
		require.NoError(t, err)
	}))
	defer server.Close()

	props, err := newTestStore(server.URL).GetProperties(context.Background(), "cache/archive.bin")
	require.NoError(t, err)
	assert.Equal(t, "etag-9", props.ETag)
	assert.Equal(t, int64(16384), props.ContentLength)
	assert.Equal(t, "application/zstd", props.Headers.ContentType)
	assert.Equal(t, map[string]string{"build": "42"}, props.Metadata)
}

func TestAcquireLease(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/blobs/cache/archive.bin/lease", r.URL.Path)

		var lease leaseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&lease))
		assert.Equal(t, "proposed-1", lease.ProposedLeaseID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, err := w.Write([]byte(`{"lease_id": "granted-1"}`))
		require.NoError(t, err)
	}))
	defer server.Close()

	leaseID, err := newTestStore(server.URL).AcquireLease(
		context.Background(), "cache/archive.bin", "proposed-1", remote.AccessConditions{})
	require.NoError(t, err)
	assert.Equal(t, "granted-1", leaseID)
}
