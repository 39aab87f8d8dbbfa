// Package remote defines the object-store collaborator boundary used by the
// stream package. Any backend exposing block upload and block-list commit
// semantics can satisfy BlockStore; the stream layer never talks to the wire
// directly.
package remote

import (
	"context"
	"time"
)

// BlockStore is the minimal capability set a remote object store must expose
// for streaming block uploads.
//
// All methods present the caller-supplied access conditions to the server
// unchanged; condition evaluation is the server's job, not the client's.
type BlockStore interface {
	// CreateOrOverwrite eagerly creates (or truncates) the target resource
	// and returns its new etag. Backends without upfront initialization may
	// return an empty etag.
	CreateOrOverwrite(ctx context.Context, resource string, opts CreateOptions) (string, error)

	// UploadBlock uploads one block under the given id. The block is not
	// visible until a later CommitBlockList references its id.
	UploadBlock(ctx context.Context, resource, blockID string, data []byte, cond AccessConditions) error

	// CommitBlockList atomically makes the ordered list of previously
	// uploaded blocks the resource's content and returns the resulting
	// etag. An empty list commits a zero-length resource. Committing the
	// same list again is a no-op on the server side.
	CommitBlockList(ctx context.Context, resource string, blockIDs []string, opts CommitOptions) (string, error)

	GetProperties(ctx context.Context, resource string) (Properties, error)
	GetMetadata(ctx context.Context, resource string) (map[string]string, error)

	// AcquireLease acquires an exclusive lease on the resource, proposing
	// the given lease id. Returns the granted lease token.
	AcquireLease(ctx context.Context, resource, proposedID string, cond AccessConditions) (string, error)
}

// AccessConditions is an optimistic-concurrency precondition evaluated by the
// server on every call it accompanies. The zero value means unconditional.
type AccessConditions struct {
	// IfMatch requires the resource's current etag to equal this value.
	IfMatch string
	// IfNoneMatch rejects the call if the resource's etag equals this
	// value. The special value "*" requires the resource not to exist.
	IfNoneMatch string
	// LeaseID requires the caller to hold this lease on the resource.
	LeaseID string
}

// IsZero reports whether no condition is set.
func (c AccessConditions) IsZero() bool {
	return c == AccessConditions{}
}

// Headers are the standard content headers stored alongside a resource.
type Headers struct {
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	CacheControl       string
	ContentDisposition string
}

// IsZero reports whether no header is set.
func (h Headers) IsZero() bool {
	return h == Headers{}
}

// CreateOptions ...
type CreateOptions struct {
	// SizeHint is a capacity hint for backends that preallocate. Zero means
	// unknown.
	SizeHint   int64
	Conditions AccessConditions
}

// CommitOptions carries everything applied atomically with a block-list
// commit. Nil maps and zero Headers leave the stored values untouched.
type CommitOptions struct {
	Metadata   map[string]string
	Tags       map[string]string
	Headers    Headers
	Conditions AccessConditions
}

// Properties is the server-side state of a resource.
type Properties struct {
	ETag          string
	ContentLength int64
	LastModified  time.Time
	Headers       Headers
	Metadata      map[string]string
}
