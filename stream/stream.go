// Package stream implements a buffered, flush-driven write stream that
// incrementally uploads data to a block-oriented object store.
//
// Bytes written through a Writer accumulate in a fixed-size buffer; every
// full buffer is uploaded as one block, and Flush commits the ordered block
// list, which is the single point where the bytes become durable and visible.
// A Writer is not safe for concurrent use; the caller serializes
// Write/Flush/Close.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/blobkit/blockstream/remote"
)

// Usage errors reported synchronously by Open, before any remote call.
var (
	// ErrOverwriteRequired is returned by Open when Options.Overwrite is
	// false. The stream only supports replacing the target's content.
	ErrOverwriteRequired = errors.New("stream only supports overwriting: Overwrite must be true")

	// ErrInvalidBlockSize is returned by Open for a negative block size.
	ErrInvalidBlockSize = errors.New("block size must be positive")

	// ErrClosed is returned by operations on a closed Writer.
	ErrClosed = errors.New("stream is closed")
)

type state int

const (
	stateOpen state = iota
	stateFlushing
	stateCommitted
	stateClosed
	stateFaulted
)

// Writer is an io.WriteCloser streaming to a remote resource. Created by
// Open; terminal after Close or after the first remote failure, at which
// point every call fails fast with the originating error.
type Writer struct {
	ctx      context.Context
	store    remote.BlockStore
	resource string
	logger   log.Logger

	buf      *blockBuffer
	blockIDs []string
	nextSeq  int

	cond     remote.AccessConditions
	metadata map[string]string
	tags     map[string]string
	headers  remote.Headers

	progress progressSink
	stats    uploadStats

	state         state
	err           error
	committedOnce bool
	// dirty is set when a block was uploaded since the last successful
	// commit; a clean flush skips the remote commit call.
	dirty bool
}

// Open starts a write session on the given resource. The resource is eagerly
// created or truncated; that side effect is not rolled back if the session is
// never committed. The context governs every remote call of the session.
func Open(ctx context.Context, store remote.BlockStore, resource string, opts Options) (*Writer, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if resource == "" {
		return nil, errors.New("resource must not be empty")
	}
	if !opts.Overwrite {
		return nil, ErrOverwriteRequired
	}

	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidBlockSize, opts.BlockSize)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	etag, err := store.CreateOrOverwrite(ctx, resource, remote.CreateOptions{Conditions: opts.Conditions})
	if err != nil {
		return nil, fmt.Errorf("initialize resource %s: %w", resource, err)
	}

	// Caller-supplied etag conditions are consumed by the eager create.
	// From here on the session is pinned to the state it just created, so
	// any concurrent writer is detected at the next block upload or at
	// commit. Backends that assign no etag before commit leave the
	// caller's conditions in place.
	cond := remote.AccessConditions{LeaseID: opts.Conditions.LeaseID}
	if etag != "" {
		cond.IfMatch = etag
	} else {
		cond.IfMatch = opts.Conditions.IfMatch
		cond.IfNoneMatch = opts.Conditions.IfNoneMatch
	}

	logger.Debugf("Opened write stream on %s (block size %s)", resource, units.BytesSize(float64(blockSize)))

	return &Writer{
		ctx:      ctx,
		store:    store,
		resource: resource,
		logger:   logger,
		buf:      newBlockBuffer(blockSize),
		cond:     cond,
		metadata: copyStringMap(opts.Metadata),
		tags:     copyStringMap(opts.Tags),
		headers:  opts.Headers,
		progress: progressSink{fn: opts.OnProgress},
	}, nil
}

// Write buffers p and uploads a block every time the buffer fills to
// capacity. Block boundaries depend only on the cumulative byte count and the
// configured block size, never on how callers chunk their writes.
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.writable(); err != nil {
		return 0, err
	}

	written := 0
	for len(p) > 0 {
		n := w.buf.append(p)
		written += n
		p = p[n:]

		if w.buf.full() {
			if err := w.uploadBlock(w.buf.drain()); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Flush uploads any partially filled buffer as a final short block and
// commits the full ordered block list. Metadata, tags and headers are applied
// with the session's first successful commit only. A flush with nothing new
// since the last commit skips the remote call. A session that never wrote
// still commits an empty block list, producing a zero-length resource.
func (w *Writer) Flush() error {
	if err := w.writable(); err != nil {
		return err
	}
	w.state = stateFlushing

	if n := w.buf.len(); n > 0 {
		w.logger.Debugf("Flushing partial block of %s", units.BytesSize(float64(n)))
	}
	if err := w.uploadBlock(w.buf.drain()); err != nil {
		return err
	}

	if w.committedOnce && !w.dirty {
		w.state = stateCommitted
		return nil
	}

	opts := remote.CommitOptions{Conditions: w.cond}
	if !w.committedOnce {
		opts.Metadata = w.metadata
		opts.Tags = w.tags
		opts.Headers = w.headers
	}

	etag, err := w.store.CommitBlockList(w.ctx, w.resource, w.blockIDs, opts)
	if err != nil {
		return w.fault(fmt.Errorf("commit %d blocks to %s: %w", len(w.blockIDs), w.resource, err))
	}
	if etag != "" {
		// Re-pin to the committed state so a later flush on the same
		// session stays conditional on our own writes only.
		w.cond.IfMatch = etag
		w.cond.IfNoneMatch = ""
	}

	w.committedOnce = true
	w.dirty = false
	w.state = stateCommitted
	w.logger.Debugf("Committed %d blocks to %s (%s total)",
		len(w.blockIDs), w.resource, units.BytesSize(float64(w.progress.total)))
	return nil
}

// Close flushes and commits any remaining data, then releases the session.
// Safe to call multiple times and with zero bytes written. On a faulted
// session it returns the originating error without further remote calls.
func (w *Writer) Close() error {
	switch w.state {
	case stateClosed:
		return nil
	case stateFaulted:
		return w.err
	}

	if err := w.Flush(); err != nil {
		return err
	}

	w.state = stateClosed
	if count := w.stats.finishedCount(); count > 0 {
		w.logger.Debugf("Closed stream on %s: %d blocks, avg upload %v",
			w.resource, count, w.stats.average().Round(time.Millisecond))
	}
	return nil
}

// BytesTransferred returns the cumulative number of bytes uploaded so far.
// Bytes still sitting in the local buffer are not counted.
func (w *Writer) BytesTransferred() int64 {
	return w.progress.total
}

func (w *Writer) writable() error {
	switch w.state {
	case stateFaulted:
		return w.err
	case stateClosed:
		return ErrClosed
	default:
		return nil
	}
}

// uploadBlock uploads data as one block and tracks its id. The id joins the
// committed-pending list only after the store acknowledges the upload. A nil
// or empty block is a no-op.
func (w *Writer) uploadBlock(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	id := remote.BlockID(w.nextSeq)
	start := time.Now()
	if err := w.store.UploadBlock(w.ctx, w.resource, id, data, w.cond); err != nil {
		return w.fault(fmt.Errorf("upload block %d to %s: %w", w.nextSeq+1, w.resource, err))
	}
	w.stats.update(time.Since(start))

	w.nextSeq++
	w.blockIDs = append(w.blockIDs, id)
	w.dirty = true
	w.progress.add(int64(len(data)))

	w.logger.Debugf("Uploaded block %d (%s) to %s",
		w.nextSeq, units.BytesSize(float64(len(data))), w.resource)
	return nil
}

// fault transitions the session to its terminal failed state. Buffered but
// not yet uploaded bytes are discarded; the caller must re-open and resend if
// durability is required.
func (w *Writer) fault(err error) error {
	w.state = stateFaulted
	w.err = err
	return err
}
