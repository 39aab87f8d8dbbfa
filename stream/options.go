package stream

import (
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/blobkit/blockstream/remote"
)

// DefaultBlockSize is the block size used when Options.BlockSize is zero.
const DefaultBlockSize = 4 * 1024 * 1024

// Options configures an Open call.
type Options struct {
	// Overwrite must be true: the stream only supports replacing the target
	// resource's content. Opening with false fails with ErrOverwriteRequired
	// before any remote call is made.
	Overwrite bool

	// BlockSize is the buffer capacity in bytes; every full buffer is
	// uploaded as one block. Zero means DefaultBlockSize, negative values
	// are rejected.
	BlockSize int64

	// Conditions is the access precondition presented on every remote call
	// of the session. When zero, the stream arms an etag match against the
	// resource state created at open time, so concurrent modification by
	// another actor is still detected at commit.
	Conditions remote.AccessConditions

	// Metadata, Tags and Headers are applied with the session's first
	// successful commit.
	Metadata map[string]string
	Tags     map[string]string
	Headers  remote.Headers

	// OnProgress, when set, is called after every successful block upload
	// with the cumulative number of bytes transferred so far.
	OnProgress func(bytesTransferred int64)

	// Logger defaults to log.NewLogger().
	Logger log.Logger
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
