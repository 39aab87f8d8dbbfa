package remote

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// Block ids are the base64 encoding of a fixed-width decimal sequence number.
// Fixed width keeps all ids the same length, which block stores commonly
// require, and makes lexical order equal upload order.
const blockIDWidth = 32

// BlockID encodes a zero-based block sequence number as a block id.
func BlockID(seq int) string {
	raw := fmt.Sprintf("%0*d", blockIDWidth, seq)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// BlockSequence decodes a block id produced by BlockID back into its
// sequence number.
func BlockSequence(id string) (int, error) {
	raw, err := base64.StdEncoding.DecodeString(id)
	if err != nil {
		return 0, fmt.Errorf("decode block id %q: %w", id, err)
	}
	if len(raw) != blockIDWidth {
		return 0, fmt.Errorf("block id %q: unexpected length %d", id, len(raw))
	}
	seq, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("block id %q: %w", id, err)
	}
	return seq, nil
}
