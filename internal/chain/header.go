// Package chain holds the identifiers shared by every layer of the
// indexing engine: the immutable Header, the StampedData payload wrapper,
// and the Include/Rollback Event sum type.
package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Digest is a hex-encoded chain identifier (a header id, box id, or
// similar); its length is not checked. ParseDigest rejects malformed
// hex at the boundary instead of
// letting bad input propagate as a string that merely fails to compare
// equal to anything.
type Digest string

// ZeroDigest is the all-zeros digest used by InitialHeader.
const ZeroDigest Digest = Digest("0x" + "0000000000000000000000000000000000000000000000000000000000000000")

// ParseDigest validates that s is well-formed hex (0x-prefixed) before
// wrapping it. Node responses are validated at the NodeClient boundary
// via this constructor.
func ParseDigest(s string) (Digest, error) {
	if _, err := hexutil.Decode(s); err != nil {
		return "", fmt.Errorf("chain: invalid digest %q: %w", s, err)
	}
	return Digest(s), nil
}

// Height is a block height. The initial sentinel height is -1.
type Height = int32

// InitialHeight is the sentinel height preceding any real block.
const InitialHeight Height = -1

// Header uniquely identifies a point on any chain via (height, header_id).
// It is immutable and cheap to copy.
type Header struct {
	Height    Height
	Timestamp int64 // milliseconds since epoch
	HeaderID  Digest
	ParentID  Digest
}

// InitialHeader is the sentinel header considered contained by every
// source: height -1, all-zero ids.
var InitialHeader = Header{
	Height:    InitialHeight,
	Timestamp: 0,
	HeaderID:  ZeroDigest,
	ParentID:  ZeroDigest,
}

// IsInitial reports whether h is the initial sentinel.
func (h Header) IsInitial() bool {
	return h.Height == InitialHeight
}

// IsAt reports whether h occupies the same position as other.
func (h Header) IsAt(other Header) bool {
	return h.Height == other.Height && h.HeaderID == other.HeaderID
}

// Child reports whether h is the direct child of parent: h's height is
// parent's height + 1 and h's parent id matches parent's header id.
func (h Header) Child(parent Header) bool {
	return h.Height == parent.Height+1 && h.ParentID == parent.HeaderID
}

func (h Header) String() string {
	return fmt.Sprintf("Header{height=%d, id=%s}", h.Height, h.HeaderID)
}
