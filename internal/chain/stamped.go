package chain

// StampedData tags a payload with the Header fields of the block it
// came from. It is shared read-only by multiple subscribers: callers
// must treat the Data field as immutable once published, since slice
// headers and map/pointer payloads are reference-shared across
// fan-out copies.
type StampedData[D any] struct {
	Header
	Data D
}

// NewStampedData wraps data with the given header's identity fields.
func NewStampedData[D any](h Header, data D) StampedData[D] {
	return StampedData[D]{Header: h, Data: data}
}

// Stamp returns the Header portion alone, useful when only the
// positional identity is needed (e.g. to construct a child StampedData
// of a different payload type from the same block).
func (s StampedData[D]) Stamp() Header {
	return s.Header
}
