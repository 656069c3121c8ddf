package workflow

import "context"

// QueryWrapper couples a query with the channel its answer must be
// sent back on. Go has no oneshot channel type, so a buffered
// capacity-1 channel plays that role.
type QueryWrapper[Q any, R any] struct {
	Query      Q
	ResponseCh chan<- R
}

// QuerySender is held by a query-emitting workflow (Querying) and lets
// it ask a question of the workflow that owns the matching
// QueryHandler, without either one importing the other's package.
type QuerySender[Q any, R any] struct {
	ch chan<- QueryWrapper[Q, R]
}

// NewQuerySender wraps the channel a QueryHandler exposes via Connect.
func NewQuerySender[Q any, R any](ch chan<- QueryWrapper[Q, R]) *QuerySender[Q, R] {
	return &QuerySender[Q, R]{ch: ch}
}

// PlaceholderQuerySender is the sender a Querying workflow holds before
// the supervisor wires it to a real handler. Its channel is unbuffered
// and has no receiver, so Send blocks until the caller's context
// expires and the response channel comes back closed; callers should
// never invoke Send before SetQuerySender has run with a real sender.
func PlaceholderQuerySender[Q any, R any]() *QuerySender[Q, R] {
	return &QuerySender[Q, R]{ch: make(chan QueryWrapper[Q, R])}
}

// Send submits query and returns the channel the answer will arrive
// on. The channel has capacity 1 so the handler's reply never blocks
// on the caller having started to receive yet.
func (s *QuerySender[Q, R]) Send(ctx context.Context, query Q) <-chan R {
	responseCh := make(chan R, 1)
	wrapper := QueryWrapper[Q, R]{Query: query, ResponseCh: responseCh}
	select {
	case s.ch <- wrapper:
	case <-ctx.Done():
		close(responseCh)
	}
	return responseCh
}

// Querying marks a workflow that emits queries of type Q expecting
// responses of type R. The supervisor calls SetQuerySender once it has
// connected this workflow to the QueryHandler it targets.
type Querying[Q any, R any] interface {
	SetQuerySender(sender *QuerySender[Q, R])
}

// QueryHandler marks a workflow that answers queries of type Q with
// responses of type R. Connect hands back a fresh QuerySender wrapping
// the handler's receive channel; the handler is responsible for
// draining that channel in its own goroutine (see
// worker.RunQueryHandler).
type QueryHandler[Q any, R any] interface {
	Connect() *QuerySender[Q, R]
}
