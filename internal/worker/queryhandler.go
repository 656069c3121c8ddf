package worker

import (
	"context"

	"github.com/chainwatch/ew/internal/chain"
	"github.com/chainwatch/ew/internal/errkind"
	"github.com/chainwatch/ew/internal/workflow"
)

// RunQueryHandler drains ch in FIFO order, calling handle for each
// incoming query and delivering the result on the query's own
// single-shot response channel. It runs until ctx is canceled or ch is
// closed by the workflow it serves, which is not fatal: a handler
// shutting down before its callers simply means those callers observe
// their response channel close.
func RunQueryHandler[Q any, R any](ctx context.Context, id string, ch <-chan workflow.QueryWrapper[Q, R], handle func(ctx context.Context, q Q) R) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case wrapper, ok := <-ch:
			if !ok {
				return errkind.New(errkind.ChannelClosed, id, chain.InitialHeight, errClosedQueryChannel)
			}
			resp := handle(ctx, wrapper.Query)
			select {
			case wrapper.ResponseCh <- resp:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

var errClosedQueryChannel = errClosed{}

type errClosed struct{}

func (errClosed) Error() string { return "query channel closed" }
