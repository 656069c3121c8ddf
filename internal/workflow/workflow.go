// Package workflow defines the capability interfaces a worker composes
// to get chain data in, transformed data out, and optionally queries or
// patchable rollbacks wired to other workers. A concrete workflow
// implements Workflow plus whichever of Sourceable, Querying, or
// PatchableStore its role in the dependency graph requires; worker.go
// requires the capabilities it needs through generic interface
// constraints (e.g. a SourceWorker's workflow must also be Sourceable).
package workflow

import (
	"context"

	"github.com/chainwatch/ew/internal/chain"
)

// Workflow turns one block of upstream data (type U) into whatever its
// own store needs to persist, and reports its own downstream payload
// (type D, which is () for a pure sink) back to callers that might
// chain it further. Every method receives ctx so slow store calls can
// be bounded by the worker's lifecycle.
type Workflow[U any, D any] interface {
	// IncludeGenesis persists the genesis payload dispatched once
	// before a worker's first real Include. Unlike IncludeBlock it
	// reports nothing downstream: nothing in this module subscribes to
	// a worker's own genesis moment, only to its ongoing block stream.
	IncludeGenesis(ctx context.Context, data chain.StampedData[U])

	// IncludeBlock persists data, returning whatever downstream payload
	// this workflow exposes to things sourcing off of it.
	IncludeBlock(ctx context.Context, data chain.StampedData[U]) D

	// RollBack undoes everything persisted at height and returns the
	// new head (height-1's header).
	RollBack(ctx context.Context, height chain.Height) chain.Header

	// Header returns the last processed header.
	Header() chain.Header
}

// Sourceable marks a workflow whose own persisted data (type S) can be
// exposed to downstream workers through an eventbus.Emitter, i.e. the
// workflow can be wrapped in a SourceWorker. The SourceWorker adapter
// satisfies eventbus.Source's slice reads by calling GetAt once per
// height.
type Sourceable[S any] interface {
	ContainsHeader(ctx context.Context, header chain.Header) bool
	GetAt(ctx context.Context, height chain.Height) chain.StampedData[S]
}
