package shadow

import (
	"context"
	"errors"
	"sync"
)

// ErrOwnerClosed is returned by Owner operations after Close.
var ErrOwnerClosed = errors.New("shadow: owner closed")

// Owner serializes every operation on one shadow document through a single
// goroutine, so read-modify-write cycles issued by this process never
// interleave. Writers outside the process still race (last writer wins).
type Owner struct {
	store    *Store
	document string

	ops       chan ownerOp
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type ownerOp struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

// NewOwner starts the goroutine owning documentID.
func NewOwner(store *Store, documentID string) *Owner {
	o := &Owner{
		store:    store,
		document: documentID,
		ops:      make(chan ownerOp),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go o.loop()
	return o
}

// Document returns the owned document ID.
func (o *Owner) Document() string { return o.document }

func (o *Owner) EnsureExists(ctx context.Context) error {
	return o.do(ctx, func(ctx context.Context) error {
		return o.store.EnsureExists(ctx, o.document)
	})
}

func (o *Owner) Upsert(ctx context.Context, streamID, definition string) error {
	return o.do(ctx, func(ctx context.Context) error {
		return o.store.Upsert(ctx, o.document, streamID, definition)
	})
}

func (o *Owner) Delete(ctx context.Context, streamID string) error {
	return o.do(ctx, func(ctx context.Context) error {
		return o.store.Delete(ctx, o.document, streamID)
	})
}

func (o *Owner) Desired(ctx context.Context) (PipelineSet, error) {
	var set PipelineSet
	err := o.do(ctx, func(ctx context.Context) error {
		var err error
		set, err = o.store.Desired(ctx, o.document)
		return err
	})
	return set, err
}

func (o *Owner) Report(ctx context.Context, set PipelineSet) error {
	return o.do(ctx, func(ctx context.Context) error {
		return o.store.Report(ctx, o.document, set)
	})
}

// Close stops the owning goroutine after the in-flight operation. Idempotent.
func (o *Owner) Close() {
	o.closeOnce.Do(func() {
		close(o.quit)
		<-o.done
	})
}

func (o *Owner) do(ctx context.Context, fn func(ctx context.Context) error) error {
	op := ownerOp{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case o.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.quit:
		return ErrOwnerClosed
	}
	return <-op.reply
}

func (o *Owner) loop() {
	defer close(o.done)
	for {
		select {
		case <-o.quit:
			return
		case op := <-o.ops:
			op.reply <- op.fn(op.ctx)
		}
	}
}
