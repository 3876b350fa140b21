package shadow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-defect-station/internal/metrics"
)

// DefaultTimeout bounds one remote round trip.
const DefaultTimeout = 5 * time.Second

// Store keeps the desired pipeline set of a shadow document in sync through
// read-modify-write.
//
// Every mutation starts from a fresh Get and writes the whole partition back.
// There is no compare-and-swap: concurrent writers to the same document race
// and the last one wins. Callers serialize per document (see Owner).
type Store struct {
	svc     Service
	timeout time.Duration
}

// NewStore returns a store over svc. timeout <= 0 selects DefaultTimeout.
func NewStore(svc Service, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{svc: svc, timeout: timeout}
}

// EnsureExists creates the document with an empty desired set when it does
// not exist yet. Idempotent.
func (s *Store) EnsureExists(ctx context.Context, documentID string) (err error) {
	defer observe("ensure", &err)

	_, err = s.get(ctx, documentID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return &Error{Op: "ensure", Document: documentID, Err: err}
	}

	if err = s.update(ctx, documentID, Desired, PipelineSet{}); err != nil {
		return &Error{Op: "ensure", Document: documentID, Err: err}
	}
	slog.Info("shadow: document created", "document", documentID)
	return nil
}

// Upsert sets the definition for streamID, replacing any previous one.
func (s *Store) Upsert(ctx context.Context, documentID, streamID, definition string) (err error) {
	defer observe("upsert", &err)

	doc, err := s.get(ctx, documentID)
	if err != nil {
		return &Error{Op: "upsert", Document: documentID, Err: err}
	}

	desired := doc.State.Desired.With(StreamPipeline{StreamID: streamID, Definition: definition})
	if err = s.update(ctx, documentID, Desired, desired); err != nil {
		return &Error{Op: "upsert", Document: documentID, Err: err}
	}

	slog.Debug("shadow: desired pipeline upserted",
		"document", documentID,
		"stream_id", streamID,
		"streams", len(desired),
	)
	return nil
}

// Delete removes streamID from the desired set. Deleting an absent stream is
// a no-op and issues no write.
func (s *Store) Delete(ctx context.Context, documentID, streamID string) (err error) {
	defer observe("delete", &err)

	doc, err := s.get(ctx, documentID)
	if err != nil {
		return &Error{Op: "delete", Document: documentID, Err: err}
	}

	desired, found := doc.State.Desired.Without(streamID)
	if !found {
		slog.Debug("shadow: stream not in desired set, nothing to delete",
			"document", documentID,
			"stream_id", streamID,
		)
		return nil
	}

	if err = s.update(ctx, documentID, Desired, desired); err != nil {
		return &Error{Op: "delete", Document: documentID, Err: err}
	}
	slog.Debug("shadow: desired pipeline deleted", "document", documentID, "stream_id", streamID)
	return nil
}

// Desired returns the current desired set.
func (s *Store) Desired(ctx context.Context, documentID string) (_ PipelineSet, err error) {
	defer observe("get", &err)

	doc, err := s.get(ctx, documentID)
	if err != nil {
		return nil, &Error{Op: "get", Document: documentID, Err: err}
	}
	return doc.State.Desired, nil
}

// Report writes the set of pipelines the device has applied.
func (s *Store) Report(ctx context.Context, documentID string, set PipelineSet) (err error) {
	defer observe("report", &err)

	if err = s.update(ctx, documentID, Reported, set); err != nil {
		return &Error{Op: "report", Document: documentID, Err: err}
	}
	return nil
}

func (s *Store) get(ctx context.Context, documentID string) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc, err := s.svc.Get(ctx, documentID)
	return doc, classify(ctx, err)
}

func (s *Store) update(ctx context.Context, documentID string, partition Partition, set PipelineSet) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return classify(ctx, s.svc.Update(ctx, documentID, partition, set))
}

// classify maps a round trip that ran out of time onto ErrTimeout.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func observe(op string, err *error) {
	result := "success"
	switch {
	case *err == nil:
	case errors.Is(*err, ErrNotFound):
		result = "not_found"
	case errors.Is(*err, ErrTimeout):
		result = "timeout"
	case errors.Is(*err, ErrUnauthorized):
		result = "unauthorized"
	default:
		result = "error"
	}
	metrics.IncShadowOp(op, result)
}
