package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Reconcile applies definitions changed remotely in the desired partition.
// A running workflow whose stream has a different desired definition is
// restarted with it; streams missing from the partition are left alone.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if o.closed {
		return ErrClosed
	}

	desired, err := o.deps.Shadow.Desired(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: reconcile: %w", err)
	}

	var errs []error
	changed := 0
	for _, id := range o.ids() {
		cur, ok := o.lookup(id)
		if !ok {
			continue
		}
		want, ok := desired.Find(cur.StreamID)
		if !ok || want.Definition == cur.Definition {
			continue
		}

		slog.Info("orchestrator: desired definition changed remotely",
			"workflow_id", id,
			"stream_id", cur.StreamID,
		)
		next := cur
		next.Definition = want.Definition
		if err := o.stop(ctx, id, false); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := o.start(ctx, next, false); err != nil {
			errs = append(errs, err)
			continue
		}
		changed++
	}

	if changed == 0 {
		o.report(ctx)
	}
	return errors.Join(errs...)
}

// RunSync reconciles every interval until ctx is cancelled. Failures are
// logged and retried on the next tick.
func (o *Orchestrator) RunSync(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.Reconcile(ctx); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				slog.Warn("orchestrator: shadow sync failed", "error", err)
			}
		}
	}
}
