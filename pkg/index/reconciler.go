package index

import (
	"context"
	"time"

	"github.com/cratery/registry/pkg/observability"
)

// pushReconciler retries mirror pushes in the background with exponential
// backoff, so a dead remote never fails or slows an index mutation (§4.4).
type pushReconciler struct {
	store  *Store
	logger *observability.Logger
	wake   chan struct{}

	minBackoff time.Duration
	maxBackoff time.Duration
}

func newPushReconciler(store *Store, logger *observability.Logger) *pushReconciler {
	return &pushReconciler{
		store:      store,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		minBackoff: time.Second,
		maxBackoff: 10 * time.Minute,
	}
}

// request signals that there is committed state to push. Coalesces: many
// commits between pushes become one push.
func (r *pushReconciler) request() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *pushReconciler) run(ctx context.Context) {
	backoff := r.minBackoff
	dirty := false

	for {
		if !dirty {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				dirty = true
			}
		}

		pushCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		err := r.store.push(pushCtx)
		cancel()

		if err == nil {
			dirty = false
			backoff = r.minBackoff
			continue
		}
		if ctx.Err() != nil {
			return
		}

		r.logger.WithError(err).WithField("backoff", backoff.String()).
			Warn("index mirror push failed, will retry")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		case <-r.wake:
			// A new commit landed while we were backing off; push covers it
			// too, so just retry now.
		}
		if backoff *= 2; backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
}
