package ingest

import "context"

// InlineDispatcher runs history syncs synchronously in the webhook request
// path. It is the fallback when no task queue is configured, and the
// dispatcher of choice in tests.
type InlineDispatcher struct {
	sync *Synchronizer
}

func NewInlineDispatcher(sync *Synchronizer) *InlineDispatcher {
	return &InlineDispatcher{sync: sync}
}

func (d *InlineDispatcher) DispatchSync(ctx context.Context, integrationID, cursor string) error {
	_, err := d.sync.SyncByID(ctx, integrationID, cursor)

	return err
}
