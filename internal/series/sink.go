package series

import (
	"context"

	"go.uber.org/zap"
)

// Sink renders snapshots. Sinks are passive readers and never write to the
// store.
type Sink interface {
	Render(ctx context.Context, snap Snapshot) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, snap Snapshot) error

func (f SinkFunc) Render(ctx context.Context, snap Snapshot) error { return f(ctx, snap) }

// Watch renders the current snapshot, then one snapshot per notification,
// until ctx is done. Render errors are logged and do not stop the watch.
func Watch(ctx context.Context, store *Store, sink Sink, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	ch, cancel := store.Subscribe(16)
	defer cancel()

	var rendered uint64
	first := true
	render := func() {
		snap := store.Snapshot()
		if !first && snap.Version == rendered {
			return
		}
		first = false
		rendered = snap.Version
		if err := sink.Render(ctx, snap); err != nil {
			log.Warn("sink render failed", zap.Uint64("version", snap.Version), zap.Error(err))
		}
	}

	render()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			render()
		}
	}
}
