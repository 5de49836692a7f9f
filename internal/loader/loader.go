package loader

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mmrag/internal/config"
	"mmrag/internal/core/domain"
	"mmrag/internal/core/ports"
	"mmrag/internal/infrastructure/resilience"
)

// Loader performs one full pass over the chunk store per process
// lifetime (or per explicit refresh) and serves engines from an
// immutable snapshot.
type Loader struct {
	store    ports.ChunkStore
	executor *resilience.Executor
	logger   *slog.Logger

	refreshMu sync.Mutex
	current   atomic.Pointer[Snapshot]
}

func New(store ports.ChunkStore, cfg config.LoaderConfig, logger *slog.Logger) *Loader {
	return &Loader{
		store:    store,
		executor: resilience.NewExecutor(resilience.LinearPolicy(cfg.RetryAttempts, cfg.RetryBackoff)),
		logger:   logger.With("component", "loader"),
	}
}

// Snapshot returns the current snapshot, loading one on first use.
func (l *Loader) Snapshot(ctx context.Context) (*Snapshot, error) {
	if snap := l.current.Load(); snap != nil {
		return snap, nil
	}
	return l.Refresh(ctx)
}

// Refresh loads the store and swaps the snapshot atomically. Readers
// holding the previous snapshot keep a consistent view; only the swap
// itself is serialized.
func (l *Loader) Refresh(ctx context.Context) (*Snapshot, error) {
	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	start := time.Now()
	var chunks []domain.Chunk
	err := l.executor.Execute(ctx, "loader.scroll", func(ctx context.Context) error {
		loaded, err := l.store.ScrollAll(ctx)
		if err != nil {
			return err
		}
		chunks = loaded
		return nil
	}, func(error) resilience.ErrorClassification {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	})
	if err != nil {
		return nil, domain.WrapError(domain.ErrLoadFailed, "load chunk store", err)
	}

	snap := buildSnapshot(chunks, time.Since(start))
	l.current.Store(snap)

	attrs := []any{"total", snap.Total(), "elapsed_ms", snap.Elapsed.Milliseconds()}
	for modality, count := range snap.Counts() {
		attrs = append(attrs, "count_"+string(modality), count)
	}
	l.logger.Info("chunk_snapshot_loaded", attrs...)
	return snap, nil
}

// GetByID resolves one chunk from the current snapshot.
func (l *Loader) GetByID(ctx context.Context, id string, hint ...domain.Modality) (domain.Chunk, bool, error) {
	snap, err := l.Snapshot(ctx)
	if err != nil {
		return domain.Chunk{}, false, err
	}
	chunk, ok := snap.Get(id, hint...)
	return chunk, ok, nil
}
