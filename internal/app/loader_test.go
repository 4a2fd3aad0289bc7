package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pulsehub/internal/domain"
)

// blockingLoader holds every load until release is closed.
type blockingLoader struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
	session *domain.Session
}

func (l *blockingLoader) LoadSession(context.Context, uuid.UUID) (*domain.Session, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	l.entered <- struct{}{}
	<-l.release
	return l.session, nil
}

func TestLoader_CollapsesConcurrentLoads(t *testing.T) {
	id := uuid.New()
	inner := &blockingLoader{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
		session: &domain.Session{ID: id},
	}
	loader := NewLoader(inner, newStoreMetrics())

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*domain.Session, callers)
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s, err := loader.LoadSession(context.Background(), id)
			if err == nil {
				results[i] = s
			}
		}()
	}
	close(start)
	<-inner.entered
	// let the other callers pile up behind the in-flight load
	time.Sleep(50 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	inner.mu.Lock()
	calls := inner.calls
	inner.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 1)
	assert.Less(t, calls, callers)
	for _, s := range results {
		require.NotNil(t, s)
		assert.Equal(t, id, s.ID)
	}
}

func TestLoader_CountsResults(t *testing.T) {
	store := newMemStore()
	m := newStoreMetrics()
	loader := NewLoader(store, m)
	ctx := context.Background()

	known := &domain.Session{ID: uuid.New()}
	store.sessions[known.ID] = known

	got, err := loader.LoadSession(ctx, known.ID)
	require.NoError(t, err)
	assert.Same(t, known, got)

	_, err = loader.LoadSession(ctx, uuid.New())
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionLoads.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionLoads.WithLabelValues("not_found")))
}
