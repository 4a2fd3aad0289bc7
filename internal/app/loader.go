package app

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/pscheid92/pulsehub/internal/adapter/metrics"
	"github.com/pscheid92/pulsehub/internal/domain"
)

// Loader collapses concurrent hydrations of the same session into one
// store read.
type Loader struct {
	store   domain.SessionLoader
	metrics *metrics.StoreMetrics
	group   singleflight.Group
}

var _ domain.SessionLoader = (*Loader)(nil)

func NewLoader(store domain.SessionLoader, m *metrics.StoreMetrics) *Loader {
	return &Loader{store: store, metrics: m}
}

func (l *Loader) LoadSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	v, err, shared := l.group.Do(id.String(), func() (any, error) {
		s, err := l.store.LoadSession(ctx, id)
		switch {
		case err == nil:
			l.metrics.SessionLoads.WithLabelValues("hit").Inc()
		case errors.Is(err, domain.ErrNotFound):
			l.metrics.SessionLoads.WithLabelValues("not_found").Inc()
		default:
			l.metrics.SessionLoads.WithLabelValues("error").Inc()
		}
		return s, err
	})
	if shared {
		l.metrics.SessionLoads.WithLabelValues("shared").Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.(*domain.Session), nil
}
