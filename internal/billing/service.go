package billing

import (
	"time"

	"go.uber.org/zap"
)

// Service implements customer resolution, checkout, subscription lifecycle
// calls, webhook processing and pull reconciliation on top of a Store.
type Service struct {
	client  *Client
	store   Store
	catalog *Catalog
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics the service records to.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the time source used for reconciliation versions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a billing service.
func NewService(client *Client, store Store, catalog *Catalog, opts ...Option) *Service {
	s := &Service{
		client:  client,
		store:   store,
		catalog: catalog,
		logger:  zap.NewNop(),
		metrics: NewMetrics(nil),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Catalog returns the plan catalog.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// callProvider runs a Stripe call, records metrics and classifies its error.
func callProvider[T any](s *Service, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	res, err := fn()
	s.metrics.observeProviderCall(op, start, err)
	if err != nil {
		var zero T
		return zero, classifyStripeError(err, op)
	}
	return res, nil
}
