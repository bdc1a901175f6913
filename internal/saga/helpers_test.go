package saga

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sagastore/internal/ir"
	"github.com/roach88/sagastore/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// orderSaga is the running example: Order sagas are unique on orderId.
type orderSaga struct {
	ID       string `json:"id"`
	OrderID  string `json:"orderId,omitempty"`
	Customer string `json:"customer,omitempty"`
	Total    int64  `json:"total"`
}

func (o *orderSaga) SagaID() string      { return o.ID }
func (o *orderSaga) SagaVariant() string { return "Order" }

// auditSaga declares no unique property.
type auditSaga struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

func (a *auditSaga) SagaID() string      { return a.ID }
func (a *auditSaga) SagaVariant() string { return "Audit" }

func orderDescriptor() Descriptor {
	return Descriptor{
		Variant: "Order",
		Unique: UniqueOn("orderId", func(o *orderSaga) ir.IRValue {
			return ir.IRString(o.OrderID)
		}),
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(orderDescriptor()))
	require.NoError(t, reg.Register(Descriptor{Variant: "Audit"}))
	return reg
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "saga.db"), store.WithLogger(discard))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// fixture opens one unit of work per call to unit.
type fixture struct {
	t       *testing.T
	store   *store.Store
	reg     *Registry
	metrics *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		t:       t,
		store:   newTestStore(t),
		reg:     newTestRegistry(t),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
}

func (f *fixture) open(opts ...Option) (*store.Session, *Persister) {
	sess := f.store.OpenSession()
	opts = append([]Option{WithLogger(discard), WithMetrics(f.metrics)}, opts...)
	return sess, NewPersister(sess, f.reg, opts...)
}

// unit runs fn in a fresh session and flushes it.
func (f *fixture) unit(fn func(p *Persister) error) error {
	f.t.Helper()
	sess, p := f.open()
	if err := fn(p); err != nil {
		return err
	}
	return sess.SaveChanges(context.Background())
}

func (f *fixture) mustUnit(fn func(p *Persister) error) {
	f.t.Helper()
	require.NoError(f.t, f.unit(fn))
}

func (f *fixture) lookup(property string, value any) *orderSaga {
	f.t.Helper()
	_, p := f.open()
	var got orderSaga
	found, err := p.GetBy(context.Background(), "Order", property, value, &got)
	require.NoError(f.t, err)
	if !found {
		return nil
	}
	return &got
}

func (f *fixture) identityCount() int {
	f.t.Helper()
	n, err := f.store.Count(context.Background(), UniqueIdentityCollection)
	require.NoError(f.t, err)
	return n
}
