package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sagastore/internal/ir"
	"github.com/roach88/sagastore/internal/store"
)

func TestPersister_OrderLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1", Total: 100})
	})

	got := f.lookup("orderId", "O1")
	require.NotNil(t, got)
	assert.Equal(t, "S1", got.ID)

	err := f.unit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S2", OrderID: "O1"})
	})
	require.Error(t, err)
	assert.True(t, IsUniqueValueConflict(err), "want unique conflict, got %v", err)
	assert.True(t, store.IsConstraintViolation(err))

	f.mustUnit(func(p *Persister) error {
		var s1 orderSaga
		found, err := p.Get(ctx, "Order", "S1", &s1)
		if err != nil || !found {
			return errors.Join(err, errors.New("S1 not found"))
		}
		s1.OrderID = "O2"
		return p.Update(ctx, &s1)
	})

	assert.Nil(t, f.lookup("orderId", "O1"))
	got = f.lookup("orderId", "O2")
	require.NotNil(t, got)
	assert.Equal(t, "S1", got.ID)
	assert.Equal(t, 1, f.identityCount())

	f.mustUnit(func(p *Persister) error {
		return p.Complete(ctx, &orderSaga{ID: "S1", OrderID: "O2"})
	})

	_, p := f.open()
	var s1 orderSaga
	found, err := p.Get(ctx, "Order", "S1", &s1)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, f.lookup("orderId", "O2"))
	assert.Equal(t, 0, f.identityCount())
}

func TestPersister_FailedSaveLeavesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1"})
	})
	err := f.unit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S2", OrderID: "O1"})
	})
	require.True(t, IsUniqueValueConflict(err))

	_, p := f.open()
	var s2 orderSaga
	found, err := p.Get(ctx, "Order", "S2", &s2)
	require.NoError(t, err)
	assert.False(t, found, "saga document of the losing unit of work must not persist")
	assert.Equal(t, 1, f.identityCount())
}

func TestPersister_ConcurrentUnitsOfWorkOneWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sessA, pA := f.open()
	sessB, pB := f.open()
	require.NoError(t, pA.Save(ctx, &orderSaga{ID: "A", OrderID: "O1"}))
	require.NoError(t, pB.Save(ctx, &orderSaga{ID: "B", OrderID: "O1"}))

	require.NoError(t, sessA.SaveChanges(ctx))
	err := sessB.SaveChanges(ctx)
	require.Error(t, err)
	assert.True(t, IsUniqueValueConflict(err))

	got := f.lookup("orderId", "O1")
	require.NotNil(t, got)
	assert.Equal(t, "A", got.ID)
}

func TestPersister_SameSessionConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sess, p := f.open()
	require.NoError(t, p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1"}))
	err := p.Save(ctx, &orderSaga{ID: "S2", OrderID: "O1"})
	require.Error(t, err)
	assert.True(t, IsUniqueValueConflict(err))

	// The rejected saga is not left pending.
	changes, err := sess.Changes()
	require.NoError(t, err)
	for _, c := range changes {
		assert.NotEqual(t, "order/S2", c.Key)
	}
	require.NoError(t, sess.SaveChanges(ctx))

	_, check := f.open()
	var s2 orderSaga
	found, err := check.Get(ctx, "Order", "S2", &s2)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, f.identityCount())
}

func TestPersister_RejectedUpdateWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		if err := p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1"}); err != nil {
			return err
		}
		return p.Save(ctx, &orderSaga{ID: "S2", OrderID: "O2"})
	})

	sess, p := f.open()
	var held orderSaga
	found, err := p.GetBy(ctx, "Order", "orderId", "O1", &held)
	require.NoError(t, err)
	require.True(t, found)

	err = p.Update(ctx, &orderSaga{ID: "S2", OrderID: "O1", Total: 9})
	require.Error(t, err)
	assert.True(t, IsUniqueValueConflict(err), "got %v", err)

	changes, err := sess.Changes()
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestPersister_ReleasedValueIsAbsentUntilFlush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1"})
	})

	sess, p := f.open()
	var s1 orderSaga
	found, err := p.Get(ctx, "Order", "S1", &s1)
	require.NoError(t, err)
	require.True(t, found)
	s1.OrderID = "O2"
	require.NoError(t, p.Update(ctx, &s1))

	var got orderSaga
	found, err = p.GetBy(ctx, "Order", "orderId", "O1", &got)
	require.NoError(t, err)
	assert.False(t, found, "released value still resolves to %+v", got)

	// Reverting in the same unit of work claims the value again.
	s1.OrderID = "O1"
	require.NoError(t, p.Update(ctx, &s1))
	require.NoError(t, sess.SaveChanges(ctx))

	assert.Equal(t, 1, f.identityCount())
	owner := f.lookup("orderId", "O1")
	require.NotNil(t, owner)
	assert.Equal(t, "S1", owner.ID)
	assert.Nil(t, f.lookup("orderId", "O2"))

	err = f.unit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S2", OrderID: "O1"})
	})
	assert.True(t, IsUniqueValueConflict(err), "got %v", err)
}

func TestPersister_CompletedValueCanBeReclaimedInSameSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1"})
	})

	f.mustUnit(func(p *Persister) error {
		if err := p.Complete(ctx, &orderSaga{ID: "S1", OrderID: "O1"}); err != nil {
			return err
		}
		var got orderSaga
		found, err := p.GetBy(ctx, "Order", "orderId", "O1", &got)
		if err != nil {
			return err
		}
		if found {
			return errors.New("completed saga still found by its unique value")
		}
		return p.Save(ctx, &orderSaga{ID: "S2", OrderID: "O1"})
	})

	assert.Equal(t, 1, f.identityCount())
	owner := f.lookup("orderId", "O1")
	require.NotNil(t, owner)
	assert.Equal(t, "S2", owner.ID)
}

func TestPersister_SaveAfterLookupInSameSessionConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1"})
	})

	_, p := f.open()
	var got orderSaga
	found, err := p.GetBy(ctx, "Order", "orderId", "O1", &got)
	require.NoError(t, err)
	require.True(t, found)

	err = p.Save(ctx, &orderSaga{ID: "S2", OrderID: "O1"})
	assert.True(t, IsUniqueValueConflict(err), "got %v", err)
}

func TestPersister_UnchangedUpdateWritesNoIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1", Customer: "alice"})
	})

	sess, p := f.open()
	var s1 orderSaga
	found, err := p.Get(ctx, "Order", "S1", &s1)
	require.NoError(t, err)
	require.True(t, found)

	s1.Customer = "bob"
	require.NoError(t, p.Update(ctx, &s1))

	changes, err := sess.Changes()
	require.NoError(t, err)
	assert.Equal(t, []store.Change{
		{Key: "order/S1", Collection: "Order", Kind: store.ChangeUpdate},
	}, changes)
	assert.Zero(t, testutil.ToFloat64(f.metrics.IndexWrites.WithLabelValues("delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IndexWrites.WithLabelValues("create")))
}

func TestPersister_UpdateWithoutAnyChangeIsEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1"})
	})

	sess, p := f.open()
	require.NoError(t, p.Update(ctx, &orderSaga{ID: "S1", OrderID: "O1"}))
	changes, err := sess.Changes()
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestPersister_UpdateIndexesLegacySaga(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Written before unique tracking: no identity, no marker.
	sess := f.store.OpenSession()
	require.NoError(t, sess.Store("order/S1", "Order", &orderSaga{ID: "S1", OrderID: "O1"}))
	require.NoError(t, sess.SaveChanges(ctx))
	assert.Nil(t, f.lookup("orderId", "O1"))

	f.mustUnit(func(p *Persister) error {
		return p.Update(ctx, &orderSaga{ID: "S1", OrderID: "O1", Total: 5})
	})

	got := f.lookup("orderId", "O1")
	require.NotNil(t, got)
	assert.Equal(t, int64(5), got.Total)

	check := f.store.OpenSession()
	_, err := check.Load(ctx, "order/S1")
	require.NoError(t, err)
	meta, err := check.Metadata("order/S1")
	require.NoError(t, err)
	assert.Equal(t, `"O1"`, meta[uniqueValueMarker])
}

func TestPersister_UpdateClearingValueReleasesIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1"})
	})

	f.mustUnit(func(p *Persister) error {
		return p.Update(ctx, &orderSaga{ID: "S1"})
	})
	assert.Equal(t, 0, f.identityCount())
	assert.Nil(t, f.lookup("orderId", "O1"))

	check := f.store.OpenSession()
	_, err := check.Load(ctx, "order/S1")
	require.NoError(t, err)
	meta, err := check.Metadata("order/S1")
	require.NoError(t, err)
	assert.NotContains(t, meta, uniqueValueMarker)

	// The value can be claimed again later.
	f.mustUnit(func(p *Persister) error {
		return p.Update(ctx, &orderSaga{ID: "S1", OrderID: "O3"})
	})
	got := f.lookup("orderId", "O3")
	require.NotNil(t, got)
	assert.Equal(t, "S1", got.ID)
}

func TestPersister_EditAndRevertInOneSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1"})
	})

	f.mustUnit(func(p *Persister) error {
		if err := p.Update(ctx, &orderSaga{ID: "S1", OrderID: "O2"}); err != nil {
			return err
		}
		return p.Update(ctx, &orderSaga{ID: "S1", OrderID: "O1"})
	})

	assert.Equal(t, 1, f.identityCount())
	assert.Nil(t, f.lookup("orderId", "O2"))
	got := f.lookup("orderId", "O1")
	require.NotNil(t, got)
	assert.Equal(t, "S1", got.ID)
}

func TestPersister_SaveUpdateCompleteInOneSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.mustUnit(func(p *Persister) error {
		if err := p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1"}); err != nil {
			return err
		}
		if err := p.Update(ctx, &orderSaga{ID: "S1", OrderID: "O2"}); err != nil {
			return err
		}
		return p.Complete(ctx, &orderSaga{ID: "S1", OrderID: "O2"})
	})

	assert.Equal(t, 0, f.identityCount())
	n, err := f.store.Count(ctx, "Order")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPersister_CompleteReleasesMarkedValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1"})
	})

	// The caller edited the value but completes without updating first.
	f.mustUnit(func(p *Persister) error {
		return p.Complete(ctx, &orderSaga{ID: "S1", OrderID: "O9"})
	})
	assert.Equal(t, 0, f.identityCount())
}

func TestPersister_UnknownSaga(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, p := f.open()

	err := p.Update(ctx, &orderSaga{ID: "nope", OrderID: "O1"})
	assert.ErrorIs(t, err, ErrSagaNotFound)

	err = p.Complete(ctx, &orderSaga{ID: "nope"})
	assert.ErrorIs(t, err, ErrSagaNotFound)

	err = p.Save(ctx, &orderSaga{OrderID: "O1"})
	assert.ErrorIs(t, err, ErrMissingSagaID)
}

func TestPersister_VariantWithoutUniqueProperty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &auditSaga{ID: "A1", Action: "created"})
	})
	f.mustUnit(func(p *Persister) error {
		return p.Update(ctx, &auditSaga{ID: "A1", Action: "shipped"})
	})
	assert.Equal(t, 0, f.identityCount())

	_, p := f.open()
	var got auditSaga
	found, err := p.GetBy(ctx, "Audit", "action", "shipped", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "A1", got.ID)

	f.mustUnit(func(p *Persister) error {
		return p.Complete(ctx, &auditSaga{ID: "A1"})
	})
	_, p = f.open()
	found, err = p.Get(ctx, "Audit", "A1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPersister_GetByUniquePrefetchesSaga(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1"})
	})

	sess, p := f.open()
	var got orderSaga
	found, err := p.GetBy(ctx, "Order", "orderId", "O1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, sess.RoundTrips())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Lookups.WithLabelValues("unique")))
}

func TestPersister_GetByLegacyIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := UniqueIdentityID("Order", "orderId", ir.IRString("O9"))
	require.NoError(t, err)

	sess := f.store.OpenSession()
	require.NoError(t, sess.Store("order/S9", "Order", &orderSaga{ID: "S9", OrderID: "O9"}))
	require.NoError(t, sess.Store(id, UniqueIdentityCollection, &UniqueIdentity{
		ID:          id,
		SagaID:      "S9",
		UniqueValue: json.RawMessage(`"O9"`),
	}))
	require.NoError(t, sess.SaveChanges(ctx))

	sess, p := f.open()
	var got orderSaga
	found, err := p.GetBy(ctx, "Order", "orderId", "O9", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "S9", got.ID)
	assert.Equal(t, 2, sess.RoundTrips())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Lookups.WithLabelValues("legacy")))
}

func TestPersister_GetByUniqueIgnoresQueryIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A saga document without an identity is invisible to unique lookups.
	sess := f.store.OpenSession()
	require.NoError(t, sess.Store("order/S1", "Order", &orderSaga{ID: "S1", OrderID: "O1"}))
	require.NoError(t, sess.SaveChanges(ctx))
	_, err := f.store.Indexer().CatchUp(ctx)
	require.NoError(t, err)

	assert.Nil(t, f.lookup("orderId", "O1"))
	assert.Zero(t, testutil.ToFloat64(f.metrics.Lookups.WithLabelValues("query")))
}

func TestPersister_GetByQuery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		for _, o := range []*orderSaga{
			{ID: "S1", OrderID: "O1", Customer: "alice", Total: 10},
			{ID: "S2", OrderID: "O2", Customer: "bob", Total: 20},
			{ID: "S3", OrderID: "O3", Customer: "bob", Total: 30},
		} {
			if err := p.Save(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})

	got := f.lookup("customer", "bob")
	require.NotNil(t, got)
	assert.Equal(t, "S2", got.ID, "first match by key")

	got = f.lookup("total", 30)
	require.NotNil(t, got)
	assert.Equal(t, "S3", got.ID)

	assert.Nil(t, f.lookup("customer", "carol"))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Lookups.WithLabelValues("query")))
}

func TestPersister_GetByQuerySeesFreshWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", Customer: "alice"})
	})
	got := f.lookup("customer", "alice")
	require.NotNil(t, got)

	f.mustUnit(func(p *Persister) error {
		return p.Update(ctx, &orderSaga{ID: "S1", Customer: "dave"})
	})
	assert.Nil(t, f.lookup("customer", "alice"))
	assert.NotNil(t, f.lookup("customer", "dave"))
}

func TestPersister_SchemaMismatchIsNoMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", Customer: "alice"})
	})

	assert.Nil(t, f.lookup("customer", 42))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SchemaMismatches))

	_, strict := f.open(WithStrictQueries())
	var got orderSaga
	found, err := strict.GetBy(ctx, "Order", "customer", 42, &got)
	assert.False(t, found)
	require.Error(t, err)
	assert.True(t, store.IsSchemaMismatch(err))
}

func TestPersister_GetByRejectsNonScalar(t *testing.T) {
	f := newFixture(t)
	_, p := f.open()
	var got orderSaga
	_, err := p.GetBy(context.Background(), "Order", "orderId", []any{"O1"}, &got)
	assert.Error(t, err)
	_, err = p.GetBy(context.Background(), "Order", "total", 1.5, &got)
	assert.Error(t, err)
}

func TestPersister_SchemalessDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.reg.RegisterSpec(ir.VariantSpec{Name: "Shipment", Unique: "trackingNo"}))

	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &Document{
			ID:      "D1",
			Variant: "Shipment",
			Fields: ir.IRObject{
				"trackingNo": ir.IRString("T1"),
				"weight":     ir.IRInt(3),
			},
		})
	})

	_, p := f.open()
	var got Document
	found, err := p.GetBy(ctx, "Shipment", "trackingNo", "T1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "D1", got.ID)
	assert.Equal(t, "Shipment", got.Variant)
	assert.Equal(t, ir.IRInt(3), got.Fields["weight"])

	err = f.unit(func(p *Persister) error {
		return p.Save(ctx, &Document{
			ID:      "D2",
			Variant: "Shipment",
			Fields:  ir.IRObject{"trackingNo": ir.IRString("T1")},
		})
	})
	assert.True(t, IsUniqueValueConflict(err))
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1", Total: 7})
	})

	_, p := f.open()
	got, err := Find[orderSaga](ctx, p, "Order", "S1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.Total)

	byOrder, err := FindBy[orderSaga](ctx, p, "Order", "orderId", "O1")
	require.NoError(t, err)
	require.NotNil(t, byOrder)
	assert.Equal(t, "S1", byOrder.ID)

	missing, err := Find[orderSaga](ctx, p, "Order", "S404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPersister_OperationCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		return p.Save(ctx, &orderSaga{ID: "S1", OrderID: "O1"})
	})
	f.mustUnit(func(p *Persister) error {
		return p.Complete(ctx, &orderSaga{ID: "S1", OrderID: "O1"})
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("save")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IndexWrites.WithLabelValues("delete")))
}

func TestPersister_NilMetrics(t *testing.T) {
	st := newTestStore(t)
	sess := st.OpenSession()
	p := NewPersister(sess, newTestRegistry(t), WithLogger(discard))
	require.NoError(t, p.Save(context.Background(), &orderSaga{ID: "S1", OrderID: "O1"}))
	require.NoError(t, sess.SaveChanges(context.Background()))
}

func seedLegacy(t *testing.T, f *fixture, sagaID, orderID, owner string) string {
	t.Helper()
	id, err := UniqueIdentityID("Order", "orderId", ir.IRString(orderID))
	require.NoError(t, err)

	sess := f.store.OpenSession()
	require.NoError(t, sess.Store(store.DocumentKey(sagaID, "Order"), "Order", &orderSaga{ID: sagaID, OrderID: orderID}))
	require.NoError(t, sess.Store(id, UniqueIdentityCollection, &UniqueIdentity{
		ID:          id,
		SagaID:      owner,
		UniqueValue: json.RawMessage(`"` + orderID + `"`),
	}))
	require.NoError(t, sess.SaveChanges(context.Background()))
	return id
}

func TestPersister_UpdateAdoptsLegacyIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := seedLegacy(t, f, "S9", "O9", "S9")

	f.mustUnit(func(p *Persister) error {
		return p.Update(ctx, &orderSaga{ID: "S9", OrderID: "O9", Total: 3})
	})

	sess := f.store.OpenSession()
	doc, err := sess.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, doc)
	var identity UniqueIdentity
	require.NoError(t, doc.Decode(&identity))
	assert.Equal(t, "order/S9", identity.SagaDocKey, "identity upgraded with the saga key")
	assert.Equal(t, 1, f.identityCount())

	// Lookups now take the direct path.
	got := f.lookup("orderId", "O9")
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.Total)
	assert.Zero(t, testutil.ToFloat64(f.metrics.Lookups.WithLabelValues("legacy")))
}

func TestPersister_UpdateRejectsIdentityOwnedByOther(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedLegacy(t, f, "S9", "O9", "S8")

	_, p := f.open()
	err := p.Update(ctx, &orderSaga{ID: "S9", OrderID: "O9"})
	require.Error(t, err)
	assert.True(t, IsUniqueValueConflict(err))
}

func TestPersister_NonScalarUniqueValueWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.reg.Register(Descriptor{Variant: "Shipment", Unique: DocumentField("tracking")}))

	sess, p := f.open()
	err := p.Save(ctx, &Document{
		ID:      "SH1",
		Variant: "Shipment",
		Fields:  ir.IRObject{"tracking": ir.IRArray{ir.IRString("T1")}},
	})
	require.Error(t, err)

	changes, err := sess.Changes()
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestPersister_IdsLookingLikeKeysStayDistinct(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustUnit(func(p *Persister) error {
		if err := p.Save(ctx, &orderSaga{ID: "x", OrderID: "O1"}); err != nil {
			return err
		}
		return p.Save(ctx, &orderSaga{ID: "order/x", OrderID: "O2"})
	})

	_, p := f.open()
	for id, orderID := range map[string]string{"x": "O1", "order/x": "O2"} {
		var got orderSaga
		found, err := p.Get(ctx, "Order", id, &got)
		require.NoError(t, err)
		require.True(t, found, id)
		assert.Equal(t, orderID, got.OrderID)
	}
	assert.Equal(t, "order/x", f.lookup("orderId", "O2").ID)
}
