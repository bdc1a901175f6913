package saga

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sagastore/internal/ir"
)

func TestUniqueIdentityID_Deterministic(t *testing.T) {
	a, err := UniqueIdentityID("Order", "orderId", ir.IRString("O1"))
	require.NoError(t, err)
	b, err := UniqueIdentityID("Order", "orderId", ir.IRString("O1"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, uniqueIdentityPrefix+"Order/orderId/"), a)
}

func TestUniqueIdentityID_Distinct(t *testing.T) {
	base := mustIdentityID(t, "Order", "orderId", ir.IRString("1"))

	others := map[string]string{
		"value":    mustIdentityID(t, "Order", "orderId", ir.IRString("2")),
		"kind":     mustIdentityID(t, "Order", "orderId", ir.IRInt(1)),
		"property": mustIdentityID(t, "Order", "ref", ir.IRString("1")),
		"variant":  mustIdentityID(t, "Invoice", "orderId", ir.IRString("1")),
	}
	for name, id := range others {
		assert.NotEqual(t, base, id, name)
	}
}

func TestUniqueIdentityID_RejectsNonScalar(t *testing.T) {
	_, err := UniqueIdentityID("Order", "orderId", ir.IRArray{ir.IRString("O1")})
	assert.Error(t, err)
}

func TestNewUniqueIdentity(t *testing.T) {
	u, err := newUniqueIdentity("Order", "orderId", ir.IRInt(42), "S1", "order/S1")
	require.NoError(t, err)

	assert.Equal(t, mustIdentityID(t, "Order", "orderId", ir.IRInt(42)), u.ID)
	assert.Equal(t, "S1", u.SagaID)
	assert.JSONEq(t, `42`, string(u.UniqueValue))
	assert.Equal(t, "order/S1", u.SagaDocKey)
}

func TestUniqueIdentity_SagaLookup(t *testing.T) {
	current := &UniqueIdentity{SagaID: "S1", SagaDocKey: "order/S1"}
	lk := current.sagaLookup("Order")
	assert.Equal(t, lookupByDocumentKey, lk.kind)
	assert.Equal(t, "order/S1", lk.key)

	legacy := &UniqueIdentity{SagaID: "S1"}
	lk = legacy.sagaLookup("Order")
	assert.Equal(t, lookupBySagaID, lk.kind)
	assert.Equal(t, "order/S1", lk.key)

	assert.Equal(t, "document_key", lookupByDocumentKey.String())
	assert.Equal(t, "saga_id", lookupBySagaID.String())
	assert.Equal(t, "lookupKind(0)", lookupKind(0).String())
}

func mustIdentityID(t *testing.T, variant, property string, value ir.IRValue) string {
	t.Helper()
	id, err := UniqueIdentityID(variant, property, value)
	require.NoError(t, err)
	return id
}
