package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_OrderLifecycle(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/order_lifecycle.yaml")
	require.NoError(t, err)

	assert.Equal(t, "order_lifecycle", scenario.Name)
	require.Len(t, scenario.Specs, 1)
	assert.Equal(t, filepath.Join("testdata", "specs", "order.cue"), filepath.Clean(scenario.Specs[0]))
	require.Len(t, scenario.Flow, 9)

	first := scenario.Flow[0]
	assert.Equal(t, OpSave, first.Op)
	assert.Equal(t, "S1", first.ID)
	assert.Equal(t, "O1", first.Fields["orderId"])
	assert.Equal(t, 100, first.Fields["total"])

	conflict := scenario.Flow[2]
	require.NotNil(t, conflict.Expect)
	assert.Equal(t, OutcomeUniqueConflict, conflict.Expect.Error)

	absent := scenario.Flow[4]
	require.NotNil(t, absent.Expect.Found)
	assert.False(t, *absent.Expect.Found)

	require.Len(t, scenario.Assertions, 4)
	assert.Equal(t, AssertIndexCount, scenario.Assertions[0].Type)
}

func TestLoadScenario_WithBasePath(t *testing.T) {
	path := writeScenario(t, `
name: based
description: spec paths resolve against the base
specs: [order.cue]
flow:
  - op: get
    variant: Order
    id: S1
`)
	scenario, err := LoadScenarioWithBasePath(path, "/specs")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/specs", "order.cue"), scenario.Specs[0])
}

func TestLoadScenario_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown field",
			content: "name: x\ndescription: y\nvariants: [{name: Order}]\nflows: []\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "missing name",
			content: "description: y\nvariants: [{name: Order}]\nflow: [{op: get, variant: Order, id: S1}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: x\nvariants: [{name: Order}]\nflow: [{op: get, variant: Order, id: S1}]\n",
			wantErr: "description is required",
		},
		{
			name:    "no variants",
			content: "name: x\ndescription: y\nflow: [{op: get, variant: Order, id: S1}]\n",
			wantErr: "at least one spec or inline variant",
		},
		{
			name:    "empty flow",
			content: "name: x\ndescription: y\nvariants: [{name: Order}]\nflow: []\n",
			wantErr: "flow must have at least one step",
		},
		{
			name:    "unknown op",
			content: "name: x\ndescription: y\nvariants: [{name: Order}]\nflow: [{op: upsert, variant: Order}]\n",
			wantErr: `unknown op "upsert"`,
		},
		{
			name:    "get without id",
			content: "name: x\ndescription: y\nvariants: [{name: Order}]\nflow: [{op: get, variant: Order}]\n",
			wantErr: "id is required for get",
		},
		{
			name:    "get_by without value",
			content: "name: x\ndescription: y\nvariants: [{name: Order}]\nflow: [{op: get_by, variant: Order, property: orderId}]\n",
			wantErr: "property and value are required",
		},
		{
			name:    "missing variant",
			content: "name: x\ndescription: y\nvariants: [{name: Order}]\nflow: [{op: save}]\n",
			wantErr: "variant is required",
		},
		{
			name:    "unknown expected error",
			content: "name: x\ndescription: y\nvariants: [{name: Order}]\nflow: [{op: save, variant: Order, expect: {error: boom}}]\n",
			wantErr: `unknown expected error "boom"`,
		},
		{
			name:    "setup with expect",
			content: "name: x\ndescription: y\nvariants: [{name: Order}]\nsetup: [{op: save, variant: Order, expect: {found: true}}]\nflow: [{op: get, variant: Order, id: S1}]\n",
			wantErr: "setup steps cannot have expectations",
		},
		{
			name:    "unknown assertion",
			content: "name: x\ndescription: y\nvariants: [{name: Order}]\nflow: [{op: get, variant: Order, id: S1}]\nassertions: [{type: final_state}]\n",
			wantErr: `unknown assertion type "final_state"`,
		},
		{
			name:    "document_count without variant",
			content: "name: x\ndescription: y\nvariants: [{name: Order}]\nflow: [{op: get, variant: Order, id: S1}]\nassertions: [{type: document_count, count: 1}]\n",
			wantErr: "variant is required for document_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}
