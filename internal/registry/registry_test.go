package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/widip-ai/ctrlplane/internal/contracts"
)

func echoHandler(_ context.Context, _ *contracts.ExecutionContext, args map[string]any) (map[string]any, error) {
	return args, nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	tool := contracts.Tool{
		Name:        "get_device_status",
		Description: "reads device status",
		Level:       contracts.L0,
		Handler:     echoHandler,
		Params: []contracts.ParamSchema{
			{Name: "device_name", Kind: contracts.KindString, Required: true},
		},
	}
	require.NoError(t, r.Register(tool))

	got, ok := r.Lookup("get_device_status")
	require.True(t, ok)
	assert.Equal(t, contracts.L0, got.Level)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := New()
	tool := contracts.Tool{Name: "dup", Level: contracts.L0, Handler: echoHandler}
	require.NoError(t, r.Register(tool))
	err := r.Register(tool)
	assert.Error(t, err)
}

func TestRegisterRejectsEmptyNameOrNilHandler(t *testing.T) {
	r := New()
	assert.Error(t, r.Register(contracts.Tool{Name: "", Handler: echoHandler}))
	assert.Error(t, r.Register(contracts.Tool{Name: "x"}))
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(contracts.Tool{Name: "b", Handler: echoHandler, Level: contracts.L0}))
	require.NoError(t, r.Register(contracts.Tool{Name: "a", Handler: echoHandler, Level: contracts.L0}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Name)
	assert.Equal(t, "a", list[1].Name)
}

func TestSchemaShapesNestedParams(t *testing.T) {
	r := New()
	tool := contracts.Tool{
		Name:    "create_ticket",
		Level:   contracts.L1,
		Handler: echoHandler,
		Params: []contracts.ParamSchema{
			{Name: "title", Kind: contracts.KindString, Required: true},
			{
				Name: "metadata",
				Kind: contracts.KindObject,
				Properties: []contracts.ParamSchema{
					{Name: "priority", Kind: contracts.KindString, Enum: []any{"low", "high"}},
				},
			},
		},
	}
	require.NoError(t, r.Register(tool))

	view, ok := r.Schema("create_ticket")
	require.True(t, ok)
	assert.Equal(t, "object", view.InputSchema.Type)
	assert.Contains(t, view.InputSchema.Required, "title")
	assert.Equal(t, "object", view.InputSchema.Properties["metadata"].Type)
	assert.Equal(t, []any{"low", "high"}, view.InputSchema.Properties["metadata"].Properties["priority"].Enum)
}

func TestSchemaUnknownToolNotFound(t *testing.T) {
	r := New()
	_, ok := r.Schema("nope")
	assert.False(t, ok)
}
