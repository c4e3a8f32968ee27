package metadatahandler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/formula-engine/internal/analysis"
	"github.com/r3e-network/formula-engine/internal/expr"
)

type fakeMetadataProvider struct{ values map[string]any }

func (f *fakeMetadataProvider) GetMetadata(_ context.Context, entityID, key string) (any, error) {
	return f.values[entityID+"."+key], nil
}

func TestHandle_RewritesSingleCallInSourceOrder(t *testing.T) {
	provider := &fakeMetadataProvider{values: map[string]any{
		"sensor.door.last_changed": "2025-01-01T00:00:00Z",
	}}
	calls := []analysis.MetadataCall{{Ref: "state", Key: "last_changed"}}

	res, err := Handle(context.Background(), provider, "sensor.door", `metadata(state,'last_changed')`, calls)
	require.NoError(t, err)
	assert.Equal(t, "metadata_result(_metadata_0)", res.TransformedFormula)
	assert.Equal(t, "2025-01-01T00:00:00Z", res.Injected["_metadata_0"].S)
}

func TestHandle_RewritesMultipleCallsInSourceOrder(t *testing.T) {
	provider := &fakeMetadataProvider{values: map[string]any{
		"sensor.door.domain":    "sensor",
		"sensor.door.entity_id": "sensor.door",
	}}
	calls := []analysis.MetadataCall{
		{Ref: "state", Key: "domain"},
		{Ref: "state", Key: "entity_id"},
	}
	res, err := Handle(context.Background(), provider, "sensor.door",
		`metadata(state,'domain') + metadata(state,'entity_id')`, calls)
	require.NoError(t, err)
	assert.Equal(t, "metadata_result(_metadata_0) + metadata_result(_metadata_1)", res.TransformedFormula)
	assert.Equal(t, "sensor", res.Injected["_metadata_0"].S)
	assert.Equal(t, "sensor.door", res.Injected["_metadata_1"].S)
}

func TestHandle_InvalidMetadataKeyIsFatal(t *testing.T) {
	calls := []analysis.MetadataCall{{Ref: "state", Key: "bogus_key"}}
	_, err := Handle(context.Background(), &fakeMetadataProvider{}, "sensor.door", `metadata(state,'bogus_key')`, calls)
	require.Error(t, err)
	var invalid *InvalidMetadataKeyError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, "bogus_key", invalid.Key)
}

func TestHandle_ToleratesDoubleQuotedKey(t *testing.T) {
	provider := &fakeMetadataProvider{values: map[string]any{"sensor.door.domain": "sensor"}}
	calls := []analysis.MetadataCall{{Ref: "state", Key: "domain"}}
	res, err := Handle(context.Background(), provider, "sensor.door", `metadata(state, "domain")`, calls)
	require.NoError(t, err)
	assert.Equal(t, `metadata_result(_metadata_0)`, res.TransformedFormula)
}

func TestMetadataResultFn_PassesThroughArgument(t *testing.T) {
	fn := MetadataResultFn(nil)
	v, err := fn([]expr.Value{expr.String("injected")})
	require.NoError(t, err)
	assert.Equal(t, "injected", v.S)

	_, err = fn(nil)
	assert.Error(t, err)
}
