package market

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/internal/domain/proxy"
)

func TestMockFetcher_Fetch(t *testing.T) {
	t.Parallel()

	f := NewMockFetcher(DefaultCatalog(), MockConfig{})
	out, err := f.Fetch(context.Background(), mustRef(t, "oz/1596079870"), proxy.Direct())
	require.NoError(t, err)

	var data ProductData
	require.NoError(t, json.Unmarshal(out, &data))
	assert.Equal(t, "1596079870", data.SKU)
	assert.Equal(t, "https://www.ozon.ru/product/1596079870", data.URL)
	assert.Less(t, data.CPrice, data.Price)
	assert.GreaterOrEqual(t, data.Price, uint64(200))
	assert.LessOrEqual(t, data.Rating, 5.0)
	assert.NotEmpty(t, data.Name)
}

func TestMockFetcher_AlwaysFails(t *testing.T) {
	t.Parallel()

	f := NewMockFetcher(DefaultCatalog(), MockConfig{FailureRate: 1})
	_, err := f.Fetch(context.Background(), mustRef(t, "wb/1"), proxy.Direct())
	require.Error(t, err)
	transient, _ := dispatch.ClassifyWorkError(err)
	assert.True(t, transient)
}

func TestMockFetcher_LatencyHonorsContext(t *testing.T) {
	t.Parallel()

	f := NewMockFetcher(DefaultCatalog(), MockConfig{MinLatency: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, mustRef(t, "wb/1"), proxy.Direct())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
