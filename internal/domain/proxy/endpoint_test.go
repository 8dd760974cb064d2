package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/market-scout/internal/domain/shared"
)

func TestParseEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Endpoint
		wantErr bool
	}{
		{name: "with credentials", input: "user:pass@10.0.0.1:8080", want: Endpoint{Host: "10.0.0.1", Port: 8080, Username: "user", Password: "pass"}},
		{name: "without credentials", input: "192.168.1.2:3128", want: Endpoint{Host: "192.168.1.2", Port: 3128}},
		{name: "ipv6", input: "[::1]:9000", want: Endpoint{Host: "::1", Port: 9000}},
		{name: "hostname rejected", input: "user:pass@proxy.local:8080", wantErr: true},
		{name: "missing password", input: "user@10.0.0.1:8080", wantErr: true},
		{name: "missing port", input: "10.0.0.1", wantErr: true},
		{name: "zero port", input: "10.0.0.1:0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseEndpoint(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, shared.ErrInvalidParameter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEndpointURL(t *testing.T) {
	t.Parallel()

	ep := Endpoint{Host: "10.0.0.1", Port: 8080, Username: "u", Password: "p"}
	assert.Equal(t, "http://u:p@10.0.0.1:8080", ep.URL().String())
	assert.Equal(t, "u@10.0.0.1:8080", ep.String())
	assert.Nil(t, Direct().URL())
	assert.Equal(t, DirectKey, Direct().Key())
}

func TestParsePoolDedups(t *testing.T) {
	t.Parallel()

	pool, err := ParsePool([]string{"a:b@10.0.0.1:1", "c:d@10.0.0.1:1", "10.0.0.2:1"})
	require.NoError(t, err)
	assert.Len(t, pool, 2)
}

func TestHealthThresholdAndRecovery(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	h := NewHealth()

	assert.False(t, h.RecordFailure(now, 3))
	assert.False(t, h.RecordFailure(now, 3))
	assert.True(t, h.Healthy())
	assert.True(t, h.RecordFailure(now, 3), "third consecutive failure flips health")
	assert.False(t, h.Healthy())

	assert.False(t, h.Eligible(now.Add(10*time.Second), 30*time.Second))
	assert.True(t, h.Eligible(now.Add(30*time.Second), 30*time.Second))
	assert.False(t, h.Eligible(now.Add(time.Hour), 0), "zero recovery never trials")

	h.MarkTrial(now.Add(30 * time.Second))
	assert.False(t, h.Eligible(now.Add(31*time.Second), 30*time.Second))

	assert.True(t, h.RecordSuccess(), "one success restores health")
	assert.True(t, h.Healthy())
	assert.Zero(t, h.ConsecutiveFailures())
}

func TestHealthSuccessResetsStreak(t *testing.T) {
	t.Parallel()

	now := time.Now()
	h := NewHealth()
	h.RecordFailure(now, 3)
	h.RecordFailure(now, 3)
	assert.False(t, h.RecordSuccess())
	assert.False(t, h.RecordFailure(now, 3))
	assert.True(t, h.Healthy())
}
