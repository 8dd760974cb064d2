package credential

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/market-scout/internal/domain/shared"
)

func ptr[T any](v T) *T { return &v }

func TestNewTokenID(t *testing.T) {
	t.Parallel()

	a, err := NewTokenID()
	require.NoError(t, err)
	b, err := NewTokenID()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "rs."))
	assert.Len(t, a, len("rs.")+32)
	assert.NotEqual(t, a, b)
}

func TestNewTokenValidation(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		ttl     time.Duration
		op, tc  int64
		wantErr bool
	}{
		{name: "valid", ttl: time.Hour, op: 10, tc: 2},
		{name: "zero ttl", ttl: 0, op: 10, tc: 2, wantErr: true},
		{name: "zero op limit", ttl: time.Hour, op: 0, tc: 2, wantErr: true},
		{name: "negative tc limit", ttl: time.Hour, op: 10, tc: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tok, err := NewToken("rs.x", now, tt.ttl, tt.op, tt.tc)
			if tt.wantErr {
				assert.ErrorIs(t, err, shared.ErrInvalidParameter)
				return
			}
			require.NoError(t, err)
			assert.Zero(t, tok.OpCount())
			assert.Zero(t, tok.TaskCount())
		})
	}
}

func TestTokenExpiryBoundary(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	tok, err := NewToken("rs.x", created, 60*time.Second, 10, 1)
	require.NoError(t, err)

	assert.False(t, tok.IsExpired(created.Add(59*time.Second)))
	assert.True(t, tok.IsExpired(created.Add(60*time.Second)), "expiry is inclusive of created_at+ttl")
	assert.True(t, tok.IsExpired(created.Add(61*time.Second)))
}

func TestTokenConsume(t *testing.T) {
	t.Parallel()

	tok, err := NewToken("rs.x", time.Now(), time.Hour, 3, 1)
	require.NoError(t, err)

	require.NoError(t, tok.Consume(2))
	assert.ErrorIs(t, tok.Consume(2), shared.ErrQuotaExceeded)
	assert.Equal(t, int64(2), tok.OpCount(), "failed charge leaves the counter unchanged")
	require.NoError(t, tok.Consume(1))
	assert.ErrorIs(t, tok.Consume(1), shared.ErrQuotaExceeded)
	assert.ErrorIs(t, tok.Consume(0), shared.ErrInvalidParameter)
}

func TestTokenTaskSlots(t *testing.T) {
	t.Parallel()

	tok, err := NewToken("rs.x", time.Now(), time.Hour, 3, 2)
	require.NoError(t, err)

	require.NoError(t, tok.AcquireTask())
	require.NoError(t, tok.AcquireTask())
	assert.ErrorIs(t, tok.AcquireTask(), shared.ErrConcurrencyLimitExceeded)

	tok.ReleaseTask()
	assert.Equal(t, int64(1), tok.TaskCount())
	tok.ReleaseTask()
	tok.ReleaseTask()
	assert.Zero(t, tok.TaskCount())
}

func TestTokenApply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		params  UpdateParams
		want    Snapshot
		wantErr bool
	}{
		{
			name:   "only ttl replaced",
			params: UpdateParams{TTL: ptr(2 * time.Hour)},
			want:   Snapshot{TTL: 2 * time.Hour, OpLimit: 10, TCLimit: 3},
		},
		{
			name:   "limits replaced",
			params: UpdateParams{OpLimit: ptr(int64(20)), TCLimit: ptr(int64(5))},
			want:   Snapshot{TTL: time.Hour, OpLimit: 20, TCLimit: 5},
		},
		{name: "op limit below usage", params: UpdateParams{OpLimit: ptr(int64(3))}, wantErr: true},
		{name: "tc limit below active tasks", params: UpdateParams{TCLimit: ptr(int64(1))}, wantErr: true},
		{name: "zero ttl", params: UpdateParams{TTL: ptr(time.Duration(0))}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tok, err := NewToken("rs.x", time.Now(), time.Hour, 10, 3)
			require.NoError(t, err)
			require.NoError(t, tok.Consume(5))
			require.NoError(t, tok.AcquireTask())
			require.NoError(t, tok.AcquireTask())

			err = tok.Apply(tt.params)
			if tt.wantErr {
				assert.ErrorIs(t, err, shared.ErrInvalidParameter)
				assert.Equal(t, time.Hour, tok.TTL(), "rejected update leaves token unchanged")
				assert.Equal(t, int64(10), tok.OpLimit())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.TTL, tok.TTL())
			assert.Equal(t, tt.want.OpLimit, tok.OpLimit())
			assert.Equal(t, tt.want.TCLimit, tok.TCLimit())
		})
	}
}
