package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, time.January, 2, 15, 4, 5, 0, time.UTC)
	m := &Mock{CurrentTime: start}

	assert.Equal(t, start, m.Now())
	m.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), m.Now())

	m.Set(start)
	assert.Equal(t, start, m.Now())
}

func TestDefaultIsWallClock(t *testing.T) {
	t.Parallel()

	before := time.Now()
	got := Default().Now()
	assert.False(t, got.Before(before))
}
