package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enroltoken/internal/db"
	"enroltoken/internal/model"
)

func newGuard(t *testing.T) (*ThrottleGuard, *fakeClock) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	clock := &fakeClock{t: fixtureStart}
	return NewThrottleGuard(database, WithThrottleClock(clock.Now)), clock
}

func TestThrottleIPAxis(t *testing.T) {
	g, clock := newGuard(t)
	ctx := context.Background()
	s := ThrottleSettings{IPWindow: 20 * time.Minute, UserWindow: 10 * time.Minute}

	for i := 0; i < ThrottleLimit; i++ {
		hit, err := g.CheckAndRecord(ctx, fmt.Sprintf("code%d", i), "", "192.0.2.1", s)
		require.NoError(t, err)
		require.Nil(t, hit, "attempt %d", i)
	}
	hit, err := g.CheckAndRecord(ctx, "code-extra", "", "192.0.2.1", s)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, AxisIP, hit.Axis)
	assert.EqualValues(t, ThrottleLimit+1, hit.Count)

	// another address is unaffected
	hit, err = g.CheckAndRecord(ctx, "code0", "", "192.0.2.2", s)
	require.NoError(t, err)
	assert.Nil(t, hit)

	clock.Advance(21 * time.Minute)
	hit, err = g.CheckAndRecord(ctx, "code-late", "", "192.0.2.1", s)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestThrottleUserAxisFollowsUserAcrossAddresses(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	s := ThrottleSettings{UserWindow: 10 * time.Minute}

	var hit *Throttle
	var err error
	for i := 0; i <= ThrottleLimit; i++ {
		hit, err = g.CheckAndRecord(ctx, fmt.Sprintf("code%d", i), "user-1", fmt.Sprintf("198.51.100.%d", i), s)
		require.NoError(t, err)
	}
	require.NotNil(t, hit)
	assert.Equal(t, AxisUser, hit.Axis)
	assert.Contains(t, hit.String(), "user axis")
}

func TestThrottleDisabledAxesRecordNothing(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	for i := 0; i < 2*ThrottleLimit; i++ {
		hit, err := g.CheckAndRecord(ctx, fmt.Sprintf("code%d", i), "", "", ThrottleSettings{IPWindow: time.Minute, UserWindow: time.Minute})
		require.NoError(t, err)
		require.Nil(t, hit)
	}
	var n int64
	require.NoError(t, g.db.Model(&model.ThrottleEvent{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestThrottlePurge(t *testing.T) {
	g, clock := newGuard(t)
	ctx := context.Background()
	s := ThrottleSettings{IPWindow: time.Minute}

	_, err := g.CheckAndRecord(ctx, "old", "", "203.0.113.1", s)
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	_, err = g.CheckAndRecord(ctx, "new", "", "203.0.113.1", s)
	require.NoError(t, err)

	n, err := g.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
