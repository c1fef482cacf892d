package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enroltoken/internal/model"
)

func TestInactivitySyncUnenrolsAbsentUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.updateInstance(t, func(i *model.EnrolInstance) { i.LongTimeNoSee = int64(time.Hour.Seconds()) })
	f.token(t, "SYNC00000000001", 5, nil)

	absent, present := f.user(t, "absent"), f.user(t, "present")
	for i, u := range []model.User{absent, present} {
		_, err := f.engine.Redeem(ctx, RedeemRequest{Code: "SYNC00000000001", UserID: u.ID, IP: fmt.Sprintf("10.0.0.%d", i+1)})
		require.NoError(t, err)
	}

	f.clock.Advance(90 * time.Minute)
	enrolments := NewEnrolments(f.db)
	require.NoError(t, enrolments.TouchAccess(ctx, f.course.ID, present.ID, f.clock.Now()))
	assert.ErrorIs(t, enrolments.TouchAccess(ctx, f.course.ID, f.admin.ID, f.clock.Now()), ErrNotEnrolled)

	f.clock.Advance(30 * time.Minute)
	n, err := NewInactivitySync(f.db, f.clock.Now).Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 0, f.count(t, &model.Enrolment{}, "user_id = ?", absent.ID))
	assert.EqualValues(t, 1, f.count(t, &model.Enrolment{}, "user_id = ?", present.ID))
}

func TestInactivitySyncIgnoresInstancesWithoutLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.token(t, "SYNC00000000002", 1, nil)
	_, err := f.engine.Redeem(ctx, RedeemRequest{Code: "SYNC00000000002", UserID: f.user(t, "u").ID, IP: "10.0.0.1"})
	require.NoError(t, err)

	f.clock.Advance(365 * 24 * time.Hour)
	n, err := NewInactivitySync(f.db, f.clock.Now).Run(ctx, f.course.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartSchedulerRejectsBadSpec(t *testing.T) {
	f := newFixture(t)
	_, err := StartScheduler("not a cron spec", NewInactivitySync(f.db, nil), f.guard, time.Hour)
	assert.Error(t, err)

	c, err := StartScheduler("@hourly", NewInactivitySync(f.db, nil), f.guard, time.Hour)
	require.NoError(t, err)
	c.Stop()
}
