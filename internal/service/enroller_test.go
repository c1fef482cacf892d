package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enroltoken/internal/model"
)

func TestEnrollerFallsBackToSupport(t *testing.T) {
	f := newFixture(t)
	support := Enroller{Name: "Support", Email: "support@example.com"}
	c := NewEnrollerCache(f.db, support)

	got, err := c.Get(context.Background(), f.inst)
	require.NoError(t, err)
	assert.Equal(t, support, got)
}

func TestEnrollerIsFirstManagerAndCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := NewEnrollerCache(f.db, Enroller{Email: "support@example.com"})

	manager := f.user(t, "manager")
	require.NoError(t, f.db.Create(&model.UserPermission{UserID: manager.ID, CourseID: f.course.ID, Permission: model.CapManage}).Error)

	got, err := c.Get(ctx, f.inst)
	require.NoError(t, err)
	assert.Equal(t, manager.ID, got.UserID)
	assert.Equal(t, "manager@example.com", got.Email)

	// still served from cache after the permission goes away
	require.NoError(t, f.db.Where("user_id = ?", manager.ID).Delete(&model.UserPermission{}).Error)
	got, err = c.Get(ctx, f.inst)
	require.NoError(t, err)
	assert.Equal(t, manager.ID, got.UserID)

	c.Forget()
	got, err = c.Get(ctx, f.inst)
	require.NoError(t, err)
	assert.Equal(t, "support@example.com", got.Email)
}
