package service

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"enroltoken/internal/model"
)

// Enroller is the sender named on welcome emails for an instance.
type Enroller struct {
	UserID string
	Name   string
	Email  string
}

// EnrollerCache remembers the enroller of the most recently used instance.
// A request for a different instance replaces the entry.
type EnrollerCache struct {
	db      *gorm.DB
	support Enroller

	mu         sync.Mutex
	instanceID string
	enroller   *Enroller
}

func NewEnrollerCache(db *gorm.DB, support Enroller) *EnrollerCache {
	return &EnrollerCache{db: db, support: support}
}

// Get returns the first user holding the manage capability on the course,
// falling back to the support contact.
func (c *EnrollerCache) Get(ctx context.Context, inst *model.EnrolInstance) (Enroller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enroller != nil && c.instanceID == inst.ID {
		return *c.enroller, nil
	}

	var users []model.User
	err := c.db.WithContext(ctx).
		Joins("JOIN user_permissions p ON p.user_id = users.id").
		Where("p.permission = ? AND p.course_id = ?", model.CapManage, inst.CourseID).
		Order("p.created_at ASC").
		Limit(1).
		Find(&users).Error
	if err != nil {
		return Enroller{}, err
	}

	e := c.support
	if len(users) > 0 && users[0].Email != nil && *users[0].Email != "" {
		u := users[0]
		e = Enroller{UserID: u.ID, Name: u.FullName(), Email: *u.Email}
	}
	c.instanceID = inst.ID
	c.enroller = &e
	return e, nil
}

// Forget drops the cached entry.
func (c *EnrollerCache) Forget() {
	c.mu.Lock()
	c.instanceID = ""
	c.enroller = nil
	c.mu.Unlock()
}
