package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"enroltoken/internal/model"
)

var ErrInstanceNotFound = errors.New("token enrolment is not set up for this course")

// InstanceDefaults are the settings used for new instances, and for
// throttling when a code does not resolve to any instance.
type InstanceDefaults struct {
	IPThrottleMinutes   int
	UserThrottleMinutes int
	RoleShortName       string
}

// Instances reads and writes per-course enrolment settings, caching reads.
type Instances struct {
	db       *gorm.DB
	cache    Cache
	ttl      time.Duration
	defaults InstanceDefaults
}

func NewInstances(db *gorm.DB, cache Cache, ttl time.Duration, defaults InstanceDefaults) *Instances {
	if defaults.RoleShortName == "" {
		defaults.RoleShortName = "student"
	}
	if cache == nil {
		cache = &tieredCache{local: newLRUCache(256)}
	}
	return &Instances{db: db, cache: cache, ttl: ttl, defaults: defaults}
}

func instanceKey(courseID string) string { return "enrol:instance:" + courseID }

// Defaults returns a detached instance carrying the default settings.
func (r *Instances) Defaults() *model.EnrolInstance {
	return &model.EnrolInstance{
		Status:              model.InstanceEnabled,
		IPThrottleMinutes:   r.defaults.IPThrottleMinutes,
		UserThrottleMinutes: r.defaults.UserThrottleMinutes,
		NewEnrols:           true,
	}
}

func (r *Instances) ForCourse(ctx context.Context, courseID string) (*model.EnrolInstance, error) {
	var inst model.EnrolInstance
	if getJSON(ctx, r.cache, instanceKey(courseID), &inst) {
		return &inst, nil
	}
	if err := r.db.WithContext(ctx).First(&inst, "course_id = ?", courseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	setJSON(ctx, r.cache, instanceKey(courseID), &inst, r.ttl)
	return &inst, nil
}

// Create adds the instance for a course with default settings. The role
// falls back to the default role short name when roleID is empty.
func (r *Instances) Create(ctx context.Context, courseID, roleID string) (*model.EnrolInstance, error) {
	db := r.db.WithContext(ctx)
	var course model.Course
	if err := db.First(&course, "id = ?", courseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCourseNotFound
		}
		return nil, err
	}
	role, err := r.resolveRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	inst := r.Defaults()
	inst.CourseID = courseID
	inst.RoleID = role.ID
	if err := db.Create(inst).Error; err != nil {
		return nil, fmt.Errorf("failed to create enrol instance: %w", err)
	}
	_ = r.cache.Delete(ctx, instanceKey(courseID))
	return inst, nil
}

// Save writes every settings column of inst and drops the cached copy.
func (r *Instances) Save(ctx context.Context, inst *model.EnrolInstance) error {
	if _, err := r.resolveRole(ctx, inst.RoleID); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Save(inst).Error; err != nil {
		return fmt.Errorf("failed to save enrol instance: %w", err)
	}
	return r.cache.Delete(ctx, instanceKey(inst.CourseID))
}

func (r *Instances) resolveRole(ctx context.Context, roleID string) (*model.Role, error) {
	var role model.Role
	q := r.db.WithContext(ctx)
	var err error
	if roleID == "" {
		err = q.First(&role, "short_name = ?", r.defaults.RoleShortName).Error
	} else {
		err = q.First(&role, "id = ?", roleID).Error
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, err
	}
	return &role, nil
}
