package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"enroltoken/internal/model"
)

var ErrNotEnrolled = errors.New("user is not enrolled in this course")

// Enrolments wraps the course enrolment and cohort membership records.
type Enrolments struct {
	db *gorm.DB
}

func NewEnrolments(db *gorm.DB) *Enrolments {
	return &Enrolments{db: db}
}

// IsEnrolled reports an active, in-date enrolment of the user in the course.
func (e *Enrolments) IsEnrolled(ctx context.Context, courseID, userID string, now time.Time) (bool, error) {
	var n int64
	err := e.db.WithContext(ctx).Model(&model.Enrolment{}).
		Where("course_id = ? AND user_id = ? AND status = ?", courseID, userID, model.EnrolmentActive).
		Where("time_start <= ? AND (time_end IS NULL OR time_end > ?)", now, now).
		Count(&n).Error
	return n > 0, err
}

// Enrol creates the user's enrolment on the instance, or reactivates and
// re-dates an existing one. tx must be the caller's transaction.
func (e *Enrolments) Enrol(tx *gorm.DB, inst *model.EnrolInstance, userID string, start time.Time, end *time.Time) error {
	var existing model.Enrolment
	err := tx.Where("instance_id = ? AND user_id = ?", inst.ID, userID).First(&existing).Error
	switch {
	case err == nil:
		return tx.Model(&existing).Updates(map[string]interface{}{
			"status":     model.EnrolmentActive,
			"role_id":    inst.RoleID,
			"time_start": start,
			"time_end":   end,
		}).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return tx.Create(&model.Enrolment{
			InstanceID: inst.ID,
			UserID:     userID,
			CourseID:   inst.CourseID,
			RoleID:     inst.RoleID,
			Status:     model.EnrolmentActive,
			TimeStart:  start,
			TimeEnd:    end,
		}).Error
	default:
		return err
	}
}

// AddCohortMember is a no-op when the user is already a member.
func (e *Enrolments) AddCohortMember(tx *gorm.DB, cohortID, userID string) error {
	if cohortID == "" {
		return nil
	}
	var n int64
	if err := tx.Model(&model.CohortMember{}).Where("cohort_id = ? AND user_id = ?", cohortID, userID).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return tx.Create(&model.CohortMember{CohortID: cohortID, UserID: userID}).Error
}

func (e *Enrolments) Unenrol(ctx context.Context, enrolmentID string) error {
	return e.db.WithContext(ctx).Delete(&model.Enrolment{}, "id = ?", enrolmentID).Error
}

// TouchAccess stamps course and site access for the user.
func (e *Enrolments) TouchAccess(ctx context.Context, courseID, userID string, now time.Time) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Enrolment{}).
			Where("course_id = ? AND user_id = ?", courseID, userID).
			Update("last_access_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotEnrolled
		}
		if err := tx.Model(&model.User{}).Where("id = ?", userID).Update("last_access_at", now).Error; err != nil {
			return fmt.Errorf("failed to stamp user access: %w", err)
		}
		return nil
	})
}
