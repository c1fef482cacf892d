package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"enroltoken/internal/model"
)

// InactivitySync removes token enrolments whose users have stayed away
// longer than their instance's long_time_no_see.
type InactivitySync struct {
	db         *gorm.DB
	enrolments *Enrolments
	now        func() time.Time
}

func NewInactivitySync(db *gorm.DB, now func() time.Time) *InactivitySync {
	if now == nil {
		now = time.Now
	}
	return &InactivitySync{db: db, enrolments: NewEnrolments(db), now: now}
}

type staleEnrolment struct {
	ID       string
	UserID   string
	CourseID string
}

// Run unenrols stale users and returns how many were removed. An empty
// courseID covers every course. Course access that was never recorded is
// measured from the enrolment start.
func (s *InactivitySync) Run(ctx context.Context, courseID string) (int, error) {
	now := s.now().UTC()
	var instances []model.EnrolInstance
	q := s.db.WithContext(ctx).Where("long_time_no_see > 0")
	if courseID != "" {
		q = q.Where("course_id = ?", courseID)
	}
	if err := q.Find(&instances).Error; err != nil {
		return 0, err
	}

	removed := 0
	for _, inst := range instances {
		cutoff := now.Add(-time.Duration(inst.LongTimeNoSee) * time.Second)
		var stale []staleEnrolment
		err := s.db.WithContext(ctx).Table("enrolments AS en").
			Select("en.id, en.user_id, en.course_id").
			Joins("JOIN users u ON u.id = en.user_id").
			Where("en.instance_id = ?", inst.ID).
			Where("COALESCE(en.last_access_at, en.time_start) < ? OR (u.last_access_at IS NOT NULL AND u.last_access_at < ?)", cutoff, cutoff).
			Scan(&stale).Error
		if err != nil {
			return removed, err
		}
		for _, st := range stale {
			if err := s.enrolments.Unenrol(ctx, st.ID); err != nil {
				zap.L().Error("inactivity unenrol failed", zap.String("enrolment_id", st.ID), zap.Error(err))
				continue
			}
			removed++
			zap.L().Info("unenrolled inactive user",
				zap.String("user_id", st.UserID),
				zap.String("course_id", st.CourseID),
				zap.Int64("long_time_no_see", inst.LongTimeNoSee),
			)
		}
	}
	return removed, nil
}

// StartScheduler registers the inactivity sync and the throttle event purge
// on one cron schedule and starts it. Stop the returned cron on shutdown.
func StartScheduler(spec string, sync *InactivitySync, guard *ThrottleGuard, retention time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		n, err := sync.Run(ctx, "")
		if err != nil {
			zap.L().Error("inactivity sync failed", zap.Error(err))
		} else if n > 0 {
			zap.L().Info("inactivity sync finished", zap.Int("unenrolled", n))
		}
		if retention > 0 {
			purged, err := guard.Purge(ctx, retention)
			if err != nil {
				zap.L().Error("throttle purge failed", zap.Error(err))
			} else if purged > 0 {
				zap.L().Info("throttle events purged", zap.Int64("count", purged))
			}
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	zap.L().Info("housekeeping scheduler started", zap.String("spec", spec))
	return c, nil
}
