package service

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"enroltoken/internal/model"
)

// ThrottleLimit is the number of counted attempts tolerated per window and axis.
const ThrottleLimit = 10

const (
	AxisIP   = "ip"
	AxisUser = "user"
)

// ThrottleSettings holds the two window lengths. Zero disables an axis.
type ThrottleSettings struct {
	IPWindow   time.Duration
	UserWindow time.Duration
}

func ThrottleSettingsFor(inst *model.EnrolInstance) ThrottleSettings {
	return ThrottleSettings{
		IPWindow:   time.Duration(inst.IPThrottleMinutes) * time.Minute,
		UserWindow: time.Duration(inst.UserThrottleMinutes) * time.Minute,
	}
}

// Throttle describes the limit that was hit.
type Throttle struct {
	Axis   string        `json:"axis"`
	Window time.Duration `json:"window"`
	Count  int64         `json:"count"`
	Limit  int           `json:"limit"`
}

func (t *Throttle) String() string {
	return fmt.Sprintf("%s axis: %d attempts in %s (limit %d)", t.Axis, t.Count, t.Window, t.Limit)
}

// ThrottleGuard counts redemption attempts per IP and per user over sliding
// windows. State lives only in throttle_events, so every process sharing the
// database sees the same counts.
type ThrottleGuard struct {
	db    *gorm.DB
	now   func() time.Time
	limit int
}

type ThrottleOption func(*ThrottleGuard)

func WithThrottleClock(now func() time.Time) ThrottleOption {
	return func(g *ThrottleGuard) { g.now = now }
}

func NewThrottleGuard(db *gorm.DB, opts ...ThrottleOption) *ThrottleGuard {
	g := &ThrottleGuard{db: db, now: time.Now, limit: ThrottleLimit}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckAndRecord registers the attempt and reports the limit it exceeded, or
// nil when the caller may proceed.
//
// An attempt is stored only when neither the IP nor the user (for each axis
// that is active) already tried this exact code inside its window, so a
// double-submitted token counts once.
func (g *ThrottleGuard) CheckAndRecord(ctx context.Context, code, userID, ip string, s ThrottleSettings) (*Throttle, error) {
	now := g.now().UTC()
	db := g.db.WithContext(ctx)
	ipActive := s.IPWindow > 0 && ip != ""
	userActive := s.UserWindow > 0 && userID != ""

	if ipActive || userActive {
		record := true
		if ipActive {
			seen, err := g.attempted(db, "ip = ? AND token = ? AND created_at > ?", ip, code, now.Add(-s.IPWindow))
			if err != nil {
				return nil, err
			}
			record = !seen
		}
		if record && userActive {
			seen, err := g.attempted(db, "user_id = ? AND token = ? AND created_at > ?", userID, code, now.Add(-s.UserWindow))
			if err != nil {
				return nil, err
			}
			record = !seen
		}
		if record {
			ev := &model.ThrottleEvent{
				BaseModel: model.BaseModel{CreatedAt: now},
				Token:     code,
				UserID:    userID,
				IP:        ip,
			}
			if err := db.Create(ev).Error; err != nil {
				return nil, fmt.Errorf("failed to record token attempt: %w", err)
			}
		}
	}

	if ipActive {
		n, err := g.count(db, "ip = ? AND created_at > ?", ip, now.Add(-s.IPWindow))
		if err != nil {
			return nil, err
		}
		if n > int64(g.limit) {
			return &Throttle{Axis: AxisIP, Window: s.IPWindow, Count: n, Limit: g.limit}, nil
		}
	}
	if userActive {
		n, err := g.count(db, "user_id = ? AND created_at > ?", userID, now.Add(-s.UserWindow))
		if err != nil {
			return nil, err
		}
		if n > int64(g.limit) {
			return &Throttle{Axis: AxisUser, Window: s.UserWindow, Count: n, Limit: g.limit}, nil
		}
	}
	return nil, nil
}

// Purge drops events older than retention and returns how many were removed.
func (g *ThrottleGuard) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := g.now().UTC().Add(-retention)
	res := g.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&model.ThrottleEvent{})
	return res.RowsAffected, res.Error
}

func (g *ThrottleGuard) attempted(db *gorm.DB, query string, args ...interface{}) (bool, error) {
	n, err := g.count(db, query, args...)
	return n > 0, err
}

func (g *ThrottleGuard) count(db *gorm.DB, query string, args ...interface{}) (int64, error) {
	var n int64
	if err := db.Model(&model.ThrottleEvent{}).Where(query, args...).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count token attempts: %w", err)
	}
	return n, nil
}
