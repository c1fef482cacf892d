package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"enroltoken/internal/model"
	"enroltoken/internal/utils"
)

const MaxSeatsPerToken = 1000

// TokenStore owns the tokens and token_logs tables.
type TokenStore struct {
	db *gorm.DB
}

func NewTokenStore(db *gorm.DB) *TokenStore {
	return &TokenStore{db: db}
}

func (s *TokenStore) Lookup(ctx context.Context, code string) (*model.Token, error) {
	var t model.Token
	if err := s.db.WithContext(ctx).First(&t, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *TokenStore) Exists(ctx context.Context, code string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Token{}).Where("code = ?", code).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// DecrementSeat takes one seat with a single conditional UPDATE. It reports
// false, without touching the row, when no seat is left. Pass the redemption
// transaction as tx; nil runs against the store's own handle.
func (s *TokenStore) DecrementSeat(ctx context.Context, tx *gorm.DB, code string) (bool, error) {
	if tx == nil {
		tx = s.db
	}
	res := tx.WithContext(ctx).Model(&model.Token{}).
		Where("code = ? AND seats_available > 0", code).
		UpdateColumn("seats_available", gorm.Expr("seats_available - 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// InsertBatch persists every token or none of them.
func (s *TokenStore) InsertBatch(ctx context.Context, tokens []model.Token) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.InsertBatchTx(tx, tokens)
	})
}

// InsertBatchTx inserts inside a caller-owned transaction.
func (s *TokenStore) InsertBatchTx(tx *gorm.DB, tokens []model.Token) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := tx.CreateInBatches(&tokens, 100).Error; err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}
	return nil
}

// Revoke deletes the given codes. An empty courseID matches any course.
// Redemption log rows are kept.
func (s *TokenStore) Revoke(ctx context.Context, courseID string, codes []string) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	q := s.db.WithContext(ctx).Where("code IN ?", codes)
	if courseID != "" {
		q = q.Where("course_id = ?", courseID)
	}
	res := q.Delete(&model.Token{})
	return res.RowsAffected, res.Error
}

// UpdateAdmin applies an operator correction to seats and expiry.
func (s *TokenStore) UpdateAdmin(ctx context.Context, code string, seatsTotal, seatsAvailable int, expiresAt *time.Time) (*model.Token, error) {
	if seatsTotal < 1 || seatsTotal > MaxSeatsPerToken || seatsAvailable < 1 || seatsAvailable > seatsTotal {
		return nil, ErrInvalidSeats
	}
	res := s.db.WithContext(ctx).Model(&model.Token{}).Where("code = ?", code).Updates(map[string]interface{}{
		"seats_total":     seatsTotal,
		"seats_available": seatsAvailable,
		"expires_at":      expiresAt,
	})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrTokenNotFound
	}
	return s.Lookup(ctx, code)
}

// FindFilter scopes a token search. Pattern uses '*' and '?' wildcards.
type FindFilter struct {
	CourseID   string
	AllCourses bool
	Pattern    string
}

type Redeemer struct {
	UserID     string    `json:"user_id"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

type TokenRow struct {
	Code           string     `json:"code"`
	CourseID       string     `json:"course_id"`
	CohortID       string     `json:"cohort_id"`
	Cohort         string     `json:"cohort"`
	SeatsTotal     int        `json:"seats_total"`
	SeatsAvailable int        `json:"seats_available"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Redeemers      []Redeemer `json:"redeemers"`
}

type findRow struct {
	Code           string
	CourseID       string
	CohortID       string
	CohortName     *string
	SeatsTotal     int
	SeatsAvailable int
	CreatedBy      string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	RedeemedBy     *string
	RedeemedAt     *time.Time
}

// Find lists tokens with their cohort name and redeemers, newest first.
func (s *TokenStore) Find(ctx context.Context, f FindFilter) ([]TokenRow, error) {
	if !f.AllCourses && f.CourseID == "" {
		return nil, ErrCourseNotFound
	}
	q := s.db.WithContext(ctx).Table("tokens AS t").
		Select(`t.code, t.course_id, t.cohort_id, h.name AS cohort_name, t.seats_total, t.seats_available,
			t.created_by, t.created_at, t.expires_at, l.user_id AS redeemed_by, l.created_at AS redeemed_at`).
		Joins("LEFT JOIN cohorts h ON h.id = t.cohort_id").
		Joins("LEFT JOIN token_logs l ON l.token = t.code")
	if !f.AllCourses {
		q = q.Where("t.course_id = ?", f.CourseID)
	}
	if f.Pattern != "" {
		q = q.Where("t.code LIKE ?", utils.LikePattern(f.Pattern))
	}

	var raw []findRow
	if err := q.Order("t.created_at DESC, t.code ASC, l.created_at DESC").Scan(&raw).Error; err != nil {
		return nil, err
	}

	out := make([]TokenRow, 0)
	index := make(map[string]int)
	for _, r := range raw {
		i, ok := index[r.Code]
		if !ok {
			row := TokenRow{
				Code:           r.Code,
				CourseID:       r.CourseID,
				CohortID:       r.CohortID,
				SeatsTotal:     r.SeatsTotal,
				SeatsAvailable: r.SeatsAvailable,
				CreatedBy:      r.CreatedBy,
				CreatedAt:      r.CreatedAt,
				ExpiresAt:      r.ExpiresAt,
				Redeemers:      []Redeemer{},
			}
			if r.CohortName != nil {
				row.Cohort = *r.CohortName
			}
			out = append(out, row)
			i = len(out) - 1
			index[r.Code] = i
		}
		if r.RedeemedBy != nil && r.RedeemedAt != nil {
			out[i].Redeemers = append(out[i].Redeemers, Redeemer{UserID: *r.RedeemedBy, RedeemedAt: *r.RedeemedAt})
		}
	}
	return out, nil
}

// LogRedemption appends the immutable redemption record.
func (s *TokenStore) LogRedemption(tx *gorm.DB, code, userID string, at time.Time) error {
	return tx.Create(&model.TokenLog{
		BaseModel: model.BaseModel{CreatedAt: at},
		Token:     code,
		UserID:    userID,
	}).Error
}
