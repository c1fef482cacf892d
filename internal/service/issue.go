package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"enroltoken/internal/model"
	"enroltoken/internal/utils"
)

var ErrCohortRequired = errors.New("either an existing cohort or a new cohort name is required")

// ValidationError wraps request field failures.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "invalid issue request: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// CohortChoice picks an existing cohort by ID or names a new one.
type CohortChoice struct {
	ID      string `json:"id"`
	NewName string `json:"new_name" validate:"max=254"`
}

type IssueRequest struct {
	CourseID      string       `json:"course_id" validate:"required"`
	Cohort        CohortChoice `json:"cohort"`
	Count         int          `json:"count" validate:"min=1,max=1000"`
	SeatsPerToken int          `json:"seats_per_token" validate:"min=1,max=1000"`
	ExpiryDate    *time.Time   `json:"expiry_date"`
	Prefix        string       `json:"prefix" validate:"max=32"`
	CreatedBy     string       `json:"-" validate:"required"`
	EmailTo       string       `json:"email_to" validate:"omitempty,email"`
}

type IssueExternalRequest struct {
	CourseIDNumber string     `json:"course_idnumber" validate:"required"`
	CohortIDNumber string     `json:"cohort_idnumber" validate:"required,max=100"`
	Count          int        `json:"count" validate:"min=1,max=1000"`
	SeatsPerToken  int        `json:"seats_per_token" validate:"min=1,max=1000"`
	ExpiryDate     *time.Time `json:"expiry_date"`
	Prefix         string     `json:"prefix" validate:"max=32"`
	CreatedBy      string     `json:"-" validate:"required"`
}

type IssueResult struct {
	BatchID    string     `json:"batch_id"`
	CourseID   string     `json:"course_id"`
	CohortID   string     `json:"cohort_id"`
	Codes      []string   `json:"codes"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	EmailError string     `json:"email_error,omitempty"`
}

// Issuer creates token batches.
type Issuer struct {
	db       *gorm.DB
	store    *TokenStore
	gen      *CodeGenerator
	mailer   Mailer
	validate *validator.Validate
	now      func() time.Time
	wwwroot  string
	signoff  string
}

type IssuerOption func(*Issuer)

// WithBatchMailer sets the transport used for batch emails. It is called
// synchronously so the caller learns about failures.
func WithBatchMailer(m Mailer) IssuerOption {
	return func(i *Issuer) { i.mailer = m }
}

func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

func WithSiteInfo(wwwroot, signoff string) IssuerOption {
	return func(i *Issuer) {
		i.wwwroot = strings.TrimRight(wwwroot, "/")
		i.signoff = signoff
	}
}

func NewIssuer(db *gorm.DB, store *TokenStore, gen *CodeGenerator, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		db:       db,
		store:    store,
		gen:      gen,
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ExpiryFor turns an inclusive expiry date into the first instant the token
// is no longer valid.
func ExpiryFor(date *time.Time) *time.Time {
	if date == nil || date.IsZero() {
		return nil
	}
	y, m, d := date.UTC().Date()
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return &t
}

// Issue generates and stores a batch. The new cohort, when requested, and
// every token are written in one transaction. A batch email failure does
// not undo the batch; it is reported in EmailError.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if err := i.validate.Struct(req); err != nil {
		return nil, &ValidationError{Err: err}
	}
	newName := strings.TrimSpace(req.Cohort.NewName)
	if req.Cohort.ID == "" && newName == "" {
		return nil, ErrCohortRequired
	}

	var course model.Course
	if err := i.db.WithContext(ctx).First(&course, "id = ?", req.CourseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCourseNotFound
		}
		return nil, err
	}
	if req.Cohort.ID != "" {
		var n int64
		if err := i.db.WithContext(ctx).Model(&model.Cohort{}).Where("id = ?", req.Cohort.ID).Count(&n).Error; err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrCohortNotFound
		}
	}

	var newCohort *model.Cohort
	if req.Cohort.ID == "" {
		newCohort = &model.Cohort{
			Name:        newName,
			IDNumber:    utils.CohortIDNumber(newName),
			Description: "Created by token enrolment",
		}
	}
	res, err := i.issue(ctx, &course, req.Cohort.ID, newCohort, req.Count, req.SeatsPerToken, req.ExpiryDate, req.Prefix, req.CreatedBy)
	if err != nil {
		return nil, err
	}

	if req.EmailTo != "" {
		if err := i.sendBatch(ctx, &course, req.EmailTo, req.SeatsPerToken, res.Codes); err != nil {
			res.EmailError = err.Error()
			zap.L().Warn("batch email failed", zap.String("batch_id", res.BatchID), zap.String("to", req.EmailTo), zap.Error(err))
			Notify(i.db.WithContext(ctx), req.CreatedBy, "Token email not sent",
				fmt.Sprintf("The %d token%s for %s were created but could not be emailed to %s.", len(res.Codes), utils.Plural(len(res.Codes)), course.FullName, req.EmailTo),
				map[string]any{"batch_id": res.BatchID, "course_id": course.ID, "error": err.Error()})
		}
	}
	return res, nil
}

// IssueExternal issues by course and cohort idnumbers, creating the cohort
// when no cohort carries that idnumber.
func (i *Issuer) IssueExternal(ctx context.Context, req IssueExternalRequest) (*IssueResult, error) {
	if err := i.validate.Struct(req); err != nil {
		return nil, &ValidationError{Err: err}
	}
	db := i.db.WithContext(ctx)
	var course model.Course
	if err := db.First(&course, "idnumber = ?", req.CourseIDNumber).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCourseNotFound
		}
		return nil, err
	}

	var cohorts []model.Cohort
	if err := db.Where("idnumber = ?", req.CohortIDNumber).Order("created_at ASC").Limit(1).Find(&cohorts).Error; err != nil {
		return nil, err
	}
	var cohortID string
	var newCohort *model.Cohort
	if len(cohorts) > 0 {
		cohortID = cohorts[0].ID
	} else {
		newCohort = &model.Cohort{
			Name:        "token_external_" + req.CohortIDNumber,
			IDNumber:    req.CohortIDNumber,
			Description: "Created by token enrolment",
		}
	}
	return i.issue(ctx, &course, cohortID, newCohort, req.Count, req.SeatsPerToken, req.ExpiryDate, req.Prefix, req.CreatedBy)
}

func (i *Issuer) issue(ctx context.Context, course *model.Course, cohortID string, newCohort *model.Cohort, count, seats int, expiry *time.Time, prefix, createdBy string) (*IssueResult, error) {
	if seats < 1 || seats > MaxSeatsPerToken {
		return nil, ErrInvalidSeats
	}
	codes, err := i.gen.Generate(ctx, count, prefix)
	if err != nil {
		return nil, err
	}

	now := i.now().UTC()
	expiresAt := ExpiryFor(expiry)
	batchID := ulid.Make().String()

	err = i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if newCohort != nil {
			if err := tx.Create(newCohort).Error; err != nil {
				return fmt.Errorf("failed to create cohort: %w", err)
			}
			cohortID = newCohort.ID
		}
		tokens := make([]model.Token, len(codes))
		for n, code := range codes {
			tokens[n] = model.Token{
				Code:           code,
				CourseID:       course.ID,
				CohortID:       cohortID,
				SeatsTotal:     seats,
				SeatsAvailable: seats,
				CreatedBy:      createdBy,
				CreatedAt:      now,
				ExpiresAt:      expiresAt,
				BatchID:        batchID,
			}
		}
		return i.store.InsertBatchTx(tx, tokens)
	})
	if err != nil {
		zap.L().Error("token batch rolled back", zap.String("course_id", course.ID), zap.Int("count", count), zap.Error(err))
		return nil, err
	}

	LogOperation(i.db.WithContext(ctx), createdBy, ActionTokenIssue, "course", course.ID, map[string]any{
		"batch_id":  batchID,
		"cohort_id": cohortID,
		"count":     len(codes),
		"seats":     seats,
	})
	zap.L().Info("token batch issued",
		zap.String("batch_id", batchID),
		zap.String("course_id", course.ID),
		zap.Int("count", len(codes)),
	)
	return &IssueResult{
		BatchID:   batchID,
		CourseID:  course.ID,
		CohortID:  cohortID,
		Codes:     codes,
		ExpiresAt: expiresAt,
	}, nil
}

// BatchMessage renders the email listing a batch of codes.
func BatchMessage(course *model.Course, to string, seats int, codes []string, wwwroot, signoff string) Message {
	fields := Fields{
		FieldCourseName:          course.FullName,
		FieldInstanceName:        course.FullName,
		FieldTokenNumber:         strconv.Itoa(len(codes)),
		FieldTokenNumberPlural:   utils.Plural(len(codes)),
		FieldSeatsPerToken:       strconv.Itoa(seats),
		FieldSeatsPerTokenPlural: utils.Plural(seats),
		FieldWWWRoot:             wwwroot,
		FieldTokens:              strings.Join(codes, "\n"),
		FieldAdminSignoff:        signoff,
		FieldEmailAddress:        to,
	}
	return Message{
		To:      to,
		Subject: Render(DefaultBatchSubject, fields),
		HTML:    Render(DefaultBatchBody, fields),
		Text:    strings.Join(codes, "\n"),
	}
}

func (i *Issuer) sendBatch(ctx context.Context, course *model.Course, to string, seats int, codes []string) error {
	if i.mailer == nil {
		return errors.New("no mailer configured")
	}
	return i.mailer.Send(ctx, BatchMessage(course, to, seats, codes, i.wwwroot, i.signoff))
}
