package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"enroltoken/internal/model"
)

var (
	ErrUserNotFound = errors.New("user not found")

	errSeatTaken = errors.New("last seat taken by a concurrent redemption")
)

type RedeemStatus string

const (
	StatusEnrolled        RedeemStatus = "ENROLLED"
	StatusAlreadyEnrolled RedeemStatus = "ALREADY_ENROLLED"
)

type RedeemRequest struct {
	Code     string
	CourseID string // when set, tokens of other courses are reported as not found
	UserID   string // empty when the caller is not logged in
	IP       string
}

type RedeemResult struct {
	Status    RedeemStatus `json:"status"`
	Code      string       `json:"code"`
	CourseID  string       `json:"course_id"`
	UserID    string       `json:"user_id"`
	TimeStart *time.Time   `json:"time_start,omitempty"`
	TimeEnd   *time.Time   `json:"time_end,omitempty"`
}

// Engine turns a token into a course enrolment.
type Engine struct {
	db         *gorm.DB
	store      *TokenStore
	guard      *ThrottleGuard
	instances  *Instances
	enrolments *Enrolments
	enrollers  *EnrollerCache
	mailer     Mailer
	wwwroot    string
	now        func() time.Time
}

type EngineOption func(*Engine)

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithWelcomeMailer sets the transport for welcome emails.
func WithWelcomeMailer(m Mailer) EngineOption {
	return func(e *Engine) { e.mailer = m }
}

func WithEnrollerCache(c *EnrollerCache) EngineOption {
	return func(e *Engine) { e.enrollers = c }
}

func WithWWWRoot(root string) EngineOption {
	return func(e *Engine) { e.wwwroot = strings.TrimRight(root, "/") }
}

func NewEngine(db *gorm.DB, store *TokenStore, guard *ThrottleGuard, instances *Instances, opts ...EngineOption) *Engine {
	e := &Engine{
		db:         db,
		store:      store,
		guard:      guard,
		instances:  instances,
		enrolments: NewEnrolments(db),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.enrollers == nil {
		e.enrollers = NewEnrollerCache(db, Enroller{})
	}
	return e
}

// Redeem enrols the caller with the token. The checks run in a fixed order:
// throttling comes before the existence check so a throttled caller learns
// nothing about which codes exist. Failures are *RedeemError.
func (e *Engine) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	now := e.now().UTC()
	code := strings.TrimSpace(req.Code)

	tok, inst, user, err := e.precheck(ctx, code, req.CourseID, req.UserID, req.IP, now)
	if err != nil {
		return nil, err
	}

	enrolled, err := e.enrolments.IsEnrolled(ctx, tok.CourseID, req.UserID, now)
	if err != nil {
		return nil, e.storageErr(code, err)
	}
	if user != nil && enrolled {
		return &RedeemResult{Status: StatusAlreadyEnrolled, Code: code, CourseID: tok.CourseID, UserID: user.ID}, nil
	}
	if user == nil {
		return nil, redeemErr(KindLoginRequired, code)
	}

	if tok.SeatsAvailable <= 0 {
		return nil, redeemErr(KindNoSeats, code)
	}
	if expired(tok, now) {
		return nil, &RedeemError{Kind: KindExpired, Code: code, At: *tok.ExpiresAt}
	}

	res, err := e.enrol(ctx, tok, inst, user.ID, now)
	if err != nil {
		return nil, err
	}
	e.sendWelcome(ctx, inst, user)
	return res, nil
}

// Validate reports the error a redemption of code would currently fail with,
// or nil. Only the attempt itself is recorded by the throttle guard; nothing
// else is written.
func (e *Engine) Validate(ctx context.Context, code, userID, ip string) error {
	now := e.now().UTC()
	code = strings.TrimSpace(code)
	tok, _, _, err := e.precheck(ctx, code, "", userID, ip, now)
	if err != nil {
		return err
	}
	if tok.SeatsAvailable <= 0 {
		return redeemErr(KindNoSeats, code)
	}
	if expired(tok, now) {
		return &RedeemError{Kind: KindExpired, Code: code, At: *tok.ExpiresAt}
	}
	return nil
}

// EnrolTrusted enrols userID on behalf of an operator. Throttling, the
// enrolment window and token expiry are not checked; the seat is still taken
// atomically.
func (e *Engine) EnrolTrusted(ctx context.Context, code, userID string) (*RedeemResult, error) {
	now := e.now().UTC()
	tok, err := e.store.Lookup(ctx, code)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, redeemErr(KindNotFound, code)
	}
	if err != nil {
		return nil, e.storageErr(code, err)
	}
	inst, err := e.instances.ForCourse(ctx, tok.CourseID)
	if errors.Is(err, ErrInstanceNotFound) {
		return nil, &RedeemError{Kind: KindNotEnrolable, Code: code, Reason: ReasonNoInstance}
	}
	if err != nil {
		return nil, e.storageErr(code, err)
	}
	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return nil, e.storageErr(code, err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	enrolled, err := e.enrolments.IsEnrolled(ctx, tok.CourseID, userID, now)
	if err != nil {
		return nil, e.storageErr(code, err)
	}
	if enrolled {
		return &RedeemResult{Status: StatusAlreadyEnrolled, Code: code, CourseID: tok.CourseID, UserID: userID}, nil
	}
	res, err := e.enrol(ctx, tok, inst, userID, now)
	if err != nil {
		return nil, err
	}
	e.sendWelcome(ctx, inst, user)
	return res, nil
}

// precheck covers throttling, existence and enrolability. The token's
// instance supplies the throttle windows; defaults apply when there is none.
func (e *Engine) precheck(ctx context.Context, code, courseID, userID, ip string, now time.Time) (*model.Token, *model.EnrolInstance, *model.User, error) {
	tok, err := e.store.Lookup(ctx, code)
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return nil, nil, nil, e.storageErr(code, err)
	}
	if tok != nil && courseID != "" && tok.CourseID != courseID {
		tok = nil
	}
	var inst *model.EnrolInstance
	if tok != nil {
		inst, err = e.instances.ForCourse(ctx, tok.CourseID)
		if err != nil && !errors.Is(err, ErrInstanceNotFound) {
			return nil, nil, nil, e.storageErr(code, err)
		}
	}

	settings := e.instances.Defaults()
	if inst != nil {
		settings = inst
	}
	hit, err := e.guard.CheckAndRecord(ctx, code, userID, ip, ThrottleSettingsFor(settings))
	if err != nil {
		return nil, nil, nil, e.storageErr(code, err)
	}
	if hit != nil {
		zap.L().Info("token attempt throttled",
			zap.String("ip", ip),
			zap.String("user_id", userID),
			zap.String("axis", hit.Axis),
			zap.Int64("count", hit.Count),
		)
		return nil, nil, nil, &RedeemError{Kind: KindThrottled, Code: code, Limit: hit}
	}

	if tok == nil {
		return nil, nil, nil, redeemErr(KindNotFound, code)
	}

	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return nil, nil, nil, e.storageErr(code, err)
	}
	if rerr := enrolable(code, inst, user, now); rerr != nil {
		return nil, nil, nil, rerr
	}
	return tok, inst, user, nil
}

func enrolable(code string, inst *model.EnrolInstance, user *model.User, now time.Time) *RedeemError {
	fail := func(reason string) *RedeemError {
		return &RedeemError{Kind: KindNotEnrolable, Code: code, Reason: reason}
	}
	switch {
	case inst == nil:
		return fail(ReasonNoInstance)
	case inst.Status != model.InstanceEnabled:
		return fail(ReasonDisabled)
	case user != nil && user.IsGuest:
		return fail(ReasonGuest)
	case inst.EnrolStartDate != nil && inst.EnrolStartDate.After(now):
		r := fail(ReasonNotStarted)
		r.At = *inst.EnrolStartDate
		return r
	case inst.EnrolEndDate != nil && inst.EnrolEndDate.Before(now):
		r := fail(ReasonEnded)
		r.At = *inst.EnrolEndDate
		return r
	case !inst.NewEnrols:
		return fail(ReasonNoNewEnrols)
	}
	return nil
}

// expired treats the stored instant as the first moment the token is no
// longer valid.
func expired(tok *model.Token, now time.Time) bool {
	return tok.ExpiresAt != nil && !now.Before(*tok.ExpiresAt)
}

// enrol runs the all-or-nothing side effects of a redemption.
func (e *Engine) enrol(ctx context.Context, tok *model.Token, inst *model.EnrolInstance, userID string, now time.Time) (*RedeemResult, error) {
	start := now
	var end *time.Time
	if inst.EnrolPeriod > 0 {
		t := now.Add(time.Duration(inst.EnrolPeriod) * time.Second)
		end = &t
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.enrolments.Enrol(tx, inst, userID, start, end); err != nil {
			return fmt.Errorf("enrol user: %w", err)
		}
		if err := e.enrolments.AddCohortMember(tx, tok.CohortID, userID); err != nil {
			return fmt.Errorf("add cohort member: %w", err)
		}
		if err := e.store.LogRedemption(tx, tok.Code, userID, now); err != nil {
			return fmt.Errorf("log redemption: %w", err)
		}
		ok, err := e.store.DecrementSeat(ctx, tx, tok.Code)
		if err != nil {
			return fmt.Errorf("decrement seat: %w", err)
		}
		if !ok {
			return errSeatTaken
		}
		return nil
	})
	if errors.Is(err, errSeatTaken) {
		return nil, redeemErr(KindNoSeats, tok.Code)
	}
	if err != nil {
		return nil, e.storageErr(tok.Code, err)
	}

	zap.L().Info("token redeemed",
		zap.String("code", tok.Code),
		zap.String("course_id", tok.CourseID),
		zap.String("user_id", userID),
	)
	return &RedeemResult{
		Status:    StatusEnrolled,
		Code:      tok.Code,
		CourseID:  tok.CourseID,
		UserID:    userID,
		TimeStart: &start,
		TimeEnd:   end,
	}, nil
}

func (e *Engine) loadUser(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, nil
	}
	var u model.User
	if err := e.db.WithContext(ctx).First(&u, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (e *Engine) storageErr(code string, err error) *RedeemError {
	zap.L().Error("token redemption storage failure", zap.String("code", code), zap.Error(err))
	return &RedeemError{Kind: KindStorage, Code: code, Err: err}
}

// sendWelcome is best effort: failures are logged and the enrolment stands.
func (e *Engine) sendWelcome(ctx context.Context, inst *model.EnrolInstance, user *model.User) {
	if !inst.SendWelcome || e.mailer == nil || user.Email == nil || *user.Email == "" {
		return
	}
	var course model.Course
	if err := e.db.WithContext(ctx).First(&course, "id = ?", inst.CourseID).Error; err != nil {
		zap.L().Warn("welcome email skipped, course lookup failed", zap.String("course_id", inst.CourseID), zap.Error(err))
		return
	}
	msg := WelcomeMessage(inst, &course, user, e.wwwroot)
	if sender, err := e.enrollers.Get(ctx, inst); err == nil {
		msg.FromName = sender.Name
		msg.ReplyTo = sender.Email
	}
	if err := e.mailer.Send(ctx, msg); err != nil {
		zap.L().Warn("welcome email failed", zap.String("user_id", user.ID), zap.String("course_id", course.ID), zap.Error(err))
	}
}

// WelcomeMessage renders the instance's welcome template, or the default one.
func WelcomeMessage(inst *model.EnrolInstance, course *model.Course, user *model.User, wwwroot string) Message {
	fields := Fields{
		FieldCourseName: course.FullName,
		FieldProfileURL: fmt.Sprintf("%s/user/view?id=%s&course=%s", wwwroot, user.ID, course.ID),
	}
	tpl := DefaultWelcomeBody
	if strings.TrimSpace(inst.WelcomeMessage) != "" {
		tpl = inst.WelcomeMessage
	}
	msg := Message{Subject: Render(DefaultWelcomeSubject, fields)}
	if user.Email != nil {
		msg.To = *user.Email
	}
	body := Render(tpl, fields)
	if strings.Contains(body, "<") {
		msg.HTML = body
	} else {
		msg.Text = body
	}
	return msg
}
