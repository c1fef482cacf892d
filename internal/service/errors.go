package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTokenNotFound      = errors.New("token not found")
	ErrCourseNotFound     = errors.New("course not found")
	ErrCohortNotFound     = errors.New("cohort not found")
	ErrRoleNotFound       = errors.New("role not found")
	ErrInvalidSeats       = errors.New("seats must be within 1..1000 and available must not exceed total")
	ErrInvalidCount       = errors.New("token count must be within 1..1000")
	ErrGeneratorExhausted = errors.New("token generator could not find a free code")
)

// RedeemKind enumerates every way a redemption can fail.
type RedeemKind string

const (
	KindThrottled     RedeemKind = "THROTTLED"
	KindNotFound      RedeemKind = "NOT_FOUND"
	KindNotEnrolable  RedeemKind = "NOT_ENROLABLE"
	KindLoginRequired RedeemKind = "LOGIN_REQUIRED"
	KindNoSeats       RedeemKind = "NO_SEATS"
	KindExpired       RedeemKind = "EXPIRED"
	KindStorage       RedeemKind = "STORAGE_ERROR"
)

// Sentinels matched by RedeemError.Is, so callers can write
// errors.Is(err, service.ErrNoSeats).
var (
	ErrThrottled     = errors.New("too many token attempts")
	ErrNotFound      = errors.New("token not valid for this course")
	ErrNotEnrolable  = errors.New("course not enrolable by token")
	ErrLoginRequired = errors.New("login required")
	ErrNoSeats       = errors.New("no seats available")
	ErrExpired       = errors.New("token expired")
	ErrStorage       = errors.New("enrolment storage failure")
)

var kindSentinels = map[RedeemKind]error{
	KindThrottled:     ErrThrottled,
	KindNotFound:      ErrNotFound,
	KindNotEnrolable:  ErrNotEnrolable,
	KindLoginRequired: ErrLoginRequired,
	KindNoSeats:       ErrNoSeats,
	KindExpired:       ErrExpired,
	KindStorage:       ErrStorage,
}

var kindMessages = map[RedeemKind]string{
	KindThrottled:     "Too many tokens have been entered in a short time. You must now wait some time before entering any other tokens.",
	KindNotFound:      "Sorry, that token is not valid for enrolment into this course.",
	KindNotEnrolable:  "Sorry, you can't enrol in that course using a token.",
	KindLoginRequired: "You must log in before enrolling with a token.",
	KindNoSeats:       "Sorry, that token can no longer be used for enrolments.",
	KindExpired:       "Sorry, that token has expired and can no longer be used for enrolments.",
	KindStorage:       "Sorry, a system error occurred whilst enroling with your token.",
}

// Reasons attached to NOT_ENROLABLE.
const (
	ReasonNoInstance  = "instance_missing"
	ReasonDisabled    = "instance_disabled"
	ReasonGuest       = "guest_user"
	ReasonNotStarted  = "enrolment_not_started"
	ReasonEnded       = "enrolment_ended"
	ReasonNoNewEnrols = "new_enrolments_disabled"
)

// RedeemError is the failed outcome of a redemption attempt. Only the fields
// relevant to Kind are set.
type RedeemError struct {
	Kind   RedeemKind
	Code   string
	Reason string    // NOT_ENROLABLE
	Limit  *Throttle // THROTTLED
	At     time.Time // EXPIRED: the expiry instant; NOT_ENROLABLE: window bound
	Err    error     // STORAGE_ERROR cause
}

func (e *RedeemError) Error() string {
	msg := string(e.Kind)
	if s, ok := kindSentinels[e.Kind]; ok {
		msg = s.Error()
	}
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s (token %s): %v", msg, e.Code, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s (token %s: %s)", msg, e.Code, e.Reason)
	}
	return msg
}

// Message is the user-facing text for the outcome.
func (e *RedeemError) Message() string {
	return kindMessages[e.Kind]
}

func (e *RedeemError) Unwrap() error { return e.Err }

func (e *RedeemError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func redeemErr(kind RedeemKind, code string) *RedeemError {
	return &RedeemError{Kind: kind, Code: code}
}
