package model

import (
	"time"

	"enroltoken/internal/utils"
	"gorm.io/gorm"
)

type BaseModel struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns a fresh UUID unless the caller supplied one.
func (base *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if base.ID == "" {
		tableName := tx.Statement.Table
		if tableName == "" {
			tableName = tx.Statement.Schema.Table
		}
		uniqueID, err := utils.GenerateUniqueID(tx, tableName, "id")
		if err != nil {
			return err
		}
		base.ID = uniqueID
		return nil
	}
	normalized, err := utils.NormalizeUUID(base.ID)
	if err != nil {
		return err
	}
	base.ID = normalized
	return nil
}

// Host platform records. The service keeps a minimal copy of each so it can
// run standalone; only the columns the enrolment flow reads are modelled.

type User struct {
	BaseModel
	Username     string     `gorm:"uniqueIndex;not null" json:"username"`
	Email        *string    `gorm:"uniqueIndex" json:"email,omitempty"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	PasswordHash string     `json:"-"`
	IsSuperadmin bool       `gorm:"not null;default:false" json:"is_superadmin"`
	IsGuest      bool       `gorm:"not null;default:false" json:"is_guest"`
	LastAccessAt *time.Time `json:"last_access_at,omitempty"`
}

func (u *User) FullName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	}
	return u.Username
}

type Course struct {
	BaseModel
	ShortName string  `gorm:"not null" json:"short_name"`
	FullName  string  `gorm:"not null" json:"full_name"`
	IDNumber  *string `gorm:"column:idnumber;uniqueIndex" json:"idnumber,omitempty"`
}

type Role struct {
	BaseModel
	ShortName string `gorm:"uniqueIndex;not null" json:"short_name"`
	Name      string `gorm:"not null" json:"name"`
}

type Cohort struct {
	BaseModel
	Name        string `gorm:"not null" json:"name"`
	IDNumber    string `gorm:"column:idnumber;index" json:"idnumber"`
	Description string `json:"description"`
}

type CohortMember struct {
	BaseModel
	CohortID string `gorm:"index:uniq_cohort_user,unique;not null" json:"cohort_id"`
	UserID   string `gorm:"index:uniq_cohort_user,unique;not null" json:"user_id"`
}

const (
	InstanceEnabled  = 0
	InstanceDisabled = 1

	EnrolmentActive    = 0
	EnrolmentSuspended = 1
)

// EnrolInstance holds the per-course token enrolment settings.
type EnrolInstance struct {
	BaseModel
	CourseID            string     `gorm:"uniqueIndex;not null" json:"course_id"`
	Status              int        `gorm:"not null;default:0" json:"status"`
	RoleID              string     `gorm:"not null" json:"role_id"`
	EnrolPeriod         int64      `gorm:"not null;default:0" json:"enrol_period"` // seconds, 0 = unbounded
	EnrolStartDate      *time.Time `json:"enrol_start_date,omitempty"`
	EnrolEndDate        *time.Time `json:"enrol_end_date,omitempty"`
	IPThrottleMinutes   int        `gorm:"not null" json:"ip_throttle_minutes"`
	UserThrottleMinutes int        `gorm:"not null" json:"user_throttle_minutes"`
	NewEnrols           bool       `gorm:"not null" json:"new_enrols"`
	SendWelcome         bool       `gorm:"not null" json:"send_welcome"`
	WelcomeMessage      string     `gorm:"type:text" json:"welcome_message"`
	LongTimeNoSee       int64      `gorm:"not null;default:0" json:"long_time_no_see"` // seconds, 0 = never
}

type Enrolment struct {
	BaseModel
	InstanceID   string     `gorm:"index:uniq_instance_user,unique;not null" json:"instance_id"`
	UserID       string     `gorm:"index:uniq_instance_user,unique;not null;index" json:"user_id"`
	CourseID     string     `gorm:"index;not null" json:"course_id"`
	RoleID       string     `gorm:"not null" json:"role_id"`
	Status       int        `gorm:"not null;default:0" json:"status"`
	TimeStart    time.Time  `gorm:"not null" json:"time_start"`
	TimeEnd      *time.Time `json:"time_end,omitempty"`
	LastAccessAt *time.Time `json:"last_access_at,omitempty"`
}

// Token models

// Token is identified by its code. ExpiresAt nil means the token never expires.
type Token struct {
	Code           string     `gorm:"primaryKey;size:19" json:"code"`
	CourseID       string     `gorm:"index;not null" json:"course_id"`
	CohortID       string     `gorm:"index" json:"cohort_id"`
	SeatsTotal     int        `gorm:"not null" json:"seats_total"`
	SeatsAvailable int        `gorm:"not null" json:"seats_available"`
	CreatedBy      string     `gorm:"index" json:"created_by"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
	ExpiresAt      *time.Time `gorm:"index" json:"expires_at,omitempty"`
	BatchID        string     `gorm:"index" json:"batch_id"`
}

// TokenLog is the immutable redemption record.
type TokenLog struct {
	BaseModel
	Token  string `gorm:"index;not null" json:"token"`
	UserID string `gorm:"index;not null" json:"user_id"`
}

// ThrottleEvent is one counted redemption attempt. UserID is empty for
// anonymous callers.
type ThrottleEvent struct {
	BaseModel
	Token  string `gorm:"index;not null" json:"token"`
	UserID string `gorm:"index" json:"user_id"`
	IP     string `gorm:"index;not null" json:"ip"`
}

// Capabilities. CourseID "" on a permission row grants it system-wide.
const (
	CapConfigure = "TOKEN_CONFIGURE"
	CapManage    = "TOKEN_MANAGE"
)

type UserPermission struct {
	BaseModel
	UserID     string `gorm:"index:uniq_user_perm,unique;not null" json:"user_id"`
	CourseID   string `gorm:"index:uniq_user_perm,unique;not null" json:"course_id"`
	Permission string `gorm:"index:uniq_user_perm,unique;not null" json:"permission"`
}

// OperationLog records administrator token operations.
type OperationLog struct {
	BaseModel
	AdminID    string  `gorm:"index;not null" json:"admin_id"`
	Action     string  `gorm:"not null;index" json:"action"` // e.g. token_issue, token_revoke
	ObjectType string  `gorm:"not null;index" json:"object_type"`
	ObjectID   string  `gorm:"not null;index" json:"object_id"`
	Metadata   *string `json:"metadata,omitempty"`
}

// Notification: system -> operator messages (pull-based)
type Notification struct {
	BaseModel
	UserID   string  `gorm:"index;not null" json:"user_id"`
	Title    string  `gorm:"not null" json:"title"`
	Content  string  `gorm:"not null" json:"content"`
	IsRead   bool    `gorm:"not null;default:false;index" json:"is_read"`
	Metadata *string `json:"metadata,omitempty"`
}
