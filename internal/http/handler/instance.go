package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"enroltoken/internal/config"
	basichttp "enroltoken/internal/http"
	mw "enroltoken/internal/http/middleware"
	"enroltoken/internal/model"
	"enroltoken/internal/service"
)

type InstanceHandler struct {
	db         *gorm.DB
	cfg        *config.Config
	instances  *service.Instances
	enrolments *service.Enrolments
	enrollers  *service.EnrollerCache
}

func NewInstanceHandler(db *gorm.DB, cfg *config.Config, instances *service.Instances, enrollers *service.EnrollerCache) *InstanceHandler {
	return &InstanceHandler{
		db:         db,
		cfg:        cfg,
		instances:  instances,
		enrolments: service.NewEnrolments(db),
		enrollers:  enrollers,
	}
}

// GET /api/courses/:course_id/enrol-instance (TOKEN_CONFIGURE)
func (h *InstanceHandler) Get(c *gin.Context) {
	inst, err := h.instances.ForCourse(c.Request.Context(), c.Param("course_id"))
	if errors.Is(err, service.ErrInstanceNotFound) {
		basichttp.Fail(c, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "query failed")
		return
	}
	basichttp.OK(c, inst)
}

// Pointer fields are left unchanged when omitted.
type instanceBody struct {
	Enabled             *bool      `json:"enabled"`
	RoleID              *string    `json:"role_id"`
	EnrolPeriod         *int64     `json:"enrol_period" binding:"omitempty,min=0"`
	EnrolStartDate      *time.Time `json:"enrol_start_date"`
	EnrolEndDate        *time.Time `json:"enrol_end_date"`
	ClearStartDate      bool       `json:"clear_start_date"`
	ClearEndDate        bool       `json:"clear_end_date"`
	IPThrottleMinutes   *int       `json:"ip_throttle_minutes" binding:"omitempty,min=0,max=1440"`
	UserThrottleMinutes *int       `json:"user_throttle_minutes" binding:"omitempty,min=0,max=1440"`
	NewEnrols           *bool      `json:"new_enrols"`
	SendWelcome         *bool      `json:"send_welcome"`
	WelcomeMessage      *string    `json:"welcome_message"`
	LongTimeNoSee       *int64     `json:"long_time_no_see" binding:"omitempty,min=0"`
}

func (b *instanceBody) apply(inst *model.EnrolInstance) {
	if b.Enabled != nil {
		inst.Status = model.InstanceDisabled
		if *b.Enabled {
			inst.Status = model.InstanceEnabled
		}
	}
	if b.RoleID != nil {
		inst.RoleID = *b.RoleID
	}
	if b.EnrolPeriod != nil {
		inst.EnrolPeriod = *b.EnrolPeriod
	}
	if b.EnrolStartDate != nil {
		t := b.EnrolStartDate.UTC()
		inst.EnrolStartDate = &t
	}
	if b.ClearStartDate {
		inst.EnrolStartDate = nil
	}
	if b.EnrolEndDate != nil {
		t := b.EnrolEndDate.UTC()
		inst.EnrolEndDate = &t
	}
	if b.ClearEndDate {
		inst.EnrolEndDate = nil
	}
	if b.IPThrottleMinutes != nil {
		inst.IPThrottleMinutes = *b.IPThrottleMinutes
	}
	if b.UserThrottleMinutes != nil {
		inst.UserThrottleMinutes = *b.UserThrottleMinutes
	}
	if b.NewEnrols != nil {
		inst.NewEnrols = *b.NewEnrols
	}
	if b.SendWelcome != nil {
		inst.SendWelcome = *b.SendWelcome
	}
	if b.WelcomeMessage != nil {
		inst.WelcomeMessage = *b.WelcomeMessage
	}
	if b.LongTimeNoSee != nil {
		inst.LongTimeNoSee = *b.LongTimeNoSee
	}
}

// PUT /api/courses/:course_id/enrol-instance (TOKEN_CONFIGURE)
// Creates the instance with defaults on first use.
func (h *InstanceHandler) Put(c *gin.Context) {
	var body instanceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "invalid payload")
		return
	}
	ctx := c.Request.Context()
	courseID := c.Param("course_id")

	inst, err := h.instances.ForCourse(ctx, courseID)
	created := false
	if errors.Is(err, service.ErrInstanceNotFound) {
		roleID := ""
		if body.RoleID != nil {
			roleID = *body.RoleID
		}
		inst, err = h.instances.Create(ctx, courseID, roleID)
		created = true
	}
	switch {
	case errors.Is(err, service.ErrCourseNotFound):
		basichttp.Fail(c, http.StatusNotFound, "NOT_FOUND", "course not found")
		return
	case errors.Is(err, service.ErrRoleNotFound):
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "unknown role")
		return
	case err != nil:
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "query failed")
		return
	}

	body.apply(inst)
	if inst.EnrolStartDate != nil && inst.EnrolEndDate != nil && !inst.EnrolEndDate.After(*inst.EnrolStartDate) {
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "enrolment end date must be after the start date")
		return
	}
	if err := h.instances.Save(ctx, inst); err != nil {
		if errors.Is(err, service.ErrRoleNotFound) {
			basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "unknown role")
			return
		}
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "update failed")
		return
	}
	if h.enrollers != nil {
		h.enrollers.Forget()
	}
	service.LogOperation(h.db, mw.UserID(c), service.ActionInstanceSave, "course", courseID, map[string]any{"created": created})
	if created {
		basichttp.JSON(c, http.StatusCreated, inst)
		return
	}
	basichttp.OK(c, inst)
}

// GET /api/roles (auth)
func (h *InstanceHandler) Roles(c *gin.Context) {
	var roles []model.Role
	if err := h.db.Order("short_name ASC").Find(&roles).Error; err != nil {
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "query failed")
		return
	}
	basichttp.OK(c, roles)
}

// POST /api/courses/:course_id/access (auth)
func (h *InstanceHandler) Access(c *gin.Context) {
	err := h.enrolments.TouchAccess(c.Request.Context(), c.Param("course_id"), mw.UserID(c), time.Now().UTC())
	if errors.Is(err, service.ErrNotEnrolled) {
		basichttp.Fail(c, http.StatusForbidden, "NOT_ENROLLED", err.Error())
		return
	}
	if err != nil {
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "update failed")
		return
	}
	c.Status(http.StatusNoContent)
}
