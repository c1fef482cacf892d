package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"enroltoken/internal/config"
	basichttp "enroltoken/internal/http"
	mw "enroltoken/internal/http/middleware"
	"enroltoken/internal/service"
)

type TokenHandler struct {
	db     *gorm.DB
	cfg    *config.Config
	store  *service.TokenStore
	engine *service.Engine
	issuer *service.Issuer
}

func NewTokenHandler(db *gorm.DB, cfg *config.Config, store *service.TokenStore, engine *service.Engine, issuer *service.Issuer) *TokenHandler {
	return &TokenHandler{db: db, cfg: cfg, store: store, engine: engine, issuer: issuer}
}

// parseDate accepts a plain date or an RFC3339 timestamp.
func parseDate(v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// issueError maps issuance failures. It reports false when err is nil.
func issueError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", verr.Error())
	case errors.Is(err, service.ErrCohortRequired), errors.Is(err, service.ErrInvalidCount), errors.Is(err, service.ErrInvalidSeats):
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, service.ErrCourseNotFound), errors.Is(err, service.ErrCohortNotFound):
		basichttp.Fail(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, service.ErrGeneratorExhausted):
		basichttp.Fail(c, http.StatusConflict, "CODES_EXHAUSTED", "could not generate enough unique codes, try another prefix")
	default:
		zap.L().Error("token issue failed", zap.Error(err))
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "token batch was not stored")
	}
	return true
}

type redeemBody struct {
	Code string `json:"code" binding:"required,max=64"`
}

// POST /api/courses/:course_id/redeem (optional auth)
func (h *TokenHandler) Redeem(c *gin.Context) {
	var body redeemBody
	if err := c.ShouldBindJSON(&body); err != nil {
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "code is required")
		return
	}
	res, err := h.engine.Redeem(c.Request.Context(), service.RedeemRequest{
		Code:     body.Code,
		CourseID: c.Param("course_id"),
		UserID:   mw.UserID(c),
		IP:       c.ClientIP(),
	})
	if err != nil {
		basichttp.FailRedeem(c, err)
		return
	}
	basichttp.OK(c, res)
}

// GET /api/tokens/:code/check (optional auth)
func (h *TokenHandler) Check(c *gin.Context) {
	code := c.Param("code")
	if err := h.engine.Validate(c.Request.Context(), code, mw.UserID(c), c.ClientIP()); err != nil {
		basichttp.FailRedeem(c, err)
		return
	}
	basichttp.OK(c, gin.H{"code": code, "valid": true})
}

type issueBody struct {
	CohortID      string `json:"cohort_id"`
	NewCohortName string `json:"new_cohort_name"`
	Count         int    `json:"count" binding:"required"`
	SeatsPerToken int    `json:"seats_per_token" binding:"required"`
	ExpiryDate    string `json:"expiry_date"`
	Prefix        string `json:"prefix"`
	EmailTo       string `json:"email_to"`
}

// POST /api/courses/:course_id/tokens (TOKEN_MANAGE)
func (h *TokenHandler) Issue(c *gin.Context) {
	var body issueBody
	if err := c.ShouldBindJSON(&body); err != nil {
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "invalid payload")
		return
	}
	expiry, err := parseDate(body.ExpiryDate)
	if err != nil {
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "expiry_date must be YYYY-MM-DD")
		return
	}
	res, err := h.issuer.Issue(c.Request.Context(), service.IssueRequest{
		CourseID:      c.Param("course_id"),
		Cohort:        service.CohortChoice{ID: body.CohortID, NewName: body.NewCohortName},
		Count:         body.Count,
		SeatsPerToken: body.SeatsPerToken,
		ExpiryDate:    expiry,
		Prefix:        body.Prefix,
		CreatedBy:     mw.UserID(c),
		EmailTo:       strings.TrimSpace(body.EmailTo),
	})
	if issueError(c, err) {
		return
	}
	basichttp.JSON(c, http.StatusCreated, res)
}

type externalBody struct {
	CourseIDNumber string `json:"course_idnumber" binding:"required"`
	CohortIDNumber string `json:"cohort_idnumber" binding:"required"`
	Count          int    `json:"count" binding:"required"`
	SeatsPerToken  int    `json:"seats_per_token" binding:"required"`
	ExpiryDate     string `json:"expiry_date"`
	Prefix         string `json:"prefix"`
}

// POST /api/tokens/external (super only)
func (h *TokenHandler) IssueExternal(c *gin.Context) {
	var body externalBody
	if err := c.ShouldBindJSON(&body); err != nil {
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "invalid payload")
		return
	}
	expiry, err := parseDate(body.ExpiryDate)
	if err != nil {
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "expiry_date must be YYYY-MM-DD")
		return
	}
	res, err := h.issuer.IssueExternal(c.Request.Context(), service.IssueExternalRequest{
		CourseIDNumber: body.CourseIDNumber,
		CohortIDNumber: body.CohortIDNumber,
		Count:          body.Count,
		SeatsPerToken:  body.SeatsPerToken,
		ExpiryDate:     expiry,
		Prefix:         body.Prefix,
		CreatedBy:      mw.UserID(c),
	})
	if issueError(c, err) {
		return
	}
	basichttp.JSON(c, http.StatusCreated, res)
}

// GET /api/courses/:course_id/tokens?q=AB* (TOKEN_MANAGE)
func (h *TokenHandler) List(c *gin.Context) {
	h.find(c, service.FindFilter{CourseID: c.Param("course_id"), Pattern: c.Query("q")})
}

// GET /api/tokens?q= (super only)
func (h *TokenHandler) ListAll(c *gin.Context) {
	h.find(c, service.FindFilter{AllCourses: true, Pattern: c.Query("q")})
}

func (h *TokenHandler) find(c *gin.Context, f service.FindFilter) {
	rows, err := h.store.Find(c.Request.Context(), f)
	if err != nil {
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "query failed")
		return
	}
	page := queryInt(c, "page", 1)
	size := queryInt(c, "page_size", 50)
	if size > 500 {
		size = 500
	}
	if page < 1 {
		page = 1
	}
	total := len(rows)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	basichttp.OK(c, gin.H{"total": total, "items": rows[start:end], "page": page, "page_size": size})
}

type revokeBody struct {
	Codes []string `json:"codes" binding:"required,min=1"`
}

// DELETE /api/courses/:course_id/tokens (TOKEN_MANAGE)
func (h *TokenHandler) Revoke(c *gin.Context) {
	h.revoke(c, c.Param("course_id"))
}

// DELETE /api/tokens (super only)
func (h *TokenHandler) RevokeAny(c *gin.Context) {
	h.revoke(c, "")
}

func (h *TokenHandler) revoke(c *gin.Context, courseID string) {
	var body revokeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "codes are required")
		return
	}
	n, err := h.store.Revoke(c.Request.Context(), courseID, body.Codes)
	if err != nil {
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "revoke failed")
		return
	}
	objectType, objectID := "course", courseID
	if courseID == "" {
		objectType, objectID = "site", "all"
	}
	service.LogOperation(h.db, mw.UserID(c), service.ActionTokenRevoke, objectType, objectID, map[string]any{
		"codes":   body.Codes,
		"revoked": n,
	})
	basichttp.OK(c, gin.H{"revoked": n})
}

type updateBody struct {
	SeatsTotal     int    `json:"seats_total" binding:"required"`
	SeatsAvailable int    `json:"seats_available" binding:"required"`
	ExpiresAt      string `json:"expires_at"`
}

// PUT /api/courses/:course_id/tokens/:code (TOKEN_MANAGE)
func (h *TokenHandler) Update(c *gin.Context) {
	if !h.ownedByCourse(c) {
		return
	}
	var body updateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "invalid payload")
		return
	}
	expires, err := parseDate(body.ExpiresAt)
	if err != nil {
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "expires_at must be YYYY-MM-DD")
		return
	}
	tok, err := h.store.UpdateAdmin(c.Request.Context(), c.Param("code"), body.SeatsTotal, body.SeatsAvailable, service.ExpiryFor(expires))
	switch {
	case errors.Is(err, service.ErrInvalidSeats):
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error())
		return
	case errors.Is(err, service.ErrTokenNotFound):
		basichttp.Fail(c, http.StatusNotFound, "NOT_FOUND", "token not found")
		return
	case err != nil:
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "update failed")
		return
	}
	service.LogOperation(h.db, mw.UserID(c), service.ActionTokenUpdate, "token", tok.Code, map[string]any{
		"seats_total":     tok.SeatsTotal,
		"seats_available": tok.SeatsAvailable,
		"expires_at":      tok.ExpiresAt,
	})
	basichttp.OK(c, tok)
}

type trustedEnrolBody struct {
	UserID string `json:"user_id" binding:"required,uuid"`
}

// POST /api/courses/:course_id/tokens/:code/enrol (TOKEN_MANAGE)
func (h *TokenHandler) EnrolTrusted(c *gin.Context) {
	if !h.ownedByCourse(c) {
		return
	}
	var body trustedEnrolBody
	if err := c.ShouldBindJSON(&body); err != nil {
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "user_id is required")
		return
	}
	res, err := h.engine.EnrolTrusted(c.Request.Context(), c.Param("code"), body.UserID)
	if errors.Is(err, service.ErrUserNotFound) {
		basichttp.Fail(c, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}
	if err != nil {
		basichttp.FailRedeem(c, err)
		return
	}
	service.LogOperation(h.db, mw.UserID(c), service.ActionTokenEnrol, "token", res.Code, map[string]any{
		"user_id": body.UserID,
		"status":  res.Status,
	})
	basichttp.OK(c, res)
}

// ownedByCourse answers 404 for codes that belong to another course.
func (h *TokenHandler) ownedByCourse(c *gin.Context) bool {
	tok, err := h.store.Lookup(c.Request.Context(), c.Param("code"))
	if errors.Is(err, service.ErrTokenNotFound) || (err == nil && tok.CourseID != c.Param("course_id")) {
		basichttp.Fail(c, http.StatusNotFound, "NOT_FOUND", "token not found")
		return false
	}
	if err != nil {
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "query failed")
		return false
	}
	return true
}
