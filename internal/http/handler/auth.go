package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"enroltoken/internal/auth"
	"enroltoken/internal/config"
	basichttp "enroltoken/internal/http"
	mw "enroltoken/internal/http/middleware"
	"enroltoken/internal/model"
)

type AuthHandler struct {
	db  *gorm.DB
	cfg *config.Config
}

func NewAuthHandler(db *gorm.DB, cfg *config.Config) *AuthHandler {
	return &AuthHandler{db: db, cfg: cfg}
}

func sanitizeUser(u *model.User) gin.H {
	return gin.H{
		"id":             u.ID,
		"username":       u.Username,
		"email":          u.Email,
		"full_name":      u.FullName(),
		"is_superadmin":  u.IsSuperadmin,
		"is_guest":       u.IsGuest,
		"last_access_at": u.LastAccessAt,
	}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// POST /api/login
// A successful login counts as site access for the inactivity sync.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "invalid payload")
		return
	}
	var u model.User
	if err := h.db.Where("username = ?", strings.TrimSpace(req.Username)).First(&u).Error; err != nil {
		basichttp.Fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
		return
	}
	if u.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		basichttp.Fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
		return
	}
	now := time.Now().UTC()
	u.LastAccessAt = &now
	if err := h.db.Model(&u).Update("last_access_at", now).Error; err != nil {
		zap.L().Warn("failed to stamp login access", zap.String("user_id", u.ID), zap.Error(err))
	}

	token, err := auth.Sign(h.cfg.JWTSecret, u.ID, u.IsSuperadmin, h.cfg.JWTTTL)
	if err != nil {
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to sign token")
		return
	}
	if h.cfg.CookieName != "" {
		c.SetCookie(h.cfg.CookieName, token, int(h.cfg.JWTTTL), "/", "", true, true)
	}
	basichttp.OK(c, gin.H{"user": sanitizeUser(&u), "access_token": token})
}

// POST /api/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	if h.cfg.CookieName != "" {
		c.SetCookie(h.cfg.CookieName, "", -1, "/", "", true, true)
	}
	basichttp.OK(c, gin.H{"ok": true})
}

// GET /api/profile (auth)
func (h *AuthHandler) Profile(c *gin.Context) {
	var u model.User
	if err := h.db.First(&u, "id = ?", mw.UserID(c)).Error; err != nil {
		basichttp.Fail(c, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}
	var perms []model.UserPermission
	h.db.Where("user_id = ?", u.ID).Find(&perms)
	basichttp.OK(c, gin.H{"user": sanitizeUser(&u), "permissions": perms})
}
