package handler

import (
    "net/http"
    "strings"

    "github.com/gin-gonic/gin"
    "go.uber.org/zap"
    "golang.org/x/crypto/bcrypt"
    "gorm.io/gorm"

    "enroltoken/internal/config"
    basichttp "enroltoken/internal/http"
    mw "enroltoken/internal/http/middleware"
    "enroltoken/internal/model"
    "enroltoken/internal/service"
)

type AdminHandler struct {
    db        *gorm.DB
    cfg       *config.Config
    enrollers *service.EnrollerCache
}

func NewAdminHandler(db *gorm.DB, cfg *config.Config, enrollers *service.EnrollerCache) *AdminHandler {
    return &AdminHandler{db: db, cfg: cfg, enrollers: enrollers}
}

var knownCaps = map[string]bool{model.CapConfigure: true, model.CapManage: true}

type permGrant struct {
    CourseID   string `json:"course_id"` // "" grants site-wide
    Permission string `json:"permission" binding:"required"`
}

type permBody struct {
    Permissions []permGrant `json:"permissions" binding:"required,dive"`
}

// POST /api/admin/users/:id/permissions (super only)
// Replaces every grant the user holds.
func (h *AdminHandler) SetUserPermissions(c *gin.Context) {
    id := c.Param("id")
    var user model.User
    if err := h.db.First(&user, "id = ?", id).Error; err != nil {
        basichttp.Fail(c, http.StatusNotFound, "NOT_FOUND", "user not found")
        return
    }
    var body permBody
    if err := c.ShouldBindJSON(&body); err != nil {
        basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "invalid body")
        return
    }
    uniq := map[permGrant]struct{}{}
    grants := make([]permGrant, 0, len(body.Permissions))
    for _, g := range body.Permissions {
        g.Permission = strings.ToUpper(strings.TrimSpace(g.Permission))
        g.CourseID = strings.TrimSpace(g.CourseID)
        if !knownCaps[g.Permission] {
            basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "unknown permission "+g.Permission)
            return
        }
        if _, ok := uniq[g]; ok {
            continue
        }
        uniq[g] = struct{}{}
        grants = append(grants, g)
    }

    tx := h.db.Begin()
    if err := tx.Where("user_id = ?", id).Delete(&model.UserPermission{}).Error; err != nil {
        tx.Rollback()
        basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "update failed")
        return
    }
    for _, g := range grants {
        up := model.UserPermission{UserID: id, CourseID: g.CourseID, Permission: g.Permission}
        if err := tx.Create(&up).Error; err != nil {
            tx.Rollback()
            basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "update failed")
            return
        }
    }
    if err := tx.Commit().Error; err != nil {
        basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "commit failed")
        return
    }
    if h.enrollers != nil {
        h.enrollers.Forget()
    }
    service.LogOperation(h.db, mw.UserID(c), service.ActionPermissionsGrant, "user", id, map[string]any{"permissions": grants})
    basichttp.OK(c, gin.H{"user_id": id, "permissions": grants})
}

type createUserBody struct {
    Username  string `json:"username" binding:"required,min=3,max=64"`
    Password  string `json:"password" binding:"required,min=8,max=72"`
    Email     string `json:"email" binding:"omitempty,email"`
    FirstName string `json:"first_name"`
    LastName  string `json:"last_name"`
}

// POST /api/admin/users (super only)
func (h *AdminHandler) CreateUser(c *gin.Context) {
    var body createUserBody
    if err := c.ShouldBindJSON(&body); err != nil {
        basichttp.Fail(c, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "invalid body")
        return
    }
    var count int64
    h.db.Model(&model.User{}).Where("username = ?", body.Username).Count(&count)
    if count > 0 {
        basichttp.Fail(c, http.StatusConflict, "CONFLICT", "username already exists")
        return
    }
    hashed, err := bcrypt.GenerateFromPassword([]byte(body.Password), bcrypt.DefaultCost)
    if err != nil {
        basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "hash password failed")
        return
    }
    u := model.User{
        Username:     strings.TrimSpace(body.Username),
        FirstName:    body.FirstName,
        LastName:     body.LastName,
        PasswordHash: string(hashed),
    }
    if e := strings.TrimSpace(body.Email); e != "" {
        u.Email = &e
    }
    if err := h.db.Create(&u).Error; err != nil {
        zap.L().Error("create user failed", zap.Error(err))
        basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create user")
        return
    }
    basichttp.JSON(c, http.StatusCreated, sanitizeUser(&u))
}
