package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"enroltoken/internal/config"
	basichttp "enroltoken/internal/http"
	mw "enroltoken/internal/http/middleware"
	"enroltoken/internal/model"
)

type NotifyHandler struct {
	db  *gorm.DB
	cfg *config.Config
}

func NewNotifyHandler(db *gorm.DB, cfg *config.Config) *NotifyHandler {
	return &NotifyHandler{db: db, cfg: cfg}
}

// GET /api/notifications (auth)
func (h *NotifyHandler) List(c *gin.Context) {
	uid := mw.UserID(c)
	page := queryInt(c, "page", 1)
	size := queryInt(c, "page_size", 20)
	if size > 100 {
		size = 100
	}
	var total int64
	var items []model.Notification
	q := h.db.Model(&model.Notification{}).Where("user_id = ?", uid)
	if c.Query("unread") == "true" {
		q = q.Where("is_read = ?", false)
	}
	q.Count(&total)
	if err := q.Order("created_at DESC").Offset((page - 1) * size).Limit(size).Find(&items).Error; err != nil {
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "query failed")
		return
	}
	basichttp.OK(c, gin.H{"total": total, "items": items, "page": page, "page_size": size})
}

// POST /api/notifications/:id/read (auth)
func (h *NotifyHandler) MarkRead(c *gin.Context) {
	res := h.db.Model(&model.Notification{}).Where("id = ? AND user_id = ?", c.Param("id"), mw.UserID(c)).Update("is_read", true)
	if res.Error != nil {
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "update failed")
		return
	}
	if res.RowsAffected == 0 {
		basichttp.Fail(c, http.StatusNotFound, "NOT_FOUND", "notification not found")
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/notifications/unread-count (auth)
func (h *NotifyHandler) UnreadCount(c *gin.Context) {
	var count int64
	if err := h.db.Model(&model.Notification{}).
		Where("user_id = ? AND is_read = ?", mw.UserID(c), false).
		Count(&count).Error; err != nil {
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "query failed")
		return
	}
	basichttp.OK(c, gin.H{"count": count})
}
