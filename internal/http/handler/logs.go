package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"enroltoken/internal/config"
	basichttp "enroltoken/internal/http"
	"enroltoken/internal/model"
)

type LogHandler struct {
	db  *gorm.DB
	cfg *config.Config
}

func NewLogHandler(db *gorm.DB, cfg *config.Config) *LogHandler {
	return &LogHandler{db: db, cfg: cfg}
}

// GET /api/admin/logs/operations (super only)
func (h *LogHandler) ListOperationLogs(c *gin.Context) {
	page := queryInt(c, "page", 1)
	size := queryInt(c, "page_size", 20)
	if size > 100 {
		size = 100
	}
	dbq := h.db.Model(&model.OperationLog{})
	if v := c.Query("admin_id"); v != "" {
		dbq = dbq.Where("admin_id = ?", v)
	}
	if v := c.Query("action"); v != "" {
		dbq = dbq.Where("action = ?", v)
	}
	if v := c.Query("object_type"); v != "" {
		dbq = dbq.Where("object_type = ?", v)
	}
	if v := c.Query("object_id"); v != "" {
		dbq = dbq.Where("object_id = ?", v)
	}
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			dbq = dbq.Where("created_at >= ?", t.UTC())
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			dbq = dbq.Where("created_at <= ?", t.UTC())
		}
	}
	var total int64
	dbq.Count(&total)
	var items []model.OperationLog
	if err := dbq.Order("created_at DESC").Offset((page - 1) * size).Limit(size).Find(&items).Error; err != nil {
		basichttp.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "query failed")
		return
	}
	basichttp.OK(c, gin.H{"total": total, "items": items, "page": page, "page_size": size})
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		var x int
		if _, err := fmt.Sscanf(v, "%d", &x); err == nil && x > 0 {
			return x
		}
	}
	return def
}
