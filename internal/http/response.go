package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"enroltoken/internal/service"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SuccessResp struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	TraceID string      `json:"trace_id"`
}

type ErrorResp struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
	TraceID string    `json:"trace_id"`
}

func traceID(c *gin.Context) string {
	if id := c.Writer.Header().Get("X-Trace-ID"); id != "" {
		return id
	}
	id := c.GetHeader("X-Trace-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Writer.Header().Set("X-Trace-ID", id)
	return id
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, SuccessResp{Success: true, Data: data, TraceID: traceID(c)})
}

func JSON(c *gin.Context, code int, data interface{}) {
	c.JSON(code, SuccessResp{Success: true, Data: data, TraceID: traceID(c)})
}

func Fail(c *gin.Context, httpCode int, code, msg string) {
	c.JSON(httpCode, ErrorResp{Success: false, Error: ErrorBody{Code: code, Message: msg}, TraceID: traceID(c)})
}

// FailWithExtras attaches extra top-level fields to an error response
// while keeping the envelope.
func FailWithExtras(c *gin.Context, httpCode int, code, msg string, extras gin.H) {
	payload := gin.H{
		"success":  false,
		"error":    gin.H{"code": code, "message": msg},
		"trace_id": traceID(c),
	}
	for k, v := range extras {
		payload[k] = v
	}
	c.JSON(httpCode, payload)
}

var redeemStatus = map[service.RedeemKind]int{
	service.KindThrottled:     http.StatusTooManyRequests,
	service.KindNotFound:      http.StatusNotFound,
	service.KindNotEnrolable:  http.StatusForbidden,
	service.KindLoginRequired: http.StatusUnauthorized,
	service.KindNoSeats:       http.StatusConflict,
	service.KindExpired:       http.StatusGone,
	service.KindStorage:       http.StatusInternalServerError,
}

// RedeemStatus maps a redemption failure kind to its HTTP status.
func RedeemStatus(kind service.RedeemKind) int {
	if s, ok := redeemStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// FailRedeem writes a redemption failure. Anything that is not a
// *service.RedeemError is reported as a storage error.
func FailRedeem(c *gin.Context, err error) {
	var rerr *service.RedeemError
	if !errors.As(err, &rerr) {
		Fail(c, http.StatusInternalServerError, string(service.KindStorage), "internal error")
		return
	}
	extras := gin.H{}
	if rerr.Reason != "" {
		extras["reason"] = rerr.Reason
	}
	if rerr.Limit != nil {
		extras["retry_after_seconds"] = int(rerr.Limit.Window.Seconds())
		c.Header("Retry-After", strconv.Itoa(int(rerr.Limit.Window.Seconds())))
	}
	if !rerr.At.IsZero() {
		extras["at"] = rerr.At
	}
	FailWithExtras(c, RedeemStatus(rerr.Kind), string(rerr.Kind), rerr.Message(), extras)
}
