package middleware

import (
    "net/http"
    "strings"
    "sync"
    "time"

    "github.com/gin-gonic/gin"
    "go.uber.org/zap"
    "golang.org/x/time/rate"
    "gorm.io/gorm"

    "enroltoken/internal/auth"
    basichttp "enroltoken/internal/http"
    "enroltoken/internal/model"
    "enroltoken/internal/utils"
)

func RequestLogger() gin.HandlerFunc {
    return func(c *gin.Context) {
        start := time.Now()
        c.Next()
        zap.L().Info("http",
            zap.String("method", c.Request.Method),
            zap.String("path", c.Request.URL.Path),
            zap.Int("status", c.Writer.Status()),
            zap.Duration("dur", time.Since(start)),
            zap.String("ip", c.ClientIP()),
            zap.String("trace_id", c.Writer.Header().Get("X-Trace-ID")),
        )
    }
}

const CtxUserID = "user_id"
const CtxIsSuper = "is_super"

func bearer(c *gin.Context, cookieName string) string {
    hdr := c.GetHeader("Authorization")
    if strings.HasPrefix(strings.ToLower(hdr), "bearer ") {
        if tok := strings.TrimSpace(hdr[7:]); tok != "" {
            return tok
        }
    }
    if cookieName != "" {
        if ck, err := c.Cookie(cookieName); err == nil {
            return ck
        }
    }
    return ""
}

func RequireAuth(secret, cookieName string) gin.HandlerFunc {
    return func(c *gin.Context) {
        tokenStr := bearer(c, cookieName)
        if tokenStr == "" {
            basichttp.Fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing token")
            c.Abort()
            return
        }
        claims, err := auth.Parse(secret, tokenStr)
        if err != nil {
            basichttp.Fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
            c.Abort()
            return
        }
        c.Set(CtxUserID, claims.Sub)
        c.Set(CtxIsSuper, claims.IsSuperadmin)
        c.Next()
    }
}

// OptionalAuth identifies the caller when a valid token is present and lets
// anonymous requests through. A bad token is treated as no token.
func OptionalAuth(secret, cookieName string) gin.HandlerFunc {
    return func(c *gin.Context) {
        if tokenStr := bearer(c, cookieName); tokenStr != "" {
            if claims, err := auth.Parse(secret, tokenStr); err == nil {
                c.Set(CtxUserID, claims.Sub)
                c.Set(CtxIsSuper, claims.IsSuperadmin)
            }
        }
        c.Next()
    }
}

// UserID returns the authenticated user, or "" for anonymous callers.
func UserID(c *gin.Context) string {
    return c.GetString(CtxUserID)
}

func IsSuper(c *gin.Context) bool {
    return c.GetBool(CtxIsSuper)
}

func RequireSuper() gin.HandlerFunc {
    return func(c *gin.Context) {
        if !IsSuper(c) {
            basichttp.Fail(c, http.StatusForbidden, "FORBIDDEN", "superadmin required")
            c.Abort()
            return
        }
        c.Next()
    }
}

// HasCourseCap reports whether the user holds perm on the course, either
// directly or through a system-wide grant.
func HasCourseCap(db *gorm.DB, userID, courseID, perm string) bool {
    var count int64
    db.Model(&model.UserPermission{}).
        Where("user_id = ? AND permission = ? AND (course_id = ? OR course_id = '')", userID, perm, courseID).
        Count(&count)
    return count > 0
}

// RequireCourseCap checks perm against the :course_id route param.
// Superadmin is always allowed.
func RequireCourseCap(db *gorm.DB, perm string) gin.HandlerFunc {
    return func(c *gin.Context) {
        if IsSuper(c) {
            c.Next()
            return
        }
        uid := UserID(c)
        if uid == "" {
            basichttp.Fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
            c.Abort()
            return
        }
        if !HasCourseCap(db, uid, c.Param("course_id"), perm) {
            basichttp.Fail(c, http.StatusForbidden, "FORBIDDEN", "permission denied")
            c.Abort()
            return
        }
        c.Next()
    }
}

// ValidateUUIDParam rejects malformed ids and rewrites the param in its
// normalized form.
func ValidateUUIDParam(paramName string) gin.HandlerFunc {
    return func(c *gin.Context) {
        normalized, err := utils.NormalizeUUID(c.Param(paramName))
        if err != nil {
            basichttp.Fail(c, http.StatusBadRequest, "VALIDATION_FAILED", "invalid "+paramName+" format")
            c.Abort()
            return
        }
        for i := range c.Params {
            if c.Params[i].Key == paramName {
                c.Params[i].Value = normalized
            }
        }
        c.Next()
    }
}

func CORS() gin.HandlerFunc {
    return func(c *gin.Context) {
        c.Header("Access-Control-Allow-Origin", "*")
        c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Requested-With, Accept, Origin, X-Trace-ID")
        c.Header("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS,HEAD")
        c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Type, X-Trace-ID, Retry-After")
        c.Header("Access-Control-Max-Age", "86400")

        if c.Request.Method == http.MethodOptions {
            c.AbortWithStatus(http.StatusNoContent)
            return
        }
        c.Next()
    }
}

// Rate limiting
type visitor struct {
    limiter  *rate.Limiter
    lastSeen time.Time
}

type rateLimitStore struct {
    visitors map[string]*visitor
    mu       sync.Mutex
    once     sync.Once
}

func (s *rateLimitStore) addVisitor(ip string, r rate.Limit, b int) *rate.Limiter {
    s.mu.Lock()
    defer s.mu.Unlock()

    v, exists := s.visitors[ip]
    if !exists {
        limiter := rate.NewLimiter(r, b)
        s.visitors[ip] = &visitor{limiter, time.Now()}
        return limiter
    }

    v.lastSeen = time.Now()
    return v.limiter
}

func (s *rateLimitStore) cleanup() {
    for {
        time.Sleep(time.Minute)
        s.mu.Lock()
        for ip, v := range s.visitors {
            if time.Since(v.lastSeen) > 3*time.Minute {
                delete(s.visitors, ip)
            }
        }
        s.mu.Unlock()
    }
}

// RateLimit is a per-IP token bucket in front of the whole API. Redemption
// attempts are additionally counted by the throttle guard.
func RateLimit(rps int, burst int) gin.HandlerFunc {
    store := &rateLimitStore{visitors: make(map[string]*visitor)}
    return func(c *gin.Context) {
        store.once.Do(func() { go store.cleanup() })
        limiter := store.addVisitor(c.ClientIP(), rate.Limit(rps), burst)
        if !limiter.Allow() {
            basichttp.Fail(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
            c.Abort()
            return
        }
        c.Next()
    }
}
