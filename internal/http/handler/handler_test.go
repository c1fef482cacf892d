package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"enroltoken/internal/auth"
	"enroltoken/internal/config"
	"enroltoken/internal/db"
	mw "enroltoken/internal/http/middleware"
	"enroltoken/internal/model"
	"enroltoken/internal/service"
)

const testSecret = "handler-test-secret"

type server struct {
	db     *gorm.DB
	r      *gin.Engine
	store  *service.TokenStore
	course model.Course
	admin  model.User
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	database, err := db.OpenMemory()
	require.NoError(t, err)

	cfg := &config.Config{JWTSecret: testSecret, JWTTTL: 3600, CookieName: "auth_token"}
	s := &server{db: database, store: service.NewTokenStore(database)}

	s.course = model.Course{ShortName: "NET", FullName: "Networking"}
	require.NoError(t, database.Create(&s.course).Error)
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	s.admin = model.User{Username: "root", PasswordHash: string(hash), IsSuperadmin: true}
	require.NoError(t, database.Create(&s.admin).Error)

	guard := service.NewThrottleGuard(database)
	instances := service.NewInstances(database, nil, time.Minute, service.InstanceDefaults{IPThrottleMinutes: 10, UserThrottleMinutes: 10})
	_, err = instances.Create(context.Background(), s.course.ID, "")
	require.NoError(t, err)
	enrollers := service.NewEnrollerCache(database, service.Enroller{})
	engine := service.NewEngine(database, s.store, guard, instances, service.WithEnrollerCache(enrollers))
	issuer := service.NewIssuer(database, s.store, service.NewCodeGenerator(s.store.Exists))

	authH := NewAuthHandler(database, cfg)
	tokenH := NewTokenHandler(database, cfg, s.store, engine, issuer)
	instH := NewInstanceHandler(database, cfg, instances, enrollers)
	adminH := NewAdminHandler(database, cfg, enrollers)
	notifyH := NewNotifyHandler(database, cfg)

	r := gin.New()
	api := r.Group("/api")
	api.POST("/login", authH.Login)
	optional := api.Group("")
	optional.Use(mw.OptionalAuth(testSecret, cfg.CookieName))
	optional.POST("/courses/:course_id/redeem", mw.ValidateUUIDParam("course_id"), tokenH.Redeem)
	optional.GET("/tokens/:code/check", tokenH.Check)

	authed := api.Group("")
	authed.Use(mw.RequireAuth(testSecret, cfg.CookieName))
	authed.GET("/profile", authH.Profile)
	authed.GET("/notifications/unread-count", notifyH.UnreadCount)
	course := authed.Group("/courses/:course_id")
	course.Use(mw.ValidateUUIDParam("course_id"))
	course.PUT("/enrol-instance", mw.RequireCourseCap(database, model.CapConfigure), instH.Put)
	course.POST("/tokens", mw.RequireCourseCap(database, model.CapManage), tokenH.Issue)
	authed.POST("/admin/users/:id/permissions", mw.RequireSuper(), adminH.SetUserPermissions)
	s.r = r
	return s
}

func (s *server) user(t *testing.T, name string) (model.User, string) {
	t.Helper()
	u := model.User{Username: name}
	require.NoError(t, s.db.Create(&u).Error)
	tok, err := auth.Sign(testSecret, u.ID, false, 3600)
	require.NoError(t, err)
	return u, tok
}

func (s *server) token(t *testing.T, code string, seats int, expires *time.Time) {
	t.Helper()
	require.NoError(t, s.store.InsertBatch(context.Background(), []model.Token{{
		Code:           code,
		CourseID:       s.course.ID,
		SeatsTotal:     seats,
		SeatsAvailable: seats,
		CreatedBy:      s.admin.ID,
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      expires,
	}}))
}

func (s *server) do(t *testing.T, method, path, bearer string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func errorCode(out map[string]any) string {
	e, _ := out["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestRedeemEndpoint(t *testing.T) {
	s := newServer(t)
	_, jwt := s.user(t, "learner")
	s.token(t, "NETAAAAAAAAAAAAAAAA", 1, nil)
	path := "/api/courses/" + s.course.ID + "/redeem"

	w, out := s.do(t, http.MethodPost, path, jwt, gin.H{"code": "NETAAAAAAAAAAAAAAAA"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := out["data"].(map[string]any)
	assert.Equal(t, string(service.StatusEnrolled), data["status"])

	w, out = s.do(t, http.MethodPost, path, jwt, gin.H{"code": "NETAAAAAAAAAAAAAAAA"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(service.StatusAlreadyEnrolled), out["data"].(map[string]any)["status"])

	_, other := s.user(t, "latecomer")
	w, out = s.do(t, http.MethodPost, path, other, gin.H{"code": "NETAAAAAAAAAAAAAAAA"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(service.KindNoSeats), errorCode(out))
}

func TestRedeemEndpointStatusMapping(t *testing.T) {
	s := newServer(t)
	past := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	s.token(t, "OLDAAAAAAAAAAAAAAAA", 5, &past)
	s.token(t, "OPENAAAAAAAAAAAAAAA", 5, nil)
	path := "/api/courses/" + s.course.ID + "/redeem"

	tests := []struct {
		name   string
		code   string
		user   string
		status int
		kind   service.RedeemKind
	}{
		{name: "unknown code", code: "NOPEAAAAAAAAAAAAAAA", user: "a", status: http.StatusNotFound, kind: service.KindNotFound},
		{name: "expired", code: "OLDAAAAAAAAAAAAAAAA", user: "b", status: http.StatusGone, kind: service.KindExpired},
		{name: "anonymous", code: "OPENAAAAAAAAAAAAAAA", status: http.StatusUnauthorized, kind: service.KindLoginRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jwt := ""
			if tt.user != "" {
				_, jwt = s.user(t, tt.user)
			}
			w, out := s.do(t, http.MethodPost, path, jwt, gin.H{"code": tt.code})
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, string(tt.kind), errorCode(out))
		})
	}
}

func TestRedeemEndpointThrottleSetsRetryAfter(t *testing.T) {
	s := newServer(t)
	_, jwt := s.user(t, "guesser")
	path := "/api/courses/" + s.course.ID + "/redeem"

	for i := 0; i < service.ThrottleLimit; i++ {
		w, _ := s.do(t, http.MethodPost, path, jwt, gin.H{"code": fmt.Sprintf("GUESS%02d", i)})
		require.Equal(t, http.StatusNotFound, w.Code)
	}
	w, out := s.do(t, http.MethodPost, path, jwt, gin.H{"code": "GUESSXX"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, string(service.KindThrottled), errorCode(out))
	assert.Equal(t, "600", w.Header().Get("Retry-After"))
}

func TestRedeemEndpointRejectsBadCourseID(t *testing.T) {
	s := newServer(t)
	w, _ := s.do(t, http.MethodPost, "/api/courses/not-a-uuid/redeem", "", gin.H{"code": "X"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIssueEndpointRequiresManage(t *testing.T) {
	s := newServer(t)
	u, jwt := s.user(t, "teacher")
	path := "/api/courses/" + s.course.ID + "/tokens"
	body := gin.H{"new_cohort_name": "Autumn", "count": 3, "seats_per_token": 2, "prefix": "AUT"}

	w, out := s.do(t, http.MethodPost, path, jwt, body)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(out))

	require.NoError(t, s.db.Create(&model.UserPermission{UserID: u.ID, CourseID: s.course.ID, Permission: model.CapManage}).Error)
	w, out = s.do(t, http.MethodPost, path, jwt, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	codes := out["data"].(map[string]any)["codes"].([]any)
	assert.Len(t, codes, 3)

	var n int64
	s.db.Model(&model.Token{}).Where("course_id = ? AND seats_available = 2", s.course.ID).Count(&n)
	assert.EqualValues(t, 3, n)

	w, _ = s.do(t, http.MethodPost, path, jwt, gin.H{"count": 1, "seats_per_token": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestInstancePutValidatesDates(t *testing.T) {
	s := newServer(t)
	jwt, err := auth.Sign(testSecret, s.admin.ID, true, 3600)
	require.NoError(t, err)
	path := "/api/courses/" + s.course.ID + "/enrol-instance"

	w, _ := s.do(t, http.MethodPut, path, jwt, gin.H{
		"enrol_start_date": "2024-05-01T00:00:00Z",
		"enrol_end_date":   "2024-04-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, out := s.do(t, http.MethodPut, path, jwt, gin.H{"enabled": false, "long_time_no_see": 86400})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := out["data"].(map[string]any)
	assert.EqualValues(t, model.InstanceDisabled, data["status"])
	assert.EqualValues(t, 86400, data["long_time_no_see"])
}

func TestLoginAndProfile(t *testing.T) {
	s := newServer(t)

	w, _ := s.do(t, http.MethodPost, "/api/login", "", gin.H{"username": "root", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, out := s.do(t, http.MethodPost, "/api/login", "", gin.H{"username": "root", "password": "correct horse"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token := out["data"].(map[string]any)["access_token"].(string)
	assert.NotEmpty(t, token)
	assert.Contains(t, w.Header().Get("Set-Cookie"), "auth_token=")

	w, out = s.do(t, http.MethodGet, "/api/profile", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	user := out["data"].(map[string]any)["user"].(map[string]any)
	assert.Equal(t, "root", user["username"])
	assert.NotNil(t, user["last_access_at"])

	w, _ = s.do(t, http.MethodGet, "/api/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSetUserPermissions(t *testing.T) {
	s := newServer(t)
	u, userJWT := s.user(t, "coordinator")
	superJWT, err := auth.Sign(testSecret, s.admin.ID, true, 3600)
	require.NoError(t, err)
	path := "/api/admin/users/" + u.ID + "/permissions"
	grants := gin.H{"permissions": []gin.H{
		{"course_id": s.course.ID, "permission": "token_manage"},
		{"course_id": "", "permission": model.CapConfigure},
	}}

	w, _ := s.do(t, http.MethodPost, path, userJWT, grants)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = s.do(t, http.MethodPost, path, superJWT, gin.H{"permissions": []gin.H{{"permission": "EVERYTHING"}}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, _ = s.do(t, http.MethodPost, path, superJWT, grants)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, mw.HasCourseCap(s.db, u.ID, s.course.ID, model.CapManage))
	assert.True(t, mw.HasCourseCap(s.db, u.ID, "any-course", model.CapConfigure))
	assert.False(t, mw.HasCourseCap(s.db, u.ID, "any-course", model.CapManage))

	var logs int64
	s.db.Model(&model.OperationLog{}).Where("action = ? AND object_id = ?", service.ActionPermissionsGrant, u.ID).Count(&logs)
	assert.EqualValues(t, 1, logs)

	w, _ = s.do(t, http.MethodPost, path, superJWT, gin.H{"permissions": []gin.H{}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, mw.HasCourseCap(s.db, u.ID, s.course.ID, model.CapManage))
}

func TestUnreadCount(t *testing.T) {
	s := newServer(t)
	u, jwt := s.user(t, "reader")
	service.Notify(s.db, u.ID, "Token email not sent", "relay refused", nil)

	w, out := s.do(t, http.MethodGet, "/api/notifications/unread-count", jwt, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, out["data"].(map[string]any)["count"])
}
