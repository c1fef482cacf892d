package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"enroltoken/internal/config"
	"enroltoken/internal/db"
	"enroltoken/internal/http/handler"
	mw "enroltoken/internal/http/middleware"
	"enroltoken/internal/model"
	"enroltoken/internal/service"
)

func main() {
	cfg := config.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	database, err := db.Open(cfg)
	if err != nil {
		zap.L().Fatal("failed to open database", zap.Error(err))
	}

	if err := db.AutoMigrate(database); err != nil {
		zap.L().Fatal("failed to run automigrate", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cacheSvc := service.NewCacheManager(cfg)

	mailer := service.NewMailer(cfg)
	queue := service.NewMailQueue(mailer, cfg.MailQueueSize)
	queue.Start(ctx)

	store := service.NewTokenStore(database)
	guard := service.NewThrottleGuard(database)
	instances := service.NewInstances(database, cacheSvc, cfg.CacheTTL, service.InstanceDefaults{
		IPThrottleMinutes:   cfg.DefaultIPThrottleMinutes,
		UserThrottleMinutes: cfg.DefaultUserThrottleMinutes,
	})
	gen := service.NewCodeGenerator(store.Exists, service.WithBannedWords(cfg.BannedWords))
	enrollers := service.NewEnrollerCache(database, service.Enroller{Name: cfg.MailFromName, Email: cfg.MailFrom})

	// Welcome mail goes through the queue so redemption never waits on SMTP.
	engine := service.NewEngine(database, store, guard, instances,
		service.WithWelcomeMailer(queue),
		service.WithEnrollerCache(enrollers),
		service.WithWWWRoot(cfg.WWWRoot),
	)
	// Batch mail is sent inline: the operator is told when it fails.
	issuer := service.NewIssuer(database, store, gen,
		service.WithBatchMailer(mailer),
		service.WithSiteInfo(cfg.WWWRoot, cfg.AdminSignoff),
	)

	sched, err := service.StartScheduler(cfg.SyncCron, service.NewInactivitySync(database, nil), guard, cfg.ThrottleRetention)
	if err != nil {
		zap.L().Fatal("failed to start scheduler", zap.String("spec", cfg.SyncCron), zap.Error(err))
	}

	// Auto-create admin user if configured and no users exist
	if cfg.AdminInitUser != "" && cfg.AdminInitPass != "" {
		var userCount int64
		database.Model(&model.User{}).Count(&userCount)
		if userCount == 0 {
			hashedPassword, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminInitPass), bcrypt.DefaultCost)
			if err != nil {
				zap.L().Fatal("failed to hash admin password", zap.Error(err))
			}

			adminUser := &model.User{
				Username:     cfg.AdminInitUser,
				PasswordHash: string(hashedPassword),
				IsSuperadmin: true,
			}

			if err := database.Create(adminUser).Error; err != nil {
				zap.L().Fatal("failed to create admin user", zap.Error(err))
			}

			zap.L().Info("Admin user created successfully", zap.String("username", cfg.AdminInitUser))
		}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestLogger())
	r.Use(mw.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	r.Use(mw.CORS())
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Writer.Header().Set("X-Frame-Options", "DENY")
		c.Next()
	})

	api := r.Group("/api")

	authH := handler.NewAuthHandler(database, cfg)
	tokenH := handler.NewTokenHandler(database, cfg, store, engine, issuer)
	instH := handler.NewInstanceHandler(database, cfg, instances, enrollers)
	adminH := handler.NewAdminHandler(database, cfg, enrollers)
	logH := handler.NewLogHandler(database, cfg)
	notifyH := handler.NewNotifyHandler(database, cfg)

	api.POST("/login", authH.Login)
	api.POST("/logout", authH.Logout)

	// Guests may redeem; the engine answers LOGIN_REQUIRED when it matters.
	optional := api.Group("")
	optional.Use(mw.OptionalAuth(cfg.JWTSecret, cfg.CookieName))
	optional.POST("/courses/:course_id/redeem", mw.ValidateUUIDParam("course_id"), tokenH.Redeem)
	optional.GET("/tokens/:code/check", tokenH.Check)

	authed := api.Group("")
	authed.Use(mw.RequireAuth(cfg.JWTSecret, cfg.CookieName))
	authed.GET("/profile", authH.Profile)
	authed.GET("/roles", instH.Roles)
	authed.GET("/notifications", notifyH.List)
	authed.GET("/notifications/unread-count", notifyH.UnreadCount)
	authed.POST("/notifications/:id/read", notifyH.MarkRead)

	course := authed.Group("/courses/:course_id")
	course.Use(mw.ValidateUUIDParam("course_id"))
	course.POST("/access", instH.Access)
	course.GET("/enrol-instance", mw.RequireCourseCap(database, model.CapConfigure), instH.Get)
	course.PUT("/enrol-instance", mw.RequireCourseCap(database, model.CapConfigure), instH.Put)

	manage := course.Group("/tokens")
	manage.Use(mw.RequireCourseCap(database, model.CapManage))
	manage.POST("", tokenH.Issue)
	manage.GET("", tokenH.List)
	manage.DELETE("", tokenH.Revoke)
	manage.PUT("/:code", tokenH.Update)
	manage.POST("/:code/enrol", tokenH.EnrolTrusted)

	super := authed.Group("")
	super.Use(mw.RequireSuper())
	super.GET("/tokens", tokenH.ListAll)
	super.DELETE("/tokens", tokenH.RevokeAny)
	super.POST("/tokens/external", tokenH.IssueExternal)
	super.POST("/admin/users", adminH.CreateUser)
	super.POST("/admin/users/:id/permissions", adminH.SetUserPermissions)
	super.GET("/admin/logs/operations", logH.ListOperationLogs)

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("server error", zap.Error(err))
		}
	}()
	zap.L().Info("listening", zap.String("addr", srv.Addr))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("server shutdown", zap.Error(err))
	}
	<-sched.Stop().Done()
	queue.Wait()
}
