package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"blockattend/internal/attendance"
	"blockattend/internal/auth"
	"blockattend/internal/config"
	"blockattend/internal/httpmiddleware"
	"blockattend/internal/ledger"
	"blockattend/internal/metrics"
	"blockattend/internal/queue"
	"blockattend/internal/registry"
	"blockattend/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatal().Err(err).Msg("http server failed")
	}
}

func runHTTP(cfg config.App) error {
	st, err := store.New(cfg.DataDir)
	if err != nil {
		return err
	}

	reg := registry.NewService(st)
	att := attendance.NewService(st, cfg.MockHistory)

	if err := reg.EnsureAdmin("System Admin", "admin@college.in", "admin123"); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *store.Redis
	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		q = queue.NewRedisQueue(redisClient.Client, "blockattend:marks")
	} else {
		q = queue.NewInMemory(64)
	}

	ledgerClient := dialLedger(ctx, cfg)
	defer ledgerClient.Close()

	var submitter ledger.Submitter
	if ledgerClient != nil {
		submitter = ledgerClient
	}
	mirror := ledger.NewMirror(q, submitter, cfg.LedgerTimeout)
	if cfg.QueueBackend != "redis" {
		// With the in-memory queue there is no separate worker process, so
		// the mirror loop runs detached inside the API process.
		go func() {
			if err := mirror.Run(ctx); err != nil {
				log.Error().Err(err).Msg("ledger mirror exited")
			}
		}()
	}

	r := newRouter(ctx, cfg, reg, att, mirror, redisClient, ledgerClient)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	// Give outstanding requests 10 seconds to complete.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server forced shutdown")
	}

	log.Info().Msg("server exited")
	return nil
}

// newRouter wires every route. The server context is used for ledger
// publishes so they outlive the request that produced them.
func newRouter(ctx context.Context, cfg config.App, reg *registry.Service, att *attendance.Service, mirror *ledger.Mirror, redisClient *store.Redis, ledgerClient *ledger.Client) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "BlockAttend server running")
	})

	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		redisHealthy := true
		if redisClient != nil {
			redisHealthy = redisClient.Healthy(c.Request.Context())
			if !redisHealthy {
				status = http.StatusServiceUnavailable
			}
		}
		c.JSON(status, gin.H{
			"status": "ok",
			"redis":  redisHealthy,
			"ledger": ledgerClient.Healthy(c.Request.Context()),
		})
	})

	authGroup := r.Group("/api/auth")

	authGroup.POST("/register", func(c *gin.Context) {
		var req struct {
			Name      string `json:"name" binding:"required"`
			Email     string `json:"email" binding:"required"`
			Password  string `json:"password" binding:"required"`
			Role      string `json:"role" binding:"required"`
			ClassName string `json:"className"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "All fields required"})
			return
		}
		user, err := reg.Register(registry.RegisterInput{
			Name:      req.Name,
			Email:     req.Email,
			Password:  req.Password,
			Role:      req.Role,
			ClassName: req.ClassName,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Registration successful", "user": user})
	})

	authGroup.POST("/login", func(c *gin.Context) {
		var req struct {
			Email    string `json:"email" binding:"required"`
			Password string `json:"password" binding:"required"`
			Role     string `json:"role"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password required"})
			return
		}
		user, role, err := reg.Verify(req.Email, req.Password)
		if err != nil {
			respondError(c, err)
			return
		}
		// The token's role claim is always the one the credentials resolved
		// to; the echoed user keeps the client's requested role so dashboard
		// routing stays unchanged.
		token, _, err := auth.Issue(user.ID, user.Email, role, cfg.JWTIssuer, cfg.JWTSecret, cfg.TokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		echoRole := role
		if req.Role != "" {
			echoRole = req.Role
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "Login successful",
			"token":   token,
			"user":    registry.Public(user, echoRole),
		})
	})

	authGroup.GET("/me", func(c *gin.Context) {
		claims, ok := auth.FromRequestHeader(c, cfg.JWTSecret, cfg.JWTIssuer)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": claims.UserID, "email": claims.Email, "role": claims.Role})
	})

	authGroup.POST("/request", func(c *gin.Context) {
		var req struct {
			Name      string   `json:"name" binding:"required"`
			Email     string   `json:"email" binding:"required"`
			Password  string   `json:"password" binding:"required"`
			Role      string   `json:"role" binding:"required"`
			ClassName string   `json:"className"`
			Subjects  []string `json:"subjects"`
			Classes   []string `json:"classes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "All fields required"})
			return
		}
		pending, err := reg.SubmitRequest(registry.RequestInput{
			Name:      req.Name,
			Email:     req.Email,
			Password:  req.Password,
			Role:      req.Role,
			ClassName: req.ClassName,
			Subjects:  req.Subjects,
			Classes:   req.Classes,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Request submitted", "request": pending})
	})

	adminGroup := r.Group("/api/admin")
	teacherGroup := r.Group("/api/teacher")
	studentGroup := r.Group("/api/student")
	if cfg.AuthEnforce {
		adminGroup.Use(auth.RequireRole(cfg.JWTSecret, cfg.JWTIssuer, registry.RoleAdmin))
		teacherGroup.Use(auth.RequireRole(cfg.JWTSecret, cfg.JWTIssuer, registry.RoleTeacher))
		studentGroup.Use(auth.Bearer(cfg.JWTSecret, cfg.JWTIssuer))
	}

	adminGroup.GET("/requests", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"requests": reg.Requests()})
	})

	adminGroup.POST("/approve", func(c *gin.Context) {
		var req struct {
			ID        int64  `json:"id"`
			Name      string `json:"name"`
			Email     string `json:"email"`
			Role      string `json:"role"`
			ClassName string `json:"className"`
			Password  string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
			return
		}
		user, err := reg.Approve(registry.ApproveInput{
			ID:        req.ID,
			Name:      req.Name,
			Email:     req.Email,
			Role:      req.Role,
			ClassName: req.ClassName,
			Password:  req.Password,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "User approved & added to backend", "user": user})
	})

	adminGroup.POST("/reject", func(c *gin.Context) {
		var req struct {
			ID int64 `json:"id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id required"})
			return
		}
		if err := reg.Reject(req.ID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Request rejected"})
	})

	adminGroup.GET("/teachers-count", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"count": reg.TeacherCount()})
	})

	adminGroup.GET("/students-count", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"count": reg.StudentCount()})
	})

	adminGroup.GET("/low-attendance-students", func(c *gin.Context) {
		c.JSON(http.StatusOK, att.LowAttendance(attendance.DefaultLowAttendanceThreshold))
	})

	adminGroup.GET("/class-summary", func(c *gin.Context) {
		c.JSON(http.StatusOK, att.ClassSummary())
	})

	adminGroup.GET("/class-summary/export", func(c *gin.Context) {
		body, err := att.ClassSummaryCSV()
		if err != nil {
			respondError(c, err)
			return
		}
		c.Header("Content-Disposition", "attachment; filename=class_summary.csv")
		c.Data(http.StatusOK, "text/csv", body)
	})

	teacherGroup.GET("/students", func(c *gin.Context) {
		c.JSON(http.StatusOK, reg.Students())
	})

	teacherGroup.GET("/export", func(c *gin.Context) {
		body, err := att.StudentExportCSV()
		if err != nil {
			respondError(c, err)
			return
		}
		c.Header("Content-Disposition", "attachment; filename=student_details.csv")
		c.Data(http.StatusOK, "text/csv", body)
	})

	teacherGroup.POST("/mark", func(c *gin.Context) {
		var req struct {
			TeacherEmail string `json:"teacherEmail"`
			Subject      string `json:"subject"`
			ClassName    string `json:"className"`
			StudentEmail string `json:"studentEmail" binding:"required"`
			Date         string `json:"date"`
			Present      *bool  `json:"present" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "studentEmail and present required"})
			return
		}
		rec, err := att.Mark(attendance.MarkInput{
			TeacherEmail: req.TeacherEmail,
			Subject:      req.Subject,
			ClassName:    req.ClassName,
			StudentEmail: req.StudentEmail,
			Date:         req.Date,
			Present:      *req.Present,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		metrics.MarksRecorded.Inc()

		// Detached ledger mirror: published against the server context so the
		// write outlives this request, and never gates the response.
		mirror.Publish(ctx, ledger.Event{
			RecordID:     rec.ID,
			Subject:      rec.Subject,
			ClassName:    rec.ClassName,
			StudentEmail: rec.StudentEmail,
			Date:         rec.Date,
			Present:      rec.Present,
		})

		c.JSON(http.StatusOK, gin.H{"message": "Attendance recorded"})
	})

	studentGroup.GET("/attendance/:email", func(c *gin.Context) {
		entries, err := att.History(c.Param("email"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	})

	r.GET("/api/all-users-flat", func(c *gin.Context) {
		c.JSON(http.StatusOK, reg.AllUsersFlat())
	})

	return r
}

// dialLedger returns nil when the mirror is unconfigured or unreachable;
// everything else keeps working without it.
func dialLedger(ctx context.Context, cfg config.App) *ledger.Client {
	if cfg.LedgerContract == "" || cfg.LedgerSigner == "" {
		if cfg.LedgerContract != "" {
			log.Warn().Msg("ATTENDANCE_CONTRACT_ADDRESS set but SIGNER_PRIVATE_KEY missing, on-chain disabled")
		} else {
			log.Info().Msg("on-chain attendance not configured")
		}
		return nil
	}
	client, err := ledger.Dial(ctx, cfg.LedgerRPCURL, cfg.LedgerContract, cfg.LedgerSigner)
	if err != nil {
		log.Warn().Err(err).Msg("on-chain attendance init failed, mirror disabled")
		return nil
	}
	log.Info().Str("contract", cfg.LedgerContract).Msg("on-chain attendance enabled")
	return client
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrDuplicateEmail):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email already exists"})
	case errors.Is(err, registry.ErrMissingFields):
		c.JSON(http.StatusBadRequest, gin.H{"error": "All fields required"})
	case errors.Is(err, registry.ErrUnknownRole):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown role"})
	case errors.Is(err, registry.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
	case errors.Is(err, registry.ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
	case errors.Is(err, attendance.ErrStudentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Student not found"})
	case errors.Is(err, attendance.ErrStudentEmailRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
	}
}

func setupLogging(cfg config.App) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Env != "production" && cfg.Env != "prod" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
