package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arvinnon/vecbook/internal/attendance"
	"github.com/arvinnon/vecbook/internal/attendance/postgres"
	"github.com/arvinnon/vecbook/internal/auth"
	"github.com/arvinnon/vecbook/internal/cloudinary"
	"github.com/arvinnon/vecbook/internal/config"
	"github.com/arvinnon/vecbook/internal/httpmiddleware"
	"github.com/arvinnon/vecbook/internal/metrics"
	"github.com/arvinnon/vecbook/internal/queue"
	"github.com/arvinnon/vecbook/internal/recognition"
	"github.com/arvinnon/vecbook/internal/store"
)

const maxFrameBytes = 8 << 20

type server struct {
	cfg       config.App
	store     *postgres.Store
	engine    *attendance.Engine
	debouncer *recognition.Debouncer
	matcher   *recognition.Client
	queue     queue.Queue
	redis     *store.Redis
	cdn       *cloudinary.Client
	db        *store.DB
	logger    *log.Logger
}

func newServer(cfg config.App, pg *postgres.Store, engine *attendance.Engine, debouncer *recognition.Debouncer, matcher *recognition.Client, q queue.Queue, redisClient *store.Redis, cdn *cloudinary.Client, db *store.DB) *server {
	return &server{
		cfg:       cfg,
		store:     pg,
		engine:    engine,
		debouncer: debouncer,
		matcher:   matcher,
		queue:     q,
		redis:     redisClient,
		cdn:       cdn,
		db:        db,
		logger:    log.Default(),
	}
}

func (s *server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewPerIPLimiter(s.cfg.RateLimitPerMin, s.cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.handleHealthz)

	v1 := r.Group("/v1")
	v1.POST("/scans", s.handleScan)
	v1.GET("/attendance", s.handleListAttendance)
	v1.GET("/attendance/summary", s.handleSummary)
	v1.GET("/scan-events", s.handleListEvents)
	v1.GET("/teachers", s.handleListTeachers)
	v1.POST("/teachers", s.handleCreateTeacher)
	v1.GET("/teachers/:id", s.handleGetTeacher)
	v1.GET("/teachers/:id/dtr", s.handleTeacherDTR)
	v1.POST("/auth/login", s.handleLogin)
	v1.GET("/config/recognition", s.handleRecognitionConfig)

	admin := v1.Group("/admin", auth.AdminAuth(s.cfg.JWTSigningKey, s.cfg.JWTIssuer))
	admin.POST("/reset/attendance", s.handleResetAttendance)

	return r
}

func (s *server) handleHealthz(c *gin.Context) {
	ctx := c.Request.Context()
	dbHealthy := s.db.Client.PingContext(ctx) == nil
	redisHealthy := s.redis.Healthy(ctx)
	status := http.StatusOK
	if !dbHealthy || !redisHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": "ok", "db": dbHealthy, "redis": redisHealthy})
}

// scanRequest is the pre-matched JSON form for devices that embed the
// matcher themselves.
type scanRequest struct {
	Label      *int64  `json:"label"`
	Confidence float64 `json:"confidence"`
	Usable     bool    `json:"usable"`
	Reason     string  `json:"reason"`
	SessionID  string  `json:"session_id"`
}

func (s *server) handleScan(c *gin.Context) {
	ctx := c.Request.Context()
	requestID := c.GetHeader("X-Request-ID")

	var (
		frame     []byte
		cand      *recognition.Candidate
		reason    string
		sessionID string
	)

	if c.ContentType() == "multipart/form-data" {
		file, _, err := c.Request.FormFile("frame")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "frame field required"})
			return
		}
		defer file.Close()
		frame, err = io.ReadAll(io.LimitReader(file, maxFrameBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read frame failed"})
			return
		}
		sessionID = c.PostForm("session_id")

		cand, reason, err = s.matcher.Match(ctx, frame)
		if err != nil {
			s.logger.Printf("face matcher error: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "face matcher unavailable"})
			return
		}
	} else {
		var req scanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sessionID = req.SessionID
		reason = req.Reason
		if req.Label != nil {
			cand = &recognition.Candidate{Label: *req.Label, Confidence: req.Confidence, Usable: req.Usable}
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	in := attendance.ScanInput{
		At:        time.Now(),
		Source:    attendance.DefaultSource,
		SessionID: sessionID,
		RequestID: requestID,
	}

	// A candidate the matcher could not place under the match threshold is an
	// unenrolled face, not a confirmation attempt.
	if cand != nil && cand.Usable && cand.Confidence > s.cfg.MatchThreshold {
		in.Reason = "unknown_face"
		label, conf := cand.Label, cand.Confidence
		in.TeacherID = &label
		in.Confidence = &conf
		s.finishScan(c, in, frame, sessionID)
		return
	}

	obs := s.debouncer.Observe(sessionID, cand)
	metrics.DebouncerVerdicts.WithLabelValues(string(obs.Verdict)).Inc()

	switch obs.Verdict {
	case recognition.VerdictRetry:
		retryReason := obs.Reason
		if retryReason == "" {
			retryReason = reason
		}
		c.JSON(http.StatusOK, gin.H{
			"verified":       false,
			"verdict":        string(obs.Verdict),
			"reason":         retryReason,
			"no_match_count": obs.Count,
			"no_match_limit": obs.Needed,
			"session_id":     sessionID,
		})
		return

	case recognition.VerdictConfirmed:
		in.Verified = true
		label, conf := obs.Label, obs.Confidence
		in.TeacherID = &label
		in.Confidence = &conf

	case recognition.VerdictPending:
		in.Reason = "pending_confirmation"
		label, conf := obs.Label, obs.Confidence
		in.TeacherID = &label
		in.Confidence = &conf
		in.PendingCount = obs.Count
		in.PendingLimit = obs.Needed

	case recognition.VerdictLowConf:
		in.Reason = "low_confidence"
		label, conf := obs.Label, obs.Confidence
		in.TeacherID = &label
		in.Confidence = &conf

	case recognition.VerdictDuplicate:
		in.Reason = "duplicate"
		label, conf := obs.Label, obs.Confidence
		in.TeacherID = &label
		in.Confidence = &conf

	default: // no_match
		in.Reason = obs.Reason
	}

	s.finishScan(c, in, frame, sessionID)
}

// finishScan runs the decision engine and answers, publishing review notices
// out of band.
func (s *server) finishScan(c *gin.Context, in attendance.ScanInput, frame []byte, sessionID string) {
	res, err := s.engine.ProcessScan(c.Request.Context(), in)
	metrics.ScanDecisions.WithLabelValues(string(res.Decision)).Inc()
	if err != nil {
		c.JSON(http.StatusInternalServerError, res)
		return
	}
	if res.RequiresReview {
		go s.publishReview(res, sessionID, frame)
	}
	c.JSON(http.StatusOK, res)
}

func (s *server) publishReview(res attendance.ScanResult, sessionID string, frame []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	notice := queue.ReviewNotice{
		EventID:    res.ScanEventID,
		TeacherID:  res.TeacherID,
		Decision:   string(res.Decision),
		Message:    res.Message,
		EventDate:  res.Date,
		EventTime:  res.EventTime,
		Source:     attendance.DefaultSource,
		SessionID:  sessionID,
		RequestID:  res.RequestID,
		EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
		Confidence: res.Confidence,
	}
	if s.cdn.Enabled() && len(frame) > 0 {
		url, err := s.cdn.ArchiveFrame(ctx, frame, res.ScanEventID)
		if err != nil {
			s.logger.Printf("frame archival failed for event %d: %v", res.ScanEventID, err)
		} else {
			notice.FrameURL = url
		}
	}
	if err := s.queue.Publish(ctx, notice); err != nil {
		s.logger.Printf("review publish failed for event %d: %v", res.ScanEventID, err)
		return
	}
	metrics.ReviewPublished.Inc()
}

type recordDTO struct {
	ID               int64  `json:"id"`
	TeacherID        int64  `json:"teacher_id"`
	Date             string `json:"date"`
	TimeIn           string `json:"time_in,omitempty"`
	TimeOut          string `json:"time_out,omitempty"`
	Status           string `json:"status"`
	Remarks          string `json:"remarks,omitempty"`
	ScanAttempts     int    `json:"scan_attempts"`
	Source           string `json:"source,omitempty"`
	ScheduledStart   string `json:"scheduled_start"`
	ScheduledEnd     string `json:"scheduled_end"`
	GraceMinutes     int    `json:"grace_minutes"`
	LateByMinutes    int    `json:"late_by_minutes"`
	WorkedMinutes    *int   `json:"worked_minutes,omitempty"`
	UndertimeMinutes *int   `json:"undertime_minutes,omitempty"`
	AutoClosed       bool   `json:"auto_closed"`
	AbsenceMarked    bool   `json:"absence_marked"`
}

func toRecordDTO(r attendance.DailyRecord) recordDTO {
	dto := recordDTO{
		ID:               r.ID,
		TeacherID:        r.TeacherID,
		Date:             r.Date,
		Status:           string(r.Status),
		Remarks:          r.Remarks,
		ScanAttempts:     r.ScanAttempts,
		Source:           r.Source,
		ScheduledStart:   r.ScheduledStart.String(),
		ScheduledEnd:     r.ScheduledEnd.String(),
		GraceMinutes:     r.GraceMinutes,
		LateByMinutes:    r.LateByMinutes,
		WorkedMinutes:    r.WorkedMinutes,
		UndertimeMinutes: r.UndertimeMinutes,
		AutoClosed:       r.AutoClosedAt != nil,
		AbsenceMarked:    r.AbsenceMarkedAt != nil,
	}
	if r.TimeIn != nil {
		dto.TimeIn = r.TimeIn.String()
	}
	if r.TimeOut != nil {
		dto.TimeOut = r.TimeOut.String()
	}
	return dto
}

func (s *server) handleListAttendance(c *gin.Context) {
	filter := attendance.RecordFilter{
		Limit:  intQuery(c, "limit", 200),
		Offset: intQuery(c, "offset", 0),
	}
	if date := c.Query("date"); date != "" {
		if !validDate(date) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		filter.Date = date
	}
	if v := c.Query("teacher_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "teacher_id must be an integer"})
			return
		}
		filter.TeacherID = &id
	}

	records, err := s.store.ListRecords(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]recordDTO, 0, len(records))
	for _, r := range records {
		out = append(out, toRecordDTO(r))
	}
	c.JSON(http.StatusOK, gin.H{"records": out})
}

func (s *server) handleSummary(c *gin.Context) {
	date := c.Query("date")
	if date == "" {
		date = time.Now().Format("2006-01-02")
	} else if !validDate(date) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}

	ctx := c.Request.Context()
	records, err := s.store.ListRecords(ctx, attendance.RecordFilter{Date: date, Limit: 10000})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := s.store.CountTeachers(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	counts := map[attendance.Status]int{}
	for _, r := range records {
		counts[r.Status]++
	}
	c.JSON(http.StatusOK, gin.H{
		"date":           date,
		"total_teachers": total,
		"present":        counts[attendance.StatusPresent],
		"late":           counts[attendance.StatusLate],
		"absent":         counts[attendance.StatusAbsent],
		"outside_hours":  counts[attendance.StatusOutsideHours],
		"auto_closed":    counts[attendance.StatusAutoClosed],
		"no_record":      total - len(records),
	})
}

func (s *server) handleTeacherDTR(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return
	}
	month := c.Query("month")
	if _, err := time.Parse("2006-01", month); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "month must be YYYY-MM"})
		return
	}

	ctx := c.Request.Context()
	teacher, err := s.store.TeacherByID(ctx, id)
	if err != nil {
		if errors.Is(err, attendance.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "teacher not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	records, err := s.store.ListRecords(ctx, attendance.RecordFilter{TeacherID: &id, Month: month, Limit: 62})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]recordDTO, 0, len(records))
	for _, r := range records {
		out = append(out, toRecordDTO(r))
	}
	c.JSON(http.StatusOK, gin.H{
		"teacher_id": teacher.ID,
		"full_name":  teacher.FullName,
		"month":      month,
		"records":    out,
	})
}

func (s *server) handleListEvents(c *gin.Context) {
	filter := attendance.EventFilter{
		Limit:  intQuery(c, "limit", 100),
		Offset: intQuery(c, "offset", 0),
	}
	if v := c.Query("teacher_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "teacher_id must be an integer"})
			return
		}
		filter.TeacherID = &id
	}
	if date := c.Query("date"); date != "" {
		if !validDate(date) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		filter.Date = date
	}
	if v := c.Query("decision"); v != "" {
		filter.Decision = attendance.DecisionCode(v)
	}
	if v := c.Query("requires_review"); v != "" {
		flag := v == "1" || v == "true"
		filter.RequiresReview = &flag
	}

	events, err := s.store.ListEvents(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(events))
	for _, ev := range events {
		out = append(out, gin.H{
			"id":               ev.ID,
			"teacher_id":       ev.TeacherID,
			"recognized_label": ev.RecognizedLabel,
			"confidence":       ev.Confidence,
			"decision_code":    string(ev.Decision),
			"message":          ev.Message,
			"event_date":       ev.EventDate,
			"event_time":       ev.EventTime.String(),
			"captured_at":      ev.CapturedAt,
			"source":           ev.Source,
			"session_id":       ev.SessionID,
			"request_id":       ev.RequestID,
			"requires_review":  ev.RequiresReview,
			"error_code":       ev.ErrorCode,
			"dtr_record_id":    ev.RecordID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (s *server) handleListTeachers(c *gin.Context) {
	teachers, err := s.store.ListTeachers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"teachers": teachers})
}

func (s *server) handleCreateTeacher(c *gin.Context) {
	var req struct {
		FullName   string `json:"full_name" binding:"required"`
		Department string `json:"department"`
		EmployeeID string `json:"employee_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	teacher := attendance.Teacher{
		FullName:   req.FullName,
		Department: req.Department,
		EmployeeID: req.EmployeeID,
	}
	if err := s.store.CreateTeacher(c.Request.Context(), &teacher); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, teacher)
}

func (s *server) handleGetTeacher(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return
	}
	teacher, err := s.store.TeacherByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, attendance.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "teacher not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, teacher)
}

func (s *server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	admin, err := s.store.AdminByUsername(c.Request.Context(), req.Username)
	if err != nil {
		if errors.Is(err, attendance.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !auth.VerifyPassword(req.Password, admin.PasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := auth.Issue(admin.Username, "admin", s.cfg.JWTIssuer, s.cfg.JWTSigningKey, s.cfg.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token.Value,
		"expires_at":   token.ExpiresAt.Unix(),
	})
}

func (s *server) handleResetAttendance(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.store.DeleteAllEvents(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.DeleteAllRecords(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *server) handleRecognitionConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"match_threshold":        s.cfg.MatchThreshold,
		"match_strict_threshold": s.cfg.MatchStrictThreshold,
		"match_confirmations":    s.cfg.MatchConfirmations,
		"no_match_limit":         s.cfg.NoMatchLimit,
		"session_ttl_seconds":    int(s.cfg.SessionTTL.Seconds()),
		"duplicate_cooldown":     int(s.cfg.DuplicateCooldown.Seconds()),
		"logout_mode":            s.cfg.LogoutMode,
		"am_start":               s.cfg.Schedule.AMStart.String(),
		"am_end":                 s.cfg.Schedule.AMEnd.String(),
		"pm_start":               s.cfg.Schedule.PMStart.String(),
		"pm_end":                 s.cfg.Schedule.PMEnd.String(),
		"grace_minutes":          s.cfg.Schedule.GraceMinutes,
		"auto_close_cutoff":      s.cfg.Schedule.AutoCloseCutoff.String(),
		"absence_cutoff":         s.cfg.Schedule.AbsenceCutoff.String(),
		"face_skip":              s.matcher.Skip,
	})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func validDate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

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
