package portal

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"oiat.dev/config"
	"oiat.dev/dispatcher"
	"oiat.dev/store"
)

// logTailChunk caps how many bytes one log-tail response returns.
const logTailChunk = 64 * 1024

// --- auth ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token       string          `json:"token"`
	CSRF        string          `json:"csrf"`
	Username    string          `json:"username"`
	Permissions map[string]bool `json:"permissions"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed login request")
	}

	user, err := authenticate(s.users, req.Username, req.Password)
	if err != nil {
		s.log.WithField("username", req.Username).Warn("Login rejected")
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	token, csrf, err := s.tokens.Issue(user)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to issue session")
	}

	c.SetCookie(&http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return c.JSON(http.StatusOK, loginResponse{
		Token:       token,
		CSRF:        csrf,
		Username:    user.Username,
		Permissions: user.Permissions,
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "oiat-portal",
		"version": s.version,
	})
}

// --- runs ---

func (s *Server) handleListRuns(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	jobs, err := s.store.Jobs(limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) handleGetRun(c echo.Context) error {
	job, err := s.store.Job(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, job)
}

type triggerRunRequest struct {
	TenantScope  string `json:"tenant_scope"`
	Date         string `json:"date,omitempty"`
	FromDate     string `json:"from_date,omitempty"`
	ToDate       string `json:"to_date,omitempty"`
	SkipDownload bool   `json:"skip_download,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
}

func (s *Server) handleTriggerRun(c echo.Context) error {
	var req triggerRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed run request")
	}
	from, to := req.FromDate, req.ToDate
	if req.Date != "" {
		from, to = req.Date, req.Date
	}

	claims, err := sessionClaims(c)
	if err != nil {
		return err
	}
	id, err := s.dispatcher.Enqueue(dispatcher.Request{
		TenantScope:  req.TenantScope,
		FromDate:     from,
		ToDate:       to,
		RequestedBy:  claims.Username,
		SkipDownload: req.SkipDownload,
		DryRun:       req.DryRun,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) handleCancelRun(c echo.Context) error {
	if err := s.store.RequestCancel(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleRunArtifacts(c echo.Context) error {
	artifacts, err := s.store.ArtifactsForJob(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, artifacts)
}

type logTailResponse struct {
	Chunk      string `json:"chunk"`
	NextOffset int64  `json:"next_offset"`
	Size       int64  `json:"size"`
	SizeHuman  string `json:"size_human"`
	EOF        bool   `json:"eof"`
}

// handleRunLog returns the log chunk starting at ?offset=N so the UI
// can poll incrementally.
func (s *Server) handleRunLog(c echo.Context) error {
	job, err := s.store.Job(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if job.LogPath == "" {
		return c.JSON(http.StatusOK, logTailResponse{EOF: true})
	}

	f, err := os.Open(job.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return c.JSON(http.StatusOK, logTailResponse{EOF: true})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	size := info.Size()

	offset, _ := strconv.ParseInt(c.QueryParam("offset"), 10, 64)
	if offset < 0 || offset > size {
		offset = size
	}

	buf := make([]byte, logTailChunk)
	n, _ := f.ReadAt(buf, offset)
	next := offset + int64(n)

	return c.JSON(http.StatusOK, logTailResponse{
		Chunk:      string(buf[:n]),
		NextOffset: next,
		Size:       size,
		SizeHuman:  humanize.Bytes(uint64(size)),
		EOF:        next >= size && job.FinishedAt != nil,
	})
}

// --- schedules ---

type scheduleRequest struct {
	Name        string `json:"name"`
	CronExpr    string `json:"cron_expr"`
	Timezone    string `json:"timezone"`
	TenantScope string `json:"tenant_scope"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) handleListSchedules(c echo.Context) error {
	schedules, err := s.store.Schedules(false)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, schedules)
}

func (s *Server) handleCreateSchedule(c echo.Context) error {
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed schedule")
	}
	if req.CronExpr == "" || req.TenantScope == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cron_expr and tenant_scope are required")
	}
	sched := &store.RunSchedule{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		Timezone:    req.Timezone,
		TenantScope: req.TenantScope,
		Enabled:     req.Enabled,
	}
	if err := s.store.CreateSchedule(sched); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, sched)
}

func (s *Server) handleUpdateSchedule(c echo.Context) error {
	id, err := scheduleID(c)
	if err != nil {
		return err
	}
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed schedule")
	}
	sched := &store.RunSchedule{
		ID:          id,
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		Timezone:    req.Timezone,
		TenantScope: req.TenantScope,
		Enabled:     req.Enabled,
	}
	if err := s.store.UpdateSchedule(sched); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sched)
}

func (s *Server) handleToggleSchedule(c echo.Context) error {
	id, err := scheduleID(c)
	if err != nil {
		return err
	}
	sched, err := s.store.Schedule(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
	}
	sched.Enabled = !sched.Enabled
	if err := s.store.UpdateSchedule(sched); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(c echo.Context) error {
	id, err := scheduleID(c)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSchedule(id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// handleRunScheduleNow enqueues a run for the schedule's scope with
// yesterday as the target date.
func (s *Server) handleRunScheduleNow(c echo.Context) error {
	id, err := scheduleID(c)
	if err != nil {
		return err
	}
	sched, err := s.store.Schedule(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
	}

	claims, err := sessionClaims(c)
	if err != nil {
		return err
	}
	loc := time.UTC
	if sched.Timezone != "" {
		if l, err := time.LoadLocation(sched.Timezone); err == nil {
			loc = l
		}
	}
	target := time.Now().In(loc).AddDate(0, 0, -1).Format("2006-01-02")

	jobID, err := s.dispatcher.Enqueue(dispatcher.Request{
		TenantScope: sched.TenantScope,
		FromDate:    target,
		ToDate:      target,
		RequestedBy: claims.Username,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"job_id": jobID})
}

func scheduleID(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid schedule id")
	}
	return uint(id), nil
}

// --- companies ---

func (s *Server) handleListCompanies(c echo.Context) error {
	keys, err := config.AvailableCompanies(s.app.Paths.CompaniesDir)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if keys == nil {
		keys = []string{}
	}
	return c.JSON(http.StatusOK, keys)
}

func (s *Server) handleGetCompany(c echo.Context) error {
	cfg, err := config.LoadCompanyByKey(s.app.Paths.CompaniesDir, c.Param("key"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, cfg)
}

// handleSaveCompany creates or replaces a company config after strict
// validation; unknown fields are rejected the same way the loader does.
func (s *Server) handleSaveCompany(c echo.Context) error {
	decoder := json.NewDecoder(c.Request().Body)
	decoder.DisallowUnknownFields()

	var cfg config.CompanyConfig
	if err := decoder.Decode(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if key := c.Param("key"); key != "" && key != cfg.CompanyKey {
		return echo.NewHTTPError(http.StatusBadRequest, "company_key does not match URL")
	}
	if err := cfg.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := os.MkdirAll(s.app.Paths.CompaniesDir, 0o755); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	data, err := json.MarshalIndent(&cfg, "", "  ")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	path := filepath.Join(s.app.Paths.CompaniesDir, cfg.CompanyKey+".json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	s.log.WithField("company", cfg.CompanyKey).Info("Company config saved")
	return c.JSON(http.StatusOK, &cfg)
}

// --- settings and workers ---

func (s *Server) handleGetSettings(c echo.Context) error {
	settings, err := s.store.Settings()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := map[string]string{}
	for _, st := range settings {
		out[st.Key] = st.Value
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handlePutSettings(c echo.Context) error {
	var req map[string]string
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed settings")
	}
	for key, value := range req {
		if err := s.store.SetSetting(key, value); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleWorkers(c echo.Context) error {
	beats, err := s.store.Heartbeats()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	type workerStatus struct {
		Name     string    `json:"name"`
		PID      int       `json:"pid"`
		BeatAt   time.Time `json:"beat_at"`
		BeatAgo  string    `json:"beat_ago"`
		Healthy  bool      `json:"healthy"`
	}
	out := make([]workerStatus, 0, len(beats))
	for _, b := range beats {
		out = append(out, workerStatus{
			Name:    b.Name,
			PID:     b.PID,
			BeatAt:  b.BeatAt,
			BeatAgo: humanize.Time(b.BeatAt),
			Healthy: time.Since(b.BeatAt) < 2*time.Minute,
		})
	}
	return c.JSON(http.StatusOK, out)
}
