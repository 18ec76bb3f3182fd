package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/caption-demo/internal/auth"
	"github.com/example/caption-demo/internal/repository"
	"github.com/example/caption-demo/internal/upload"
	"github.com/example/caption-demo/internal/web"
)

// SubmissionLister reads back the submission audit log.
type SubmissionLister interface {
	ListRecent(ctx context.Context, limit int) ([]repository.SubmissionLog, error)
	FindBySubmissionID(ctx context.Context, submissionID string) (*repository.SubmissionLog, error)
	upload.SubmissionAggregator
}

// Config holds the HTTP surface settings.
type Config struct {
	Title          string
	CookieName     string
	CookieTTL      time.Duration
	MaxUploadBytes int64
	AllowedOrigins []string
}

// Handler serves the upload page and its JSON API.
type Handler struct {
	view        *upload.View
	submissions SubmissionLister
	cfg         Config
	logger      *zap.Logger
}

// NewHandler constructs a handler. submissions may be nil, in which case the
// audit endpoint is not registered.
func NewHandler(view *upload.View, submissions SubmissionLister, cfg Config, logger *zap.Logger) *Handler {
	return &Handler{
		view:        view,
		submissions: submissions,
		cfg:         cfg,
		logger:      logger.Named("http"),
	}
}

// NewRouter builds a gin engine with the middleware stack and all routes.
func NewRouter(h *Handler, operatorAuth gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(h.logger), corsMiddleware(h.cfg.AllowedOrigins), errorHandler(h.logger))
	router.MaxMultipartMemory = h.cfg.MaxUploadBytes
	RegisterRoutes(router, h, operatorAuth)
	return router
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, h *Handler, operatorAuth gin.HandlerFunc) {
	router.SetHTMLTemplate(web.Templates())
	router.StaticFS("/static", http.FS(web.Static()))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/", h.session, h.index)
	router.POST("/upload", h.session, h.limitBody, h.uploadForm)

	api := router.Group("/api", h.session)
	{
		api.GET("/state", h.state)
		api.POST("/image", h.limitBody, h.selectImage)
		api.POST("/submit", h.submit)
		if h.submissions != nil {
			api.GET("/submissions", operatorAuth, h.listSubmissions)
			api.GET("/submissions/summary", operatorAuth, h.submissionSummary)
			api.GET("/submissions/:id", operatorAuth, h.getSubmission)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/")
	})
}

type pageData struct {
	Title  string
	Result upload.Result
}

func (h *Handler) index(c *gin.Context) {
	state, err := h.view.Snapshot(c.Request.Context(), sessionID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.HTML(http.StatusOK, web.IndexTemplate, pageData{Title: h.cfg.Title, Result: state.Result})
}

// uploadForm is the no-JavaScript path: select the posted file, if any, then submit.
func (h *Handler) uploadForm(c *gin.Context) {
	ctx := c.Request.Context()
	id := sessionID(c)

	file, err := c.FormFile("image")
	switch {
	case err == nil:
		if file.Size > h.cfg.MaxUploadBytes {
			_ = c.Error(errTooLarge)
			return
		}
		src, openErr := file.Open()
		if openErr != nil {
			_ = c.Error(errUnreadableFile)
			return
		}
		_, selectErr := h.view.SelectImage(ctx, id, fileInput(file, src))
		src.Close()
		if selectErr != nil {
			_ = c.Error(selectErr)
			return
		}
	case isBodyTooLarge(err):
		_ = c.Error(errTooLarge)
		return
	}

	if _, err := h.view.Submit(ctx, id); err != nil {
		_ = c.Error(err)
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *Handler) state(c *gin.Context) {
	state, err := h.view.Snapshot(c.Request.Context(), sessionID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, newStateView(state))
}

func (h *Handler) selectImage(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		if isBodyTooLarge(err) {
			_ = c.Error(errTooLarge)
			return
		}
		_ = c.Error(newAPIError(http.StatusBadRequest, "image file is required"))
		return
	}
	if file.Size > h.cfg.MaxUploadBytes {
		_ = c.Error(errTooLarge)
		return
	}

	src, err := file.Open()
	if err != nil {
		_ = c.Error(errUnreadableFile)
		return
	}
	defer src.Close()

	state, err := h.view.SelectImage(c.Request.Context(), sessionID(c), fileInput(file, src))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, newStateView(state))
}

func (h *Handler) submit(c *gin.Context) {
	state, err := h.view.Submit(c.Request.Context(), sessionID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, newStateView(state))
}

func (h *Handler) listSubmissions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			_ = c.Error(newAPIError(http.StatusBadRequest, "limit must be an integer"))
			return
		}
		limit = parsed
	}

	logs, err := h.submissions.ListRecent(c.Request.Context(), repository.ClampLimit(limit))
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.operatorLogger(c).Info("submissions listed", zap.Int("count", len(logs)))
	c.JSON(http.StatusOK, gin.H{"submissions": logs})
}

func (h *Handler) getSubmission(c *gin.Context) {
	id := c.Param("id")
	log, err := h.submissions.FindBySubmissionID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			_ = c.Error(newAPIError(http.StatusNotFound, "submission not found"))
			return
		}
		_ = c.Error(err)
		return
	}
	h.operatorLogger(c).Info("submission fetched", zap.String("submission_id", id))
	c.JSON(http.StatusOK, log)
}

func (h *Handler) submissionSummary(c *gin.Context) {
	summary, err := upload.Summarize(c.Request.Context(), h.submissions)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.operatorLogger(c).Info("submission summary read", zap.Int64("total", summary.TotalSubmissions))
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) operatorLogger(c *gin.Context) *zap.Logger {
	operator, _ := auth.OperatorFromContext(c.Request.Context())
	return h.logger.With(zap.String("operator", operator))
}

// multipartOverhead is the room left for boundaries and part headers on top
// of the file size limit.
const multipartOverhead = 16 << 10

// limitBody caps the request body at the file limit plus multipartOverhead.
// Handlers check the file size itself against MaxUploadBytes.
func (h *Handler) limitBody(c *gin.Context) {
	limit := h.cfg.MaxUploadBytes + multipartOverhead
	if c.Request.ContentLength > limit {
		_ = c.Error(errTooLarge)
		c.Abort()
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	c.Next()
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
