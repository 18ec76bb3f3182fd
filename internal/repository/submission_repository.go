package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/caption-demo/internal/logging"
)

// SubmissionLog represents one persisted caption submission.
type SubmissionLog struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	SubmissionID string    `gorm:"column:submission_id;uniqueIndex;size:64" json:"submission_id"`
	SessionID    string    `gorm:"column:session_id;index;size:64" json:"session_id"`
	ImageName    string    `gorm:"column:image_name;size:255" json:"image_name"`
	MimeType     string    `gorm:"column:mime_type;size:128" json:"mime_type"`
	ImageBytes   int64     `gorm:"column:image_bytes" json:"image_bytes"`
	SHA1Hash     string    `gorm:"column:sha1_hash;index;size:40" json:"sha1_hash"`
	Status       string    `gorm:"column:status;size:16" json:"status"`
	Caption      string    `gorm:"column:caption;type:text" json:"caption"`
	Error        string    `gorm:"column:error;type:text" json:"error,omitempty"`
	LatencyMs    int64     `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt    time.Time `gorm:"column:created_at;index" json:"created_at"`
}

// TableName overrides the default table name.
func (SubmissionLog) TableName() string {
	return "submission_logs"
}

// MaxListLimit caps ListRecent.
const MaxListLimit = 200

// SubmissionRepository provides persistence APIs for submission logs.
type SubmissionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSubmissionRepository creates a new repository instance.
func NewSubmissionRepository(db *gorm.DB, logger *zap.Logger) *SubmissionRepository {
	return &SubmissionRepository{
		db:             db,
		logger:         logger.Named("submission_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *SubmissionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&SubmissionLog{})
}

// SaveLog persists a submission log entry.
func (r *SubmissionRepository) SaveLog(ctx context.Context, log *SubmissionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.SessionID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// ListRecent returns the newest submissions first. limit is clamped to
// [1, MaxListLimit].
func (r *SubmissionRepository) ListRecent(ctx context.Context, limit int) ([]SubmissionLog, error) {
	limit = ClampLimit(limit)
	var logs []SubmissionLog
	err := r.executeWithRetry(ctx, "repository.list_recent", "", func() error {
		logs = logs[:0]
		return r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// FindBySubmissionID retrieves a single submission.
func (r *SubmissionRepository) FindBySubmissionID(ctx context.Context, submissionID string) (*SubmissionLog, error) {
	var log SubmissionLog
	err := r.executeWithRetry(ctx, "repository.find_submission", "", func() error {
		return r.db.WithContext(ctx).First(&log, "submission_id = ?", submissionID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// SubmissionAggregation holds totals over the whole submission log.
type SubmissionAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	AverageLatencyMs float64
}

// AggregateSubmissions counts all submissions, those with successStatus, and
// the mean caption latency.
func (r *SubmissionRepository) AggregateSubmissions(ctx context.Context, successStatus string) (*SubmissionAggregation, error) {
	var agg SubmissionAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_submissions", "", func() error {
		return r.db.WithContext(ctx).
			Model(&SubmissionLog{}).
			Select("COUNT(*) AS total_count, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS success_count, "+
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms", successStatus).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// ClampLimit bounds a caller supplied page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 20
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

func (r *SubmissionRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return logging.NewOperationError(operation, sessionID, err)
		}
		if !isTransient(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
