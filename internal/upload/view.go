package upload

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/caption-demo/internal/captioner"
	"github.com/example/caption-demo/internal/dataurl"
	"github.com/example/caption-demo/internal/logging"
	"github.com/example/caption-demo/internal/repository"
)

// ErrConflict reports that a state update lost an optimistic-lock race.
// Stores wrap it so the view can retry.
var ErrConflict = errors.New("upload: concurrent state update")

// Store persists per-session view state. Update must apply fn atomically and
// may call it more than once.
type Store interface {
	Load(ctx context.Context, sessionID string) (*State, error)
	Update(ctx context.Context, sessionID string, fn func(*State) error) (*State, error)
}

// SubmissionRecorder persists an audit row per submission.
type SubmissionRecorder interface {
	SaveLog(ctx context.Context, log *repository.SubmissionLog) error
}

// Archiver keeps a copy of every selected file.
type Archiver interface {
	Archive(ctx context.Context, sessionID, name, mimeType string, data []byte) (string, error)
}

// FileInput is a file chosen by the user.
type FileInput struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Options holds optional collaborators of the view.
type Options struct {
	Recorder SubmissionRecorder
	Archiver Archiver
}

// View owns the upload page behaviour: selecting an image and submitting it
// for captioning.
type View struct {
	store          Store
	captioner      captioner.Client
	recorder       SubmissionRecorder
	archiver       Archiver
	logger         *zap.Logger
	now            func() time.Time
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewView constructs a view over store and client.
func NewView(store Store, client captioner.Client, opts Options, logger *zap.Logger) *View {
	return &View{
		store:          store,
		captioner:      client,
		recorder:       opts.Recorder,
		archiver:       opts.Archiver,
		logger:         logger.Named("upload_view"),
		now:            func() time.Time { return time.Now().UTC() },
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Snapshot returns the current state of the session.
func (v *View) Snapshot(ctx context.Context, sessionID string) (*State, error) {
	var state *State
	err := v.withStoreRetry(ctx, sessionID, "store.load", func() error {
		loaded, err := v.store.Load(ctx, sessionID)
		if err != nil {
			return err
		}
		state = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// SelectImage reads file into a data URL and makes it the selected image,
// unless a newer selection has begun in the meantime.
func (v *View) SelectImage(ctx context.Context, sessionID string, file FileInput) (*State, error) {
	opLogger := logging.WithOperation(v.logger, "upload.select_image", sessionID)

	var token uint64
	if _, err := v.update(ctx, sessionID, "store.begin_read", func(s *State) error {
		token = s.BeginRead()
		return nil
	}); err != nil {
		opLogger.Error("failed to begin file read", zap.Error(err))
		return nil, err
	}

	data, err := io.ReadAll(file.Body)
	if err != nil {
		wrapped := logging.NewOperationError("upload.read_file", sessionID, err)
		opLogger.Warn("failed to read selected file", zap.Error(wrapped), zap.String("file", file.Name))
		return nil, wrapped
	}

	mimeType := dataurl.DetectMediaType(file.ContentType, data)
	img := &Image{
		Name:       file.Name,
		MimeType:   mimeType,
		Size:       int64(len(data)),
		DataURL:    dataurl.Encode(mimeType, data),
		SelectedAt: v.now(),
	}

	if v.archiver != nil {
		if key, err := v.archiver.Archive(ctx, sessionID, img.Name, img.MimeType, data); err != nil {
			opLogger.Warn("failed to archive selected file", zap.Error(err))
		} else {
			opLogger.Debug("selected file archived", zap.String("key", key))
		}
	}

	var applied bool
	state, err := v.update(ctx, sessionID, "store.complete_read", func(s *State) error {
		applied = s.CompleteRead(token, img)
		return nil
	})
	if err != nil {
		opLogger.Error("failed to store selected file", zap.Error(err))
		return nil, err
	}
	if !applied {
		opLogger.Info("stale file read discarded", zap.Uint64("token", token), zap.String("file", img.Name))
	}
	return state, nil
}

// Submit sends the selected image to the captioning endpoint and records the
// outcome. Caption failures are reported through the returned state; the
// error is only set when the state itself could not be read or written.
func (v *View) Submit(ctx context.Context, sessionID string) (*State, error) {
	submissionID := uuid.NewString()
	opLogger := logging.WithOperation(v.logger, "upload.submit", sessionID).With(zap.String("submission_id", submissionID))

	var (
		token   uint64
		payload string
		image   *Image
	)
	if _, err := v.update(ctx, sessionID, "store.begin_submit", func(s *State) error {
		token, payload = s.BeginSubmit()
		image = s.Clone().Image
		return nil
	}); err != nil {
		opLogger.Error("failed to begin submission", zap.Error(err))
		return nil, err
	}

	if image == nil {
		opLogger.Info("submitting without a selected image")
	}

	// An in-flight submission runs to completion even if the caller goes away.
	callCtx := context.WithoutCancel(ctx)
	start := v.now()
	caption, callErr := v.captioner.Caption(callCtx, payload)
	finished := v.now()

	var applied bool
	state, err := v.update(callCtx, sessionID, "store.complete_submit", func(s *State) error {
		if callErr != nil {
			applied = s.FailSubmit(token, callErr.Error(), finished)
		} else {
			applied = s.CompleteSubmit(token, caption, finished)
		}
		return nil
	})
	if err != nil {
		opLogger.Error("failed to store submission result", zap.Error(err))
		return nil, err
	}

	switch {
	case !applied:
		opLogger.Info("stale submission discarded", zap.Uint64("token", token))
	case callErr != nil:
		opLogger.Warn("caption request failed", zap.Error(callErr))
	default:
		opLogger.Info("caption received", zap.Duration("latency", finished.Sub(start)))
	}

	v.record(callCtx, opLogger, submissionID, sessionID, image, payload, caption, callErr, finished.Sub(start), finished)
	return state, nil
}

func (v *View) record(ctx context.Context, opLogger *zap.Logger, submissionID, sessionID string, image *Image, payload, caption string, callErr error, latency time.Duration, at time.Time) {
	if v.recorder == nil {
		return
	}

	log := &repository.SubmissionLog{
		SubmissionID: submissionID,
		SessionID:    sessionID,
		Status:       string(StatusSucceeded),
		Caption:      caption,
		LatencyMs:    latency.Milliseconds(),
		CreatedAt:    at,
	}
	if image != nil {
		log.ImageName = image.Name
		log.MimeType = image.MimeType
		log.ImageBytes = image.Size
	}
	if parsed, err := dataurl.Parse(payload); err == nil {
		hash := sha1.Sum(parsed.Data)
		log.SHA1Hash = hex.EncodeToString(hash[:])
	}
	if callErr != nil {
		log.Status = string(StatusFailed)
		log.Error = callErr.Error()
	}

	if err := v.recorder.SaveLog(ctx, log); err != nil {
		opLogger.Warn("failed to record submission", zap.Error(err))
	}
}

func (v *View) update(ctx context.Context, sessionID, operation string, fn func(*State) error) (*State, error) {
	var state *State
	err := v.withStoreRetry(ctx, sessionID, operation, func() error {
		updated, err := v.store.Update(ctx, sessionID, fn)
		if err != nil {
			return err
		}
		state = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (v *View) withStoreRetry(ctx context.Context, sessionID, operation string, fn func() error) error {
	if v.retryAttempts <= 1 {
		return logging.NewOperationError(operation, sessionID, fn())
	}

	backoff := v.initialBackoff
	opLogger := logging.WithOperation(v.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < v.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= v.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("store operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == v.retryAttempts-1 {
			opLogger.Error("store operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient store error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrConflict) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
