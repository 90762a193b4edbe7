package exporter

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shelfwise/shelfwise/pkg/observability/logger"
	"github.com/shelfwise/shelfwise/pkg/store/s3"
)

// DefaultFlushThreshold matches the smallest part size object stores accept
// for non-terminal multipart parts.
const DefaultFlushThreshold = 5 * 1024 * 1024

// SessionStore is the slice of Session the manager drives. Narrow so unit
// tests can run against an in-memory implementation.
type SessionStore interface {
	Key() string
	UpdateNumber() int64
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) (bool, error)
	Delete(ctx context.Context) (bool, error)
	ExtendTimeout(ctx context.Context) (bool, error)
	AppendBuffers(ctx context.Context, buffers map[string][]byte) (map[string]int64, error)
	SetUploadID(ctx context.Context, key, uploadID string) error
	AddPartAndClearBuffer(ctx context.Context, key string, part s3.Part) error
	SetState(ctx context.Context, state State) error
	State(ctx context.Context) (State, error)
	ClearUploads(ctx context.Context) error
	PartNumberAndBuffer(ctx context.Context, key string) (int32, []byte, error)
	Uploads(ctx context.Context) (map[string]Upload, error)
}

// Storage is the slice of the object storage adapter the manager needs.
type Storage interface {
	MultipartCreate(ctx context.Context, key, contentType string) (string, error)
	MultipartUploadPart(ctx context.Context, key, uploadID string, partNumber int32, payload []byte) (s3.Part, error)
	MultipartComplete(ctx context.Context, key, uploadID string, parts []s3.Part) error
	MultipartAbort(ctx context.Context, key, uploadID string) error
	Store(ctx context.Context, key string, payload []byte, contentType string) (string, error)
}

// ManagerConfig holds upload manager settings.
type ManagerConfig struct {
	// Name labels logs and metrics for this run, typically the collection
	// or feed being exported.
	Name        string
	ContentType string
	// FlushThreshold is the persisted buffer size at which a key is
	// flushed as a multipart part.
	FlushThreshold int64
	// ExpectedExits lists sentinel errors that mark a deliberate early
	// exit from Begin, such as a task re-queueing itself. They release
	// the session instead of aborting it.
	ExpectedExits []error
}

func (c *ManagerConfig) normalize() {
	if c.Name == "" {
		c.Name = "export"
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = DefaultFlushThreshold
	}
}

// Manager accumulates generated record bytes per output key and flushes them
// to object storage as resumable multipart uploads. In-process buffers are
// not durable; only bytes that have passed through Sync survive a crash.
type Manager struct {
	session SessionStore
	storage Storage
	logger  logger.Logger
	config  ManagerConfig

	buffers   map[string][]byte
	uploading bool
}

// NewManager creates an upload manager over one session.
func NewManager(session SessionStore, storage Storage, log logger.Logger, cfg ManagerConfig) *Manager {
	cfg.normalize()
	return &Manager{
		session: session,
		storage: storage,
		logger:  log.With("export", cfg.Name),
		config:  cfg,
		buffers: make(map[string][]byte),
	}
}

// UpdateNumber exposes the session's update counter for embedding in
// generated object keys.
func (m *Manager) UpdateNumber() int64 {
	return m.session.UpdateNumber()
}

// AddRecord appends serialized record bytes to the in-process buffer for
// key. No I/O happens until Sync.
func (m *Manager) AddRecord(key string, data []byte) {
	m.buffers[key] = append(m.buffers[key], data...)
}

// Sync persists in-process buffers into the session, then flushes every key
// whose persisted buffer reached the threshold as the next multipart part.
// Flush candidates come from the session's persisted state, not just this
// call's appends, so a buffer left over the threshold by an invocation that
// crashed before flushing is picked up on resume.
func (m *Manager) Sync(ctx context.Context) error {
	if _, err := m.session.AppendBuffers(ctx, m.takeBuffers()); err != nil {
		return err
	}

	uploads, err := m.session.Uploads(ctx)
	if err != nil {
		return err
	}

	for _, key := range sortedUploadKeys(uploads) {
		partNumber, buffer, err := m.session.PartNumberAndBuffer(ctx, key)
		if err != nil {
			return err
		}
		if int64(len(buffer)) < m.config.FlushThreshold {
			continue
		}
		if err := m.flushPart(ctx, key, uploads[key].UploadID, partNumber, buffer); err != nil {
			return err
		}
	}
	return nil
}

// Complete performs a final flush and finalizes every key: keys with an open
// multipart upload get their remaining buffer as a last part and are
// completed; keys that never crossed the threshold are written as a single
// object. Returns the finalized keys.
func (m *Manager) Complete(ctx context.Context) ([]string, error) {
	if _, err := m.session.AppendBuffers(ctx, m.takeBuffers()); err != nil {
		return nil, err
	}

	uploads, err := m.session.Uploads(ctx)
	if err != nil {
		return nil, err
	}

	finalized := make([]string, 0, len(uploads))
	for _, key := range sortedUploadKeys(uploads) {
		upload := uploads[key]
		partNumber, buffer, err := m.session.PartNumberAndBuffer(ctx, key)
		if err != nil {
			return nil, err
		}

		if upload.UploadID == "" {
			if len(buffer) == 0 {
				continue
			}
			if _, err := m.storage.Store(ctx, key, buffer, m.config.ContentType); err != nil {
				return nil, err
			}
			m.logger.Info("stored export as single object", "key", key, "size", len(buffer))
			recordKeyFinalized(m.config.Name, "single")
			finalized = append(finalized, key)
			continue
		}

		parts := upload.Parts
		if len(buffer) > 0 {
			part, err := m.storage.MultipartUploadPart(ctx, key, upload.UploadID, partNumber, buffer)
			if err != nil {
				return nil, err
			}
			if err := m.session.AddPartAndClearBuffer(ctx, key, part); err != nil {
				return nil, err
			}
			recordPartUploaded(m.config.Name, len(buffer))
			parts = append(parts, part)
		}

		if err := m.storage.MultipartComplete(ctx, key, upload.UploadID, parts); err != nil {
			return nil, err
		}
		m.logger.Info("completed multipart export", "key", key, "parts", len(parts))
		recordKeyFinalized(m.config.Name, "multipart")
		finalized = append(finalized, key)
	}

	if err := m.session.ClearUploads(ctx); err != nil {
		return nil, err
	}
	return finalized, nil
}

// Abort cancels every in-progress multipart upload and deletes the session.
// Abort failures are logged and swallowed so best-effort cleanup cannot mask
// the error that triggered it; the session record is removed regardless so
// the next run starts clean.
func (m *Manager) Abort(ctx context.Context) {
	recordSessionAborted(m.config.Name)

	uploads, err := m.session.Uploads(ctx)
	if err != nil {
		m.logger.Error("failed to read session during abort", "error", err)
	}
	for _, key := range sortedUploadKeys(uploads) {
		uploadID := uploads[key].UploadID
		if uploadID == "" {
			continue
		}
		if err := m.storage.MultipartAbort(ctx, key, uploadID); err != nil {
			m.logger.Error("failed to abort upload",
				"key", key,
				"upload_id", uploadID,
				"error", err,
			)
		}
	}

	if _, err := m.session.Delete(ctx); err != nil {
		m.logger.Error("failed to delete session during abort", "error", err)
	}
}

// ExtendTimeout refreshes the session lease during long page processing.
func (m *Manager) ExtendTimeout(ctx context.Context) (bool, error) {
	return m.session.ExtendTimeout(ctx)
}

// RemoveSession deletes the session record after a successful Complete.
func (m *Manager) RemoveSession(ctx context.Context) error {
	if _, err := m.session.Delete(ctx); err != nil {
		return err
	}
	return nil
}

// Begin acquires the session and runs fn. On a successful or expected exit
// the session lock is released with state intact so the next invocation can
// resume. On an unexpected error every open upload is aborted and the
// session deleted. A superseded invocation neither completes nor aborts;
// cleanup belongs to the invocation that superseded it.
func (m *Manager) Begin(ctx context.Context, fn func(context.Context) error) error {
	acquired, err := m.session.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrSessionNotAcquired, m.session.Key())
	}
	if err := m.markQueued(ctx); err != nil {
		if _, releaseErr := m.session.Release(ctx); releaseErr != nil {
			m.logger.Warn("failed to release session", "error", releaseErr)
		}
		return err
	}

	fnErr := fn(ctx)
	if fnErr == nil || m.isExpectedExit(fnErr) {
		if _, err := m.session.Release(ctx); err != nil {
			m.logger.Warn("failed to release session", "error", err)
		}
		return fnErr
	}

	m.logger.Error("aborting export session after failure", "error", fnErr)
	m.Abort(ctx)
	return fnErr
}

func (m *Manager) isExpectedExit(err error) bool {
	if errors.Is(err, ErrSessionSuperseded) {
		return true
	}
	for _, sentinel := range m.config.ExpectedExits {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// flushPart uploads buffer as key's next sequential part, creating the
// multipart upload on first flush.
func (m *Manager) flushPart(ctx context.Context, key, uploadID string, partNumber int32, buffer []byte) error {
	if len(buffer) == 0 {
		return nil
	}

	if uploadID == "" {
		var err error
		uploadID, err = m.storage.MultipartCreate(ctx, key, m.config.ContentType)
		if err != nil {
			return err
		}
		if err := m.session.SetUploadID(ctx, key, uploadID); err != nil {
			return err
		}
		if err := m.markUploading(ctx); err != nil {
			return err
		}
	}

	part, err := m.storage.MultipartUploadPart(ctx, key, uploadID, partNumber, buffer)
	if err != nil {
		return err
	}
	if err := m.session.AddPartAndClearBuffer(ctx, key, part); err != nil {
		return err
	}

	m.logger.Debug("flushed export part", "key", key, "part", part.PartNumber, "size", len(buffer))
	recordPartUploaded(m.config.Name, len(buffer))
	return nil
}

// markQueued records that an invocation picked the run up. A resumed run
// keeps its later state.
func (m *Manager) markQueued(ctx context.Context) error {
	state, err := m.session.State(ctx)
	if err != nil {
		return err
	}
	if state != StateInitial {
		return nil
	}
	return m.session.SetState(ctx, StateQueued)
}

// markUploading records that bytes reached object storage. Set once per
// manager; re-setting the same value on resume is harmless.
func (m *Manager) markUploading(ctx context.Context) error {
	if m.uploading {
		return nil
	}
	if err := m.session.SetState(ctx, StateUploading); err != nil {
		return err
	}
	m.uploading = true
	return nil
}

func (m *Manager) takeBuffers() map[string][]byte {
	buffers := m.buffers
	m.buffers = make(map[string][]byte)
	return buffers
}

func sortedUploadKeys(uploads map[string]Upload) []string {
	keys := make([]string, 0, len(uploads))
	for key := range uploads {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
