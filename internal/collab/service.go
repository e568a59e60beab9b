package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	opServiceNew     = "collab.service.new"
	opJoin           = "collab.join"
	opLeave          = "collab.leave"
	opRelayUpdate    = "collab.relay_update"
	opRelayAwareness = "collab.relay_awareness"
	opRequestSync    = "collab.request_sync"
	opFlushRoom      = "collab.flush_room"
	opSweepRooms     = "collab.sweep_rooms"
	opClose          = "collab.close"

	fieldRoom       = "room"
	fieldConnection = "connection"
	fieldAttempts   = "attempts"
	fieldFragments  = "fragments"

	reasonMissingStore       = "missing_store"
	reasonServiceClosed      = "service_closed"
	reasonEmptyFragment      = "empty_fragment"
	reasonMalformedFragment  = "malformed_fragment"
	reasonNotSubscribed      = "not_subscribed"
	reasonAlreadySubscribed  = "already_subscribed"
	reasonSnapshotLoadFailed = "snapshot_load_failed"
	reasonSnapshotSaveFailed = "snapshot_save_failed"
	reasonMergeFailed        = "merge_failed"
)

const (
	defaultDebounceWindow  = 2 * time.Second
	defaultIdleTimeout     = 5 * time.Minute
	defaultFlushBackoff    = 250 * time.Millisecond
	maxFlushBackoff        = 5 * time.Second
	defaultSendBufferDepth = 64

	// Retry count after which failed flushes escalate from error to warn-level
	// visibility for operators.
	flushRetryWarnThreshold = 3
)

var (
	errMissingStore = errors.New("snapshot store is required")
	noOpLogger      = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// SnapshotStore persists merged room state keyed by session and file.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, sessionID, fileID string) (state []byte, found bool, err error)
	SaveSnapshot(ctx context.Context, sessionID, fileID string, state []byte, modifiedAt time.Time) error
}

// ServiceConfig describes the inputs required to build a Service.
type ServiceConfig struct {
	Store           SnapshotStore
	Logger          *zap.Logger
	Clock           func() time.Time
	DebounceWindow  time.Duration
	IdleTimeout     time.Duration
	FlushBackoff    time.Duration
	SendBufferDepth int
}

// Service owns the room registry and every room's update log, subscriber set,
// and flush state. All mutations of one room are serialized through its mutex.
type Service struct {
	store  SnapshotStore
	logger *zap.Logger
	clock  func() time.Time

	debounceWindow  time.Duration
	idleTimeout     time.Duration
	flushBackoff    time.Duration
	sendBufferDepth int

	registry registry
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	debounceWindow := cfg.DebounceWindow
	if debounceWindow <= 0 {
		debounceWindow = defaultDebounceWindow
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	flushBackoff := cfg.FlushBackoff
	if flushBackoff <= 0 {
		flushBackoff = defaultFlushBackoff
	}
	sendBufferDepth := cfg.SendBufferDepth
	if sendBufferDepth <= 0 {
		sendBufferDepth = defaultSendBufferDepth
	}

	service := &Service{
		store:           cfg.Store,
		logger:          logger,
		clock:           clock,
		debounceWindow:  debounceWindow,
		idleTimeout:     idleTimeout,
		flushBackoff:    flushBackoff,
		sendBufferDepth: sendBufferDepth,
	}
	service.registry.rooms = make(map[string]*room)
	return service, nil
}

// Close force-flushes every room and rejects further operations.
func (s *Service) Close(ctx context.Context) error {
	rooms := s.registry.closeAndDetach()

	var firstErr error
	for _, candidate := range rooms {
		if err := s.forceFlush(ctx, candidate); err != nil {
			s.logError(opClose, reasonSnapshotSaveFailed, err, zap.String(fieldRoom, candidate.key.String()))
			if firstErr == nil {
				firstErr = err
			}
		}
		candidate.closeSubscribers()
	}
	if firstErr != nil {
		return newServiceError(opClose, reasonSnapshotSaveFailed, firstErr)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("collab service error", attrs...)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}
