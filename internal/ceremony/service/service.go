package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"conclave/internal/audit"
	"conclave/internal/ceremony/metrics"
	"conclave/internal/ceremony/models"
	keysmodels "conclave/internal/keys/models"
	"conclave/pkg/domain"
	dErrors "conclave/pkg/domain-errors"
	"conclave/pkg/requestcontext"
)

// Repository persists ceremonies. Implementations own the atomicity of the
// one-active-ceremony-per-keeper constraint (Create), witness uniqueness
// (AddWitness) and state changes (Transition is compare-and-set on the
// current state). Terminal ceremonies are never mutated or deleted.
type Repository interface {
	Create(ctx context.Context, c *models.Ceremony) error
	Get(ctx context.Context, id domain.CeremonyID) (*models.Ceremony, error)
	GetActiveForKeeper(ctx context.Context, keeperID domain.KeeperID) (*models.Ceremony, error)
	AddWitness(ctx context.Context, id domain.CeremonyID, w models.Witness) (*models.Ceremony, error)
	Transition(ctx context.Context, id domain.CeremonyID, from, to models.State, reason string) (*models.Ceremony, error)
	MarkCompleted(ctx context.Context, id domain.CeremonyID, newKeyID domain.KeyID, transitionEndAt *time.Time, completedAt time.Time) (*models.Ceremony, error)
	ListActive(ctx context.Context) ([]*models.Ceremony, error)
	ListTimedOut(ctx context.Context, before time.Time) ([]*models.Ceremony, error)
	ListStalledExecuting(ctx context.Context, before time.Time) ([]*models.Ceremony, error)
}

// HSM is the key-management backend. Mode identifies the backend for audit
// logging and is never branched on.
type HSM interface {
	GenerateKeyPair(ctx context.Context) (domain.KeyID, error)
	GetPublicKeyBytes(ctx context.Context, keyID domain.KeyID) ([]byte, error)
	VerifyWithKey(ctx context.Context, content, signature []byte, keyID domain.KeyID) (bool, error)
	Algorithm() keysmodels.KeyAlgorithm
	Mode() string
}

// KeyRegistry tracks which key is active for each keeper. DeactivateKey
// schedules a future cutoff; EmergencyRevokeKey cuts off immediately.
type KeyRegistry interface {
	RegisterKey(ctx context.Context, key *keysmodels.Key) error
	GetActiveKeyForKeeper(ctx context.Context, keeperID domain.KeeperID) (*keysmodels.Key, error)
	DeactivateKey(ctx context.Context, keyID domain.KeyID, at time.Time) error
	EmergencyRevokeKey(ctx context.Context, keyID domain.KeyID, reason string, revokedBy domain.KeeperID) (time.Time, error)
}

// HaltGuard gates every mutating operation on platform-wide halt state.
type HaltGuard interface {
	CheckWriteAllowed(ctx context.Context) error
}

// EventWriter receives one audit event per ceremony lifecycle transition.
type EventWriter interface {
	Emit(ctx context.Context, event audit.Event) error
}

// DefaultCeremonyTimeout is how long a ceremony may sit in PENDING or
// APPROVED before the sweep expires it.
const DefaultCeremonyTimeout = 3600 * time.Second

// Service orchestrates key generation ceremonies: start, witness quorum,
// execution against the HSM and registry, timeout expiry and emergency
// revocation.
type Service struct {
	repo     Repository
	hsm      HSM
	registry KeyRegistry
	halt     HaltGuard
	events   EventWriter

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	// bootstrapMode is captured once at construction. While enabled,
	// witnesses without a registered key are accepted unverified (with a
	// mandatory audit event); once disabled there is no unverified path.
	bootstrapMode   bool
	ceremonyTimeout time.Duration
	executionGrace  time.Duration
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithBootstrapMode overrides the bootstrap-mode gate. Operators disable it
// once all keepers have registered witness keys.
func WithBootstrapMode(enabled bool) Option {
	return func(s *Service) {
		s.bootstrapMode = enabled
	}
}

// WithCeremonyTimeout overrides how long ceremonies may stay active before
// the sweep expires them.
func WithCeremonyTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.ceremonyTimeout = d
	}
}

// WithExecutionGrace overrides how long a ceremony may sit in EXECUTING
// before the sweep declares it stalled and fails it. Defaults to twice the
// ceremony timeout.
func WithExecutionGrace(d time.Duration) Option {
	return func(s *Service) {
		s.executionGrace = d
	}
}

// New constructs a Service.
func New(repo Repository, hsm HSM, registry KeyRegistry, halt HaltGuard, events EventWriter, opts ...Option) *Service {
	s := &Service{
		repo:            repo,
		hsm:             hsm,
		registry:        registry,
		halt:            halt,
		events:          events,
		tracer:          otel.Tracer("conclave/ceremony"),
		bootstrapMode:   true,
		ceremonyTimeout: DefaultCeremonyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.executionGrace <= 0 {
		s.executionGrace = 2 * s.ceremonyTimeout
	}
	return s
}

// GetCeremony returns a ceremony by id. Reads are allowed while halted.
func (s *Service) GetCeremony(ctx context.Context, id domain.CeremonyID) (*models.Ceremony, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrCeremonyNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "ceremony not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load ceremony")
	}
	return c, nil
}

// ListActiveCeremonies returns all non-terminal ceremonies.
func (s *Service) ListActiveCeremonies(ctx context.Context) ([]*models.Ceremony, error) {
	list, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list active ceremonies")
	}
	return list, nil
}

func (s *Service) checkWriteAllowed(ctx context.Context) error {
	if err := s.halt.CheckWriteAllowed(ctx); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "ceremony writes are halted")
	}
	return nil
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	event.Timestamp = requestcontext.Now(ctx)
	event.RequestID = requestcontext.RequestID(ctx)
	if s.events == nil {
		return
	}
	if err := s.events.Emit(ctx, event); err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "audit emit failed", "action", event.Action, "error", err)
	}
}

func (s *Service) logInfo(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.InfoContext(ctx, msg, args...)
	}
}

func (s *Service) logWarn(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, msg, args...)
	}
}
