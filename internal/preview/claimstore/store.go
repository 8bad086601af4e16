// Package claimstore implements the deployment claim state machine on top of
// a versioned compare-and-swap backend.
package claimstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nathantilsley/preview-dispatch/internal/platform/retry"
	"github.com/nathantilsley/preview-dispatch/internal/preview/domain"
	"github.com/nathantilsley/preview-dispatch/internal/preview/ports"
)

var (
	// ErrNotFound indicates no record exists for the key.
	ErrNotFound = errors.New("claimstore: record not found")
	// ErrConflict is returned by a backend when the expected version no longer
	// matches, and by Store once retries are exhausted.
	ErrConflict = errors.New("claimstore: concurrent modification")
	// ErrInvalidTransition rejects a state change the machine does not allow.
	ErrInvalidTransition = errors.New("claimstore: invalid status transition")
)

// Versioned is a record together with its optimistic concurrency version.
// Version 0 means the record does not exist.
type Versioned struct {
	Record  domain.DeploymentRecord
	Version int64
}

// Backend is the storage contract: a versioned read and a conditional write.
//
// CompareAndSwap writes rec with version expected+1 only if the stored
// version equals expected (0 meaning "absent"), otherwise returns ErrConflict.
type Backend interface {
	Load(ctx context.Context, key string) (Versioned, bool, error)
	CompareAndSwap(ctx context.Context, expected int64, rec domain.DeploymentRecord) error
	Purge(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

const defaultMaxAttempts = 5

// DefaultPolicy bounds each backend call. Only reads are retried.
var DefaultPolicy = retry.Policy{Retries: 2, Timeout: 5 * time.Second, InitialInterval: 50 * time.Millisecond}

// Store implements ports.ClaimStore.
type Store struct {
	backend     Backend
	owner       string
	maxAttempts int
	policy      retry.Policy
	now         func() time.Time
	log         *slog.Logger
}

var _ ports.ClaimStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxAttempts bounds the optimistic retry loop.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithPolicy sets the per-call timeout for every backend call and the retry
// budget for loads that fail with anything other than a conflict.
func WithPolicy(p retry.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithLogger sets the logger used for conflict diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New wraps backend. owner is recorded as claimed_by on successful claims.
func New(backend Backend, owner string, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		owner:       owner,
		maxAttempts: defaultMaxAttempts,
		policy:      DefaultPolicy,
		now:         time.Now,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Claim moves key to claimed if it is absent or pending. It returns false
// without writing when the key is already claimed or has reached a terminal
// state.
func (s *Store) Claim(ctx context.Context, key string, attrs ports.ClaimAttrs) (bool, error) {
	claimed := false
	err := s.transact(ctx, key, func(cur Versioned, found bool) (*domain.DeploymentRecord, error) {
		claimed = false
		now := s.now().UTC()

		var rec domain.DeploymentRecord
		if found {
			if cur.Record.Status != domain.StatusPending {
				return nil, nil
			}
			rec = cur.Record
		} else {
			rec = domain.DeploymentRecord{
				Key:            key,
				Repo:           attrs.Repo,
				PRNumber:       attrs.PRNumber,
				CommitSHA:      attrs.CommitSHA,
				InstallationID: attrs.InstallationID,
				CommentID:      attrs.CommentID,
				CreatedAt:      now,
			}
		}
		if attrs.CommentID != 0 {
			rec.CommentID = attrs.CommentID
		}
		rec.Status = domain.StatusClaimed
		rec.ClaimedBy = s.owner
		rec.UpdatedAt = now
		claimed = true
		return &rec, nil
	})
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return claimed, nil
}

// Update records the deployer's progress on a claimed record: claimed may
// move to deployed or failed, and a record may be rewritten with its current
// status to attach optional fields. Pending is only reached through Release
// and claimed only through Claim.
func (s *Store) Update(ctx context.Context, key string, status domain.Status, opts ports.UpdateOptions) error {
	if _, err := domain.ParseStatus(string(status)); err != nil {
		return fmt.Errorf("update %s: %w: %v", key, ErrInvalidTransition, err)
	}
	err := s.transact(ctx, key, func(cur Versioned, found bool) (*domain.DeploymentRecord, error) {
		if !found {
			return nil, ErrNotFound
		}
		if !updateAllowed(cur.Record.Status, status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Record.Status, status)
		}
		rec := cur.Record
		rec.Status = status
		rec.UpdatedAt = s.now().UTC()
		if opts.PreviewURL != "" {
			rec.PreviewURL = opts.PreviewURL
		}
		if opts.ReleaseName != "" {
			rec.ReleaseName = opts.ReleaseName
		}
		if opts.Namespace != "" {
			rec.Namespace = opts.Namespace
		}
		return &rec, nil
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	return nil
}

func updateAllowed(from, to domain.Status) bool {
	switch from {
	case domain.StatusClaimed:
		return to == domain.StatusClaimed || to.Terminal()
	case domain.StatusDeployed, domain.StatusFailed:
		return to == from
	default:
		return false
	}
}

// Release returns a claimed record to pending so a later /preview can claim
// it again. Releasing a pending record is a no-op.
func (s *Store) Release(ctx context.Context, key string) error {
	err := s.transact(ctx, key, func(cur Versioned, found bool) (*domain.DeploymentRecord, error) {
		if !found {
			return nil, ErrNotFound
		}
		switch cur.Record.Status {
		case domain.StatusPending:
			return nil, nil
		case domain.StatusClaimed:
		default:
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Record.Status, domain.StatusPending)
		}
		rec := cur.Record
		rec.Status = domain.StatusPending
		rec.ClaimedBy = ""
		rec.UpdatedAt = s.now().UTC()
		return &rec, nil
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Get returns a snapshot of the record for key.
func (s *Store) Get(ctx context.Context, key string) (domain.DeploymentRecord, bool, error) {
	cur, found, err := s.load(ctx, key)
	if err != nil {
		return domain.DeploymentRecord{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	return cur.Record, found, nil
}

// Purge deletes deployed and failed records last updated before the cutoff.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	n, err := s.backend.Purge(ctx, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return n, nil
}

// Ping checks backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.backend.Ping(ctx)
}

// Close releases backend resources.
func (s *Store) Close() error {
	return s.backend.Close()
}

type mutation func(cur Versioned, found bool) (*domain.DeploymentRecord, error)

// transact runs the read-branch-write loop. A nil record from fn means no
// write is needed.
func (s *Store) transact(ctx context.Context, key string, fn mutation) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		cur, found, err := s.load(ctx, key)
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		if !found {
			cur = Versioned{}
		}

		next, err := fn(cur, found)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		next.Key = key

		err = s.compareAndSwap(ctx, cur.Version, *next)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return fmt.Errorf("write: %w", err)
		}
		s.log.Debug("claim store conflict, retrying", "idempotency_key", key, "attempt", attempt)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return ErrConflict
}

// load reads key under the policy. Loads have no side effects, so transient
// failures are retried.
func (s *Store) load(ctx context.Context, key string) (Versioned, bool, error) {
	var (
		cur   Versioned
		found bool
	)
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		cur, found, err = s.backend.Load(ctx, key)
		if err != nil {
			s.log.Debug("claim store load failed", "idempotency_key", key, "error", err)
		}
		return err
	})
	return cur, found, err
}

// compareAndSwap gets a single attempt: a write that timed out may still have
// landed, and the next transact iteration re-reads before writing again.
func (s *Store) compareAndSwap(ctx context.Context, expected int64, rec domain.DeploymentRecord) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.backend.CompareAndSwap(ctx, expected, rec)
}

func (s *Store) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.policy.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.policy.Timeout)
}
