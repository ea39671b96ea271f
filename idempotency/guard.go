package idempotency

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/foodsaga/contracts"
)

// Guard runs side effects at most once per dedupe key within one consumer
// namespace
type Guard struct {
	store     Store
	namespace string
	claim     bool
	logger    *slog.Logger
}

// GuardOption configures a Guard
type GuardOption func(*Guard)

// WithGuardLogger sets the logger
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithAtomicClaim makes Run claim the key before the effect instead of
// checking before and marking after it
func WithAtomicClaim() GuardOption {
	return func(g *Guard) {
		g.claim = true
	}
}

// ClaimingStore is a Store whose guards all run in atomic claim mode. It lets
// one setting switch every consumer of a service without touching them.
type ClaimingStore struct {
	Store
}

// Claiming wraps store so guards built on it claim keys atomically
func Claiming(store Store) *ClaimingStore {
	return &ClaimingStore{Store: store}
}

// NewGuard creates a guard for namespace
func NewGuard(store Store, namespace string, options ...GuardOption) *Guard {
	g := &Guard{store: store, namespace: namespace, logger: slog.Default()}
	if _, ok := store.(*ClaimingStore); ok {
		g.claim = true
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Namespace returns the consumer namespace
func (g *Guard) Namespace() string {
	return g.namespace
}

// Seen reports whether key was already processed
func (g *Guard) Seen(ctx context.Context, key string) (bool, error) {
	seen, err := g.store.Seen(ctx, g.namespace, key)
	if err != nil {
		return false, fmt.Errorf("check processed %s/%s: %w", g.namespace, key, err)
	}
	return seen, nil
}

// MarkSeen records key as processed
func (g *Guard) MarkSeen(ctx context.Context, key string) error {
	if err := g.store.MarkSeen(ctx, g.namespace, key); err != nil {
		return fmt.Errorf("mark processed %s/%s: %w", g.namespace, key, err)
	}
	return nil
}

// Run checks key, runs effect and marks key once effect succeeds. A key
// already seen returns contracts.ErrDuplicateEffect without running effect.
// If marking fails after effect committed, the error is returned and the
// delivery will be processed again; effect must be safe to repeat.
//
// In claim mode the key is taken atomically first, so two instances sharing
// a store cannot both run effect. A failed effect releases its claim.
func (g *Guard) Run(ctx context.Context, key string, effect func(ctx context.Context) error) error {
	if g.claim {
		return g.runClaimed(ctx, key, effect)
	}

	seen, err := g.Seen(ctx, key)
	if err != nil {
		return err
	}
	if seen {
		g.logger.Info("event already processed", "namespace", g.namespace, "dedupeKey", key)
		return contracts.ErrDuplicateEffect
	}

	if err := effect(ctx); err != nil {
		return err
	}

	if err := g.MarkSeen(ctx, key); err != nil {
		g.logger.Error("side effect committed but marker write failed",
			"namespace", g.namespace,
			"dedupeKey", key,
			"error", err,
		)
		return err
	}
	return nil
}

func (g *Guard) runClaimed(ctx context.Context, key string, effect func(ctx context.Context) error) error {
	owned, err := g.Claim(ctx, key)
	if err != nil {
		return err
	}
	if !owned {
		g.logger.Info("event already claimed", "namespace", g.namespace, "dedupeKey", key)
		return contracts.ErrDuplicateEffect
	}

	if err := effect(ctx); err != nil {
		if uerr := g.store.Unmark(context.WithoutCancel(ctx), g.namespace, key); uerr != nil {
			g.logger.Error("failed to release claim",
				"namespace", g.namespace,
				"dedupeKey", key,
				"error", uerr,
			)
		}
		return err
	}
	return nil
}

// Claim atomically records key before the effect runs and reports whether
// this caller owns it. It closes the window between Seen and MarkSeen when
// several instances share a store, at the price of losing the effect if the
// caller crashes after claiming.
func (g *Guard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.store.TryMark(ctx, g.namespace, key)
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", g.namespace, key, err)
	}
	return ok, nil
}
