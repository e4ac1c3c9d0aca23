// Package broker is the facade tying storage, resolution, accounting, and
// the provider client together behind one explicit configuration object.
package broker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"llmgate/internal/cache"
	"llmgate/internal/crypto"
	"llmgate/internal/metrics"
	"llmgate/internal/providers"
	"llmgate/internal/providers/openai_compat"
	"llmgate/internal/resolve"
	"llmgate/internal/storage"
	"llmgate/internal/tokens"
	"llmgate/internal/usage"
)

var (
	// ErrUserPlatformsDisabled: the deployment does not allow private platforms.
	ErrUserPlatformsDisabled = errors.New("user platforms are disabled")
	// ErrNotOwner: the caller does not own the row it tried to change.
	ErrNotOwner = errors.New("not the owner of this platform")
	// ErrSystemPlatform: the operation only applies to private platforms.
	ErrSystemPlatform = errors.New("operation not allowed on system platform")
	// ErrBuiltinSlot: builtin usage slots cannot be renamed or deleted.
	ErrBuiltinSlot = errors.New("builtin usage slot is protected")
	// ErrNameTaken: a platform with that name already exists.
	ErrNameTaken = errors.New("platform name already taken")
	// ErrInvalidInput: a required field is empty or malformed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidTarget: the platform/model pair is not usable by this user.
	ErrInvalidTarget = errors.New("invalid platform/model target")
)

// Config wires the broker's collaborators. Cache may be nil when no redis is
// deployed; Estimator defaults to the heuristic tokenizer.
type Config struct {
	Store              *storage.Store
	Keyring            *crypto.Keyring
	Estimator          *tokens.Estimator
	Cache              *cache.ViewCache
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
	AllowUserPlatforms bool
	AutoKey            bool
	HTTPClient         *http.Client
}

type Broker struct {
	store      *storage.Store
	keyring    *crypto.Keyring
	keys       *resolve.KeyResolver
	sel        *resolve.SelectionResolver
	acc        *usage.Accounting
	est        *tokens.Estimator
	cache      *cache.ViewCache
	log        zerolog.Logger
	metrics    *metrics.Metrics
	allowUser  bool
	httpClient *http.Client
}

func New(cfg Config) *Broker {
	est := cfg.Estimator
	if est == nil {
		est = tokens.NewEstimator(nil)
	}
	keys := resolve.NewKeyResolver(cfg.Store, cfg.Keyring, cfg.AutoKey)
	return &Broker{
		store:      cfg.Store,
		keyring:    cfg.Keyring,
		keys:       keys,
		sel:        resolve.NewSelectionResolver(cfg.Store, keys, cfg.Logger, cfg.Metrics),
		acc:        usage.NewAccounting(cfg.Store, est, cfg.Logger, cfg.Metrics),
		est:        est,
		cache:      cfg.Cache,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		allowUser:  cfg.AllowUserPlatforms,
		httpClient: cfg.HTTPClient,
	}
}

// ResolveTarget produces the call target for a usage slot.
func (b *Broker) ResolveTarget(ctx context.Context, userID, usageKey string) (resolve.ResolvedTarget, error) {
	return b.sel.Resolve(ctx, userID, usageKey)
}

// ResolveAgent produces the call target for a named agent.
func (b *Broker) ResolveAgent(ctx context.Context, userID, agentName string) (resolve.ResolvedTarget, error) {
	return b.sel.ResolveAgent(ctx, userID, agentName)
}

// ClientFor builds a chat client for an already-resolved target.
func (b *Broker) ClientFor(target resolve.ResolvedTarget) providers.Provider {
	return openai_compat.New(openai_compat.Config{
		BaseURL:    target.Platform.BaseURL,
		APIKey:     target.Credential,
		HTTPClient: b.httpClient,
	})
}

// StartTracker begins billing one streamed response against the target.
func (b *Broker) StartTracker(userID string, target resolve.ResolvedTarget, agent, prompt string) *usage.Tracker {
	return b.acc.StartTracker(userID, target.Model.ID, target.Model.ModelName, agent, prompt)
}

// RecordUsage appends a ledger entry; failures are logged, never returned.
func (b *Broker) RecordUsage(ctx context.Context, e storage.UsageEntry) {
	b.acc.Record(ctx, e)
}

func (b *Broker) EstimateTokens(text, modelName string) int {
	return b.est.Estimate(text, modelName)
}

func (b *Broker) UsageTotals(ctx context.Context, userID string, since, until *time.Time) (storage.UsageTotals, error) {
	return b.acc.Totals(ctx, userID, since, until)
}

func (b *Broker) UsageByModel(ctx context.Context, userID string, since, until *time.Time) ([]storage.ModelUsage, error) {
	return b.acc.ByModel(ctx, userID, since, until)
}

func (b *Broker) UsageByAgent(ctx context.Context, userID string, since, until *time.Time) ([]storage.AgentUsage, error) {
	return b.acc.ByAgent(ctx, userID, since, until)
}

func (b *Broker) UsageTimeline(ctx context.Context, userID string, since time.Time, g usage.Granularity) ([]usage.TimelineBucket, error) {
	return b.acc.Timeline(ctx, userID, since, g)
}

func (b *Broker) RecentUsage(ctx context.Context, userID string, limit uint64) ([]storage.UsageEntry, error) {
	return b.acc.Recent(ctx, userID, limit)
}

func (b *Broker) PurgeUsage(ctx context.Context, age time.Duration) (int64, error) {
	return b.acc.PurgeOlderThan(ctx, age)
}

// invalidateViews drops cached platform listings after a mutation. A nil or
// failing cache only costs a warning.
func (b *Broker) invalidateViews(ctx context.Context) {
	if b.cache == nil {
		return
	}
	if err := b.cache.Bump(ctx); err != nil {
		b.log.Warn().Err(err).Msg("view cache bump failed")
	}
}
