package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"llmgate/internal/metrics"
	"llmgate/internal/storage"
)

// Builtin usage slots always exist once touched; they cannot be renamed away
// or deleted.
const (
	SlotMain   = "main"
	SlotFast   = "fast"
	SlotReason = "reason"
)

var builtinLabels = map[string]string{
	SlotMain:   "Main model",
	SlotFast:   "Fast model",
	SlotReason: "Reasoning model",
}

// IsBuiltinSlot reports whether key names one of the fixed slots.
func IsBuiltinSlot(key string) bool {
	_, ok := builtinLabels[key]
	return ok
}

// NormalizeSlot canonicalizes a usage key; empty means the main slot.
func NormalizeSlot(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return SlotMain
	}
	return k
}

// ResolvedTarget is everything a caller needs to invoke the model.
type ResolvedTarget struct {
	Platform   storage.Platform
	Model      storage.Model
	Credential string
	Repaired   bool
	Created    bool
}

// SelectionResolver loads, validates, and repairs a user's usage-slot
// selection, then attaches the effective credential.
type SelectionResolver struct {
	store   *storage.Store
	keys    *KeyResolver
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewSelectionResolver(store *storage.Store, keys *KeyResolver, log zerolog.Logger, m *metrics.Metrics) *SelectionResolver {
	return &SelectionResolver{store: store, keys: keys, log: log, metrics: m}
}

// Resolve produces the call target for (user, usage slot). A missing
// selection is created lazily pointing at the default target; a stale one is
// repaired in place.
func (r *SelectionResolver) Resolve(ctx context.Context, userID, usageKey string) (ResolvedTarget, error) {
	key := NormalizeSlot(usageKey)

	sel, err := r.store.GetSelection(ctx, userID, key)
	created := false
	if errors.Is(err, storage.ErrNotFound) {
		sel, err = r.createDefault(ctx, userID, key)
		created = err == nil
	}
	if err != nil {
		return ResolvedTarget{}, err
	}

	platform, model, valid, err := r.validate(ctx, userID, sel)
	if err != nil {
		return ResolvedTarget{}, err
	}
	repaired := false
	if !valid {
		platform, model, err = r.repair(ctx, userID, key)
		if err != nil {
			return ResolvedTarget{}, err
		}
		repaired = true
	}

	cred, err := r.keys.EffectiveKey(ctx, platform, userID)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return ResolvedTarget{}, fmt.Errorf("%w: platform %q", ErrMissingCredential, platform.Name)
		}
		return ResolvedTarget{}, err
	}

	if r.metrics != nil {
		r.metrics.ResolvedTargets.Inc()
		if created {
			r.metrics.SelectionsCreated.Inc()
		}
		if repaired {
			r.metrics.RepairedTargets.Inc()
		}
	}
	if repaired {
		r.log.Info().
			Str("user_id", userID).
			Str("usage_key", key).
			Int64("platform_id", platform.ID).
			Int64("model_id", model.ID).
			Msg("selection repaired")
	}
	return ResolvedTarget{
		Platform:   platform,
		Model:      model,
		Credential: cred,
		Repaired:   repaired,
		Created:    created,
	}, nil
}

// ResolveAgent routes a named agent. A usage binding follows its slot, a
// direct binding names a platform/model pair, and an absent or broken binding
// falls back to the main slot.
func (r *SelectionResolver) ResolveAgent(ctx context.Context, userID, agentName string) (ResolvedTarget, error) {
	b, err := r.store.GetAgentBinding(ctx, userID, agentName)
	if errors.Is(err, storage.ErrNotFound) {
		return r.Resolve(ctx, userID, SlotMain)
	}
	if err != nil {
		return ResolvedTarget{}, err
	}

	switch b.TargetType {
	case "usage":
		key := SlotMain
		if b.UsageKey != nil {
			key = *b.UsageKey
		}
		return r.Resolve(ctx, userID, key)
	case "direct":
		if b.PlatformID == nil || b.ModelID == nil {
			return r.Resolve(ctx, userID, SlotMain)
		}
		platform, model, valid, err := r.validateTarget(ctx, userID, *b.PlatformID, *b.ModelID)
		if err != nil {
			return ResolvedTarget{}, err
		}
		if !valid {
			return r.Resolve(ctx, userID, SlotMain)
		}
		cred, err := r.keys.EffectiveKey(ctx, platform, userID)
		if err != nil {
			if errors.Is(err, ErrNotConfigured) {
				return ResolvedTarget{}, fmt.Errorf("%w: platform %q", ErrMissingCredential, platform.Name)
			}
			return ResolvedTarget{}, err
		}
		if r.metrics != nil {
			r.metrics.ResolvedTargets.Inc()
		}
		return ResolvedTarget{Platform: platform, Model: model, Credential: cred}, nil
	default:
		return r.Resolve(ctx, userID, SlotMain)
	}
}

// createDefault inserts the slot pointing at the default target. Losing the
// insert race means another request created it first; the winner's row is
// re-read and used as-is.
func (r *SelectionResolver) createDefault(ctx context.Context, userID, key string) (storage.UsageSelection, error) {
	platform, model, err := r.defaultTarget(ctx)
	if err != nil {
		return storage.UsageSelection{}, err
	}
	label := builtinLabels[key]
	if label == "" {
		label = key
	}
	if _, err := r.store.InsertSelectionIfAbsent(ctx, storage.UsageSelection{
		UserID:     userID,
		UsageKey:   key,
		UsageLabel: label,
		PlatformID: platform.ID,
		ModelID:    model.ID,
	}); err != nil {
		return storage.UsageSelection{}, err
	}
	// winner or loser, the row is there now
	return r.store.GetSelection(ctx, userID, key)
}

// validate checks the stored pointer still names a usable pair: both rows
// exist, the model belongs to the platform, and the platform is visible to
// this user. Hidden rows stay usable once selected.
func (r *SelectionResolver) validate(ctx context.Context, userID string, sel storage.UsageSelection) (storage.Platform, storage.Model, bool, error) {
	return r.validateTarget(ctx, userID, sel.PlatformID, sel.ModelID)
}

func (r *SelectionResolver) validateTarget(ctx context.Context, userID string, platformID, modelID int64) (storage.Platform, storage.Model, bool, error) {
	platform, err := r.store.GetPlatformByID(ctx, platformID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Platform{}, storage.Model{}, false, nil
	}
	if err != nil {
		return storage.Platform{}, storage.Model{}, false, err
	}
	if !platform.IsSys && (platform.OwnerID == nil || *platform.OwnerID != userID) {
		return storage.Platform{}, storage.Model{}, false, nil
	}
	model, err := r.store.GetModelByID(ctx, modelID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Platform{}, storage.Model{}, false, nil
	}
	if err != nil {
		return storage.Platform{}, storage.Model{}, false, err
	}
	if model.PlatformID != platform.ID {
		return storage.Platform{}, storage.Model{}, false, nil
	}
	return platform, model, true, nil
}

// repair retargets the slot at the default target.
func (r *SelectionResolver) repair(ctx context.Context, userID, key string) (storage.Platform, storage.Model, error) {
	platform, model, err := r.defaultTarget(ctx)
	if err != nil {
		return storage.Platform{}, storage.Model{}, err
	}
	if err := r.store.UpdateSelectionTarget(ctx, userID, key, platform.ID, model.ID); err != nil {
		return storage.Platform{}, storage.Model{}, fmt.Errorf("repair selection: %w", err)
	}
	return platform, model, nil
}

// defaultTarget is the first visible system platform that has a visible
// model, in catalog order.
func (r *SelectionResolver) defaultTarget(ctx context.Context) (storage.Platform, storage.Model, error) {
	platforms, err := r.store.ListSystemPlatforms(ctx)
	if err != nil {
		return storage.Platform{}, storage.Model{}, err
	}
	for _, p := range platforms {
		if p.Hidden {
			continue
		}
		models, err := r.store.ListModelsByPlatform(ctx, p.ID)
		if err != nil {
			return storage.Platform{}, storage.Model{}, err
		}
		for _, m := range models {
			if m.Hidden {
				continue
			}
			return p, m, nil
		}
	}
	return storage.Platform{}, storage.Model{}, ErrUnconfigured
}
