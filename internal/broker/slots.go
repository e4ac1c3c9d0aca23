package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"llmgate/internal/resolve"
	"llmgate/internal/storage"
)

// SaveSelection points a usage slot at a platform/model pair after checking
// the pair is usable by this user. The slot is created if it does not exist.
func (b *Broker) SaveSelection(ctx context.Context, userID, usageKey string, platformID, modelID int64) error {
	key := resolve.NormalizeSlot(usageKey)
	if err := b.checkTarget(ctx, userID, platformID, modelID); err != nil {
		return err
	}

	err := b.store.UpdateSelectionTarget(ctx, userID, key, platformID, modelID)
	if errors.Is(err, storage.ErrNotFound) {
		_, err = b.store.InsertSelectionIfAbsent(ctx, storage.UsageSelection{
			UserID:     userID,
			UsageKey:   key,
			UsageLabel: key,
			PlatformID: platformID,
			ModelID:    modelID,
		})
		if err != nil {
			return err
		}
		// lost race: another writer created the row, retarget it
		return b.store.UpdateSelectionTarget(ctx, userID, key, platformID, modelID)
	}
	return err
}

// CreateUsageSlot adds a custom slot pointing at the given pair.
func (b *Broker) CreateUsageSlot(ctx context.Context, userID, usageKey, label string, platformID, modelID int64) error {
	key := resolve.NormalizeSlot(usageKey)
	if resolve.IsBuiltinSlot(key) {
		return ErrBuiltinSlot
	}
	if strings.TrimSpace(label) == "" {
		label = key
	}
	if err := b.checkTarget(ctx, userID, platformID, modelID); err != nil {
		return err
	}
	inserted, err := b.store.InsertSelectionIfAbsent(ctx, storage.UsageSelection{
		UserID:     userID,
		UsageKey:   key,
		UsageLabel: label,
		PlatformID: platformID,
		ModelID:    modelID,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("%w: slot %q already exists", ErrInvalidInput, key)
	}
	return nil
}

func (b *Broker) RenameUsageSlot(ctx context.Context, userID, usageKey, label string) error {
	key := resolve.NormalizeSlot(usageKey)
	if resolve.IsBuiltinSlot(key) {
		return ErrBuiltinSlot
	}
	if strings.TrimSpace(label) == "" {
		return fmt.Errorf("%w: label is required", ErrInvalidInput)
	}
	return b.store.RenameSelection(ctx, userID, key, label)
}

func (b *Broker) DeleteUsageSlot(ctx context.Context, userID, usageKey string) error {
	key := resolve.NormalizeSlot(usageKey)
	if resolve.IsBuiltinSlot(key) {
		return ErrBuiltinSlot
	}
	return b.store.DeleteSelection(ctx, userID, key)
}

// SlotView is one usage slot with its current target named for display.
type SlotView struct {
	UsageKey     string `json:"usage_key"`
	UsageLabel   string `json:"usage_label"`
	Builtin      bool   `json:"builtin"`
	PlatformID   int64  `json:"platform_id"`
	PlatformName string `json:"platform_name"`
	ModelID      int64  `json:"model_id"`
	ModelName    string `json:"model_name"`
	Valid        bool   `json:"valid"`
}

// ListSlots returns the user's slots with each target's display names. A
// dangling target shows as invalid; it will be repaired on next resolve.
func (b *Broker) ListSlots(ctx context.Context, userID string) ([]SlotView, error) {
	sels, err := b.store.ListSelections(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]SlotView, 0, len(sels))
	for _, sel := range sels {
		v := SlotView{
			UsageKey:   sel.UsageKey,
			UsageLabel: sel.UsageLabel,
			Builtin:    resolve.IsBuiltinSlot(sel.UsageKey),
			PlatformID: sel.PlatformID,
			ModelID:    sel.ModelID,
		}
		p, perr := b.store.GetPlatformByID(ctx, sel.PlatformID)
		m, merr := b.store.GetModelByID(ctx, sel.ModelID)
		if perr == nil && merr == nil && m.PlatformID == p.ID {
			v.PlatformName = p.Name
			v.ModelName = m.ModelName
			v.Valid = p.IsSys || (p.OwnerID != nil && *p.OwnerID == userID)
		}
		if (perr != nil && !errors.Is(perr, storage.ErrNotFound)) ||
			(merr != nil && !errors.Is(merr, storage.ErrNotFound)) {
			return nil, fmt.Errorf("load slot target: %w", errors.Join(perr, merr))
		}
		out = append(out, v)
	}
	return out, nil
}

// BindAgentToSlot routes the agent through a usage slot.
func (b *Broker) BindAgentToSlot(ctx context.Context, userID, agentName, usageKey string) error {
	agentName = strings.TrimSpace(agentName)
	if agentName == "" {
		return fmt.Errorf("%w: agent name is required", ErrInvalidInput)
	}
	key := resolve.NormalizeSlot(usageKey)
	return b.store.UpsertAgentBinding(ctx, storage.AgentBinding{
		UserID:     userID,
		AgentName:  agentName,
		TargetType: "usage",
		UsageKey:   &key,
	})
}

// BindAgentToModel routes the agent straight at a platform/model pair.
func (b *Broker) BindAgentToModel(ctx context.Context, userID, agentName string, platformID, modelID int64) error {
	agentName = strings.TrimSpace(agentName)
	if agentName == "" {
		return fmt.Errorf("%w: agent name is required", ErrInvalidInput)
	}
	if err := b.checkTarget(ctx, userID, platformID, modelID); err != nil {
		return err
	}
	return b.store.UpsertAgentBinding(ctx, storage.AgentBinding{
		UserID:     userID,
		AgentName:  agentName,
		TargetType: "direct",
		PlatformID: &platformID,
		ModelID:    &modelID,
	})
}

func (b *Broker) UnbindAgent(ctx context.Context, userID, agentName string) error {
	return b.store.DeleteAgentBinding(ctx, userID, agentName)
}

func (b *Broker) ListAgentBindings(ctx context.Context, userID string) ([]storage.AgentBinding, error) {
	return b.store.ListAgentBindings(ctx, userID)
}

// checkTarget verifies the pair exists, matches, and is visible to the user.
// Hidden rows pass: choosing a hidden model explicitly is allowed.
func (b *Broker) checkTarget(ctx context.Context, userID string, platformID, modelID int64) error {
	p, err := b.store.GetPlatformByID(ctx, platformID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrInvalidTarget
	}
	if err != nil {
		return err
	}
	if !p.IsSys && (p.OwnerID == nil || *p.OwnerID != userID) {
		return ErrInvalidTarget
	}
	m, err := b.store.GetModelByID(ctx, modelID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrInvalidTarget
	}
	if err != nil {
		return err
	}
	if m.PlatformID != p.ID {
		return ErrInvalidTarget
	}
	return nil
}
