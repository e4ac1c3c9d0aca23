// Package reconcile applies the declarative platform catalog to the store.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"llmgate/internal/catalog"
	"llmgate/internal/metrics"
	"llmgate/internal/storage"
)

type Strategy string

const (
	// FirstInit seeds an empty store with the full catalog.
	FirstInit Strategy = "first_init"
	// Incremental adds platforms and models the store does not have yet and
	// never touches existing rows.
	Incremental Strategy = "incremental"
	// ForceReset rewrites declared platforms to match the catalog exactly,
	// preserving user key overrides and leaving undeclared platforms alone.
	ForceReset Strategy = "force_reset"
)

// Sealer encrypts catalog credentials before they are stored.
type Sealer interface {
	EncryptString(value string) (string, error)
}

type SkippedEntry struct {
	Platform string
	Model    string
	Reason   string
}

type Report struct {
	Strategy       Strategy
	PlatformsAdded int
	ModelsAdded    int
	PlatformsReset int
	Skipped        []SkippedEntry
}

type Engine struct {
	store   *storage.Store
	sealer  Sealer
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewEngine(store *storage.Store, sealer Sealer, log zerolog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{store: store, sealer: sealer, log: log, metrics: m}
}

// AutoStrategy picks FirstInit for a store with no system platforms and
// Incremental otherwise. ForceReset is never chosen automatically.
func (e *Engine) AutoStrategy(ctx context.Context) (Strategy, error) {
	n, err := e.store.CountSystemPlatforms(ctx)
	if err != nil {
		return "", fmt.Errorf("count system platforms: %w", err)
	}
	if n == 0 {
		return FirstInit, nil
	}
	return Incremental, nil
}

// Reconcile applies the catalog in one transaction.
func (e *Engine) Reconcile(ctx context.Context, cat catalog.Catalog, strategy Strategy) (*Report, error) {
	report := &Report{Strategy: strategy}

	err := e.store.WithTx(ctx, func(tx *storage.Store) error {
		switch strategy {
		case FirstInit:
			n, err := tx.CountSystemPlatforms(ctx)
			if err != nil {
				return fmt.Errorf("count system platforms: %w", err)
			}
			if n > 0 {
				return fmt.Errorf("store already seeded: %d system platforms", n)
			}
			return e.applyAdditive(ctx, tx, cat, report)
		case Incremental:
			return e.applyAdditive(ctx, tx, cat, report)
		case ForceReset:
			return e.applyReset(ctx, tx, cat, report)
		default:
			return fmt.Errorf("unknown strategy %q", strategy)
		}
	})
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.SyncRuns.Inc()
		e.metrics.SyncRowsWritten.Add(float64(report.PlatformsAdded + report.ModelsAdded + report.PlatformsReset))
	}
	e.log.Info().
		Str("strategy", string(strategy)).
		Int("platforms_added", report.PlatformsAdded).
		Int("models_added", report.ModelsAdded).
		Int("platforms_reset", report.PlatformsReset).
		Int("skipped", len(report.Skipped)).
		Msg("catalog reconciled")
	return report, nil
}

// applyAdditive inserts missing platforms and missing models and leaves every
// existing row untouched.
func (e *Engine) applyAdditive(ctx context.Context, tx *storage.Store, cat catalog.Catalog, report *Report) error {
	for _, decl := range cat.Platforms {
		name := strings.TrimSpace(decl.Name)
		if name == "" || strings.TrimSpace(decl.BaseURL) == "" {
			report.Skipped = append(report.Skipped, SkippedEntry{Platform: decl.Name, Reason: "missing name or base_url"})
			continue
		}

		existing, err := tx.GetPlatformByName(ctx, name)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			id, err := e.insertPlatform(ctx, tx, name, decl)
			if err != nil {
				return err
			}
			report.PlatformsAdded++
			added, err := e.insertModels(ctx, tx, id, name, decl.Models, nil, report)
			if err != nil {
				return err
			}
			report.ModelsAdded += added
		case err != nil:
			return fmt.Errorf("lookup platform %q: %w", name, err)
		default:
			if !existing.IsSys {
				report.Skipped = append(report.Skipped, SkippedEntry{Platform: name, Reason: "name taken by private platform"})
				continue
			}
			have, err := tx.ListModelsByPlatform(ctx, existing.ID)
			if err != nil {
				return fmt.Errorf("list models of %q: %w", name, err)
			}
			known := make(map[string]bool, len(have))
			for _, m := range have {
				known[m.ModelName] = true
			}
			added, err := e.insertModels(ctx, tx, existing.ID, name, decl.Models, known, report)
			if err != nil {
				return err
			}
			report.ModelsAdded += added
		}
	}
	return nil
}

// applyReset rewrites each declared platform to match its declaration. User
// key overrides survive because sys_platform_keys rows are never touched.
func (e *Engine) applyReset(ctx context.Context, tx *storage.Store, cat catalog.Catalog, report *Report) error {
	for _, decl := range cat.Platforms {
		name := strings.TrimSpace(decl.Name)
		if name == "" || strings.TrimSpace(decl.BaseURL) == "" {
			report.Skipped = append(report.Skipped, SkippedEntry{Platform: decl.Name, Reason: "missing name or base_url"})
			continue
		}

		existing, err := tx.GetPlatformByName(ctx, name)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			id, err := e.insertPlatform(ctx, tx, name, decl)
			if err != nil {
				return err
			}
			report.PlatformsAdded++
			added, err := e.insertModels(ctx, tx, id, name, decl.Models, nil, report)
			if err != nil {
				return err
			}
			report.ModelsAdded += added
		case err != nil:
			return fmt.Errorf("lookup platform %q: %w", name, err)
		default:
			if !existing.IsSys {
				report.Skipped = append(report.Skipped, SkippedEntry{Platform: name, Reason: "name taken by private platform"})
				continue
			}
			if err := tx.UpdatePlatformDetails(ctx, existing.ID, name, catalog.NormalizeBaseURL(decl.BaseURL)); err != nil {
				return fmt.Errorf("reset platform %q: %w", name, err)
			}
			encKey, err := e.sealKey(decl.APIKey)
			if err != nil {
				return fmt.Errorf("seal key for %q: %w", name, err)
			}
			if err := tx.SetPlatformKey(ctx, existing.ID, encKey); err != nil {
				return fmt.Errorf("reset key of %q: %w", name, err)
			}
			if err := tx.DeleteModelsByPlatform(ctx, existing.ID); err != nil {
				return fmt.Errorf("clear models of %q: %w", name, err)
			}
			added, err := e.insertModels(ctx, tx, existing.ID, name, decl.Models, nil, report)
			if err != nil {
				return err
			}
			report.ModelsAdded += added
			report.PlatformsReset++
		}
	}
	return nil
}

func (e *Engine) insertPlatform(ctx context.Context, tx *storage.Store, name string, decl catalog.Platform) (int64, error) {
	encKey, err := e.sealKey(decl.APIKey)
	if err != nil {
		return 0, fmt.Errorf("seal key for %q: %w", name, err)
	}
	id, err := tx.InsertPlatform(ctx, storage.Platform{
		Name:      name,
		BaseURL:   catalog.NormalizeBaseURL(decl.BaseURL),
		IsSys:     true,
		EncAPIKey: encKey,
	})
	if err != nil {
		return 0, fmt.Errorf("insert platform %q: %w", name, err)
	}
	return id, nil
}

func (e *Engine) insertModels(ctx context.Context, tx *storage.Store, platformID int64, platformName string, decls []catalog.Model, known map[string]bool, report *Report) (int, error) {
	added := 0
	for _, m := range decls {
		modelName := strings.TrimSpace(m.ModelName)
		if modelName == "" {
			report.Skipped = append(report.Skipped, SkippedEntry{Platform: platformName, Reason: "model missing name"})
			continue
		}
		if known[modelName] {
			continue
		}
		var extra *string
		if len(m.ExtraParams) > 0 {
			b, err := json.Marshal(m.ExtraParams)
			if err != nil {
				report.Skipped = append(report.Skipped, SkippedEntry{Platform: platformName, Model: modelName, Reason: "bad extra_params"})
				continue
			}
			s := string(b)
			extra = &s
		}
		_, err := tx.InsertModel(ctx, storage.Model{
			PlatformID:      platformID,
			ModelName:       modelName,
			DisplayName:     m.DisplayName,
			ExtraParamsJSON: extra,
		})
		if err != nil {
			return 0, fmt.Errorf("insert model %q/%q: %w", platformName, modelName, err)
		}
		added++
	}
	return added, nil
}

// sealKey encrypts the resolved credential; an empty or unresolvable key
// stores NULL so the platform stays visible but unconfigured.
func (e *Engine) sealKey(raw string) (*string, error) {
	key := catalog.ResolveKey(raw)
	if strings.TrimSpace(key) == "" {
		return nil, nil
	}
	enc, err := e.sealer.EncryptString(key)
	if err != nil {
		return nil, err
	}
	return &enc, nil
}
