package broker

import (
	"context"
	"encoding/json"
)

// ModelView is one selectable model as shown to the user.
type ModelView struct {
	ID          int64          `json:"id"`
	ModelName   string         `json:"model_name"`
	DisplayName string         `json:"display_name"`
	ExtraParams map[string]any `json:"extra_params,omitempty"`
	Hidden      bool           `json:"hidden"`
}

// PlatformView is one platform as shown to the user, with whether a
// credential is in place for them.
type PlatformView struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	BaseURL   string      `json:"base_url"`
	IsSys     bool        `json:"is_sys"`
	Hidden    bool        `json:"hidden"`
	APIKeySet bool        `json:"api_key_set"`
	Models    []ModelView `json:"models"`
}

// ListPlatforms returns the user's flattened view: visible system platforms
// plus their own private ones, served from the cache when possible.
func (b *Broker) ListPlatforms(ctx context.Context, userID string) ([]PlatformView, error) {
	if b.cache != nil {
		var cached []PlatformView
		hit, err := b.cache.Get(ctx, userID, &cached)
		if err != nil {
			b.log.Warn().Err(err).Msg("view cache read failed")
		} else if hit {
			return cached, nil
		}
	}

	views, err := b.buildPlatformViews(ctx, userID)
	if err != nil {
		return nil, err
	}

	if b.cache != nil {
		if err := b.cache.Set(ctx, userID, views); err != nil {
			b.log.Warn().Err(err).Msg("view cache write failed")
		}
	}
	return views, nil
}

func (b *Broker) buildPlatformViews(ctx context.Context, userID string) ([]PlatformView, error) {
	sys, err := b.store.ListSystemPlatforms(ctx)
	if err != nil {
		return nil, err
	}
	own, err := b.store.ListUserPlatforms(ctx, userID)
	if err != nil {
		return nil, err
	}

	all := append(sys, own...)
	views := make([]PlatformView, 0, len(all))
	for _, p := range all {
		if p.IsSys && p.Hidden {
			continue
		}
		hasKey, err := b.keys.HasKey(ctx, p, userID)
		if err != nil {
			return nil, err
		}
		models, err := b.store.ListModelsByPlatform(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		mv := make([]ModelView, 0, len(models))
		for _, m := range models {
			if p.IsSys && m.Hidden {
				continue
			}
			view := ModelView{
				ID:          m.ID,
				ModelName:   m.ModelName,
				DisplayName: m.DisplayName,
				Hidden:      m.Hidden,
			}
			if m.ExtraParamsJSON != nil {
				// stored JSON is trusted; a bad blob just shows no params
				_ = json.Unmarshal([]byte(*m.ExtraParamsJSON), &view.ExtraParams)
			}
			mv = append(mv, view)
		}
		views = append(views, PlatformView{
			ID:        p.ID,
			Name:      p.Name,
			BaseURL:   p.BaseURL,
			IsSys:     p.IsSys,
			Hidden:    p.Hidden,
			APIKeySet: hasKey,
			Models:    mv,
		})
	}
	return views, nil
}
