package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"llmgate/internal/catalog"
	"llmgate/internal/storage"
)

// AddPlatform registers a private platform for the user. The base URL is
// normalized and the key, when given, is sealed before it touches the store.
func (b *Broker) AddPlatform(ctx context.Context, userID, name, baseURL, apiKey string) (int64, error) {
	if !b.allowUser {
		return 0, ErrUserPlatformsDisabled
	}
	name = strings.TrimSpace(name)
	baseURL = catalog.NormalizeBaseURL(baseURL)
	if name == "" || baseURL == "" {
		return 0, fmt.Errorf("%w: name and base url are required", ErrInvalidInput)
	}

	_, err := b.store.GetPlatformByName(ctx, name)
	if err == nil {
		return 0, ErrNameTaken
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("check platform name: %w", err)
	}

	encKey, err := b.sealKey(apiKey)
	if err != nil {
		return 0, err
	}
	id, err := b.store.InsertPlatform(ctx, storage.Platform{
		Name:      name,
		BaseURL:   baseURL,
		OwnerID:   &userID,
		EncAPIKey: encKey,
	})
	if err != nil {
		return 0, err
	}
	b.invalidateViews(ctx)
	b.log.Info().Str("user_id", userID).Str("platform", name).Msg("private platform added")
	return id, nil
}

// UpdatePlatformDetails renames an owned private platform or moves its
// endpoint.
func (b *Broker) UpdatePlatformDetails(ctx context.Context, userID string, platformID int64, name, baseURL string) error {
	p, err := b.ownedPlatform(ctx, userID, platformID)
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	baseURL = catalog.NormalizeBaseURL(baseURL)
	if name == "" || baseURL == "" {
		return fmt.Errorf("%w: name and base url are required", ErrInvalidInput)
	}
	if name != p.Name {
		if _, err := b.store.GetPlatformByName(ctx, name); err == nil {
			return ErrNameTaken
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("check platform name: %w", err)
		}
	}
	if err := b.store.UpdatePlatformDetails(ctx, platformID, name, baseURL); err != nil {
		return err
	}
	b.invalidateViews(ctx)
	return nil
}

// SetPlatformKey updates the caller's credential for a platform. On a system
// platform it writes the per-user override, and an empty key removes the
// override so the catalog default applies again. On an owned private platform
// it replaces the platform key itself.
func (b *Broker) SetPlatformKey(ctx context.Context, userID string, platformID int64, apiKey string) error {
	p, err := b.store.GetPlatformByID(ctx, platformID)
	if err != nil {
		return err
	}
	apiKey = strings.TrimSpace(apiKey)

	if p.IsSys {
		if apiKey == "" {
			if err := b.store.DeleteSysPlatformKey(ctx, userID, platformID); err != nil {
				return err
			}
		} else {
			enc, err := b.keyring.EncryptString(apiKey)
			if err != nil {
				return fmt.Errorf("seal key: %w", err)
			}
			if err := b.store.UpsertSysPlatformKey(ctx, userID, platformID, enc); err != nil {
				return err
			}
		}
		b.invalidateViews(ctx)
		return nil
	}

	if p.OwnerID == nil || *p.OwnerID != userID {
		return ErrNotOwner
	}
	encKey, err := b.sealKey(apiKey)
	if err != nil {
		return err
	}
	if err := b.store.SetPlatformKey(ctx, platformID, encKey); err != nil {
		return err
	}
	b.invalidateViews(ctx)
	return nil
}

// DeletePlatform removes an owned private platform with its models and keys.
func (b *Broker) DeletePlatform(ctx context.Context, userID string, platformID int64) error {
	if _, err := b.ownedPlatform(ctx, userID, platformID); err != nil {
		return err
	}
	if err := b.store.DeletePlatform(ctx, platformID); err != nil {
		return err
	}
	b.invalidateViews(ctx)
	b.log.Info().Str("user_id", userID).Int64("platform_id", platformID).Msg("private platform deleted")
	return nil
}

func (b *Broker) TogglePlatformHidden(ctx context.Context, userID string, platformID int64) error {
	p, err := b.ownedPlatform(ctx, userID, platformID)
	if err != nil {
		return err
	}
	if err := b.store.SetPlatformHidden(ctx, platformID, !p.Hidden); err != nil {
		return err
	}
	b.invalidateViews(ctx)
	return nil
}

// AddModel adds a model under an owned private platform. extraParams, when
// non-nil, is stored as the JSON parameter bag forwarded to the backend.
func (b *Broker) AddModel(ctx context.Context, userID string, platformID int64, modelName, displayName string, extraParams map[string]any) (int64, error) {
	if _, err := b.ownedPlatform(ctx, userID, platformID); err != nil {
		return 0, err
	}
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		return 0, fmt.Errorf("%w: model name is required", ErrInvalidInput)
	}
	extra, err := marshalExtraParams(extraParams)
	if err != nil {
		return 0, err
	}
	id, err := b.store.InsertModel(ctx, storage.Model{
		PlatformID:      platformID,
		ModelName:       modelName,
		DisplayName:     displayName,
		ExtraParamsJSON: extra,
	})
	if err != nil {
		return 0, err
	}
	b.invalidateViews(ctx)
	return id, nil
}

func (b *Broker) UpdateModel(ctx context.Context, userID string, modelID int64, displayName string, extraParams map[string]any) error {
	if _, err := b.ownedModel(ctx, userID, modelID); err != nil {
		return err
	}
	extra, err := marshalExtraParams(extraParams)
	if err != nil {
		return err
	}
	if err := b.store.UpdateModel(ctx, modelID, displayName, extra); err != nil {
		return err
	}
	b.invalidateViews(ctx)
	return nil
}

func (b *Broker) DeleteModel(ctx context.Context, userID string, modelID int64) error {
	if _, err := b.ownedModel(ctx, userID, modelID); err != nil {
		return err
	}
	if err := b.store.DeleteModel(ctx, modelID); err != nil {
		return err
	}
	b.invalidateViews(ctx)
	return nil
}

func (b *Broker) ToggleModelHidden(ctx context.Context, userID string, modelID int64) error {
	m, err := b.ownedModel(ctx, userID, modelID)
	if err != nil {
		return err
	}
	if err := b.store.SetModelHidden(ctx, modelID, !m.Hidden); err != nil {
		return err
	}
	b.invalidateViews(ctx)
	return nil
}

func (b *Broker) ownedPlatform(ctx context.Context, userID string, platformID int64) (storage.Platform, error) {
	if !b.allowUser {
		return storage.Platform{}, ErrUserPlatformsDisabled
	}
	p, err := b.store.GetPlatformByID(ctx, platformID)
	if err != nil {
		return storage.Platform{}, err
	}
	if p.IsSys {
		return storage.Platform{}, ErrSystemPlatform
	}
	if p.OwnerID == nil || *p.OwnerID != userID {
		return storage.Platform{}, ErrNotOwner
	}
	return p, nil
}

func (b *Broker) ownedModel(ctx context.Context, userID string, modelID int64) (storage.Model, error) {
	m, err := b.store.GetModelByID(ctx, modelID)
	if err != nil {
		return storage.Model{}, err
	}
	if _, err := b.ownedPlatform(ctx, userID, m.PlatformID); err != nil {
		return storage.Model{}, err
	}
	return m, nil
}

func (b *Broker) sealKey(apiKey string) (*string, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, nil
	}
	enc, err := b.keyring.EncryptString(apiKey)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	return &enc, nil
}

func marshalExtraParams(params map[string]any) (*string, error) {
	if len(params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: bad extra params: %v", ErrInvalidInput, err)
	}
	s := string(raw)
	return &s, nil
}
