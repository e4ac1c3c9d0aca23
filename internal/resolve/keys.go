// Package resolve turns stored configuration into concrete call targets:
// which platform, which model, and which credential a user's request runs
// with.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"llmgate/internal/storage"
)

var (
	// ErrNotConfigured: the platform has no effective credential for this user.
	ErrNotConfigured = errors.New("platform not configured")
	// ErrMissingCredential: the resolved target is valid but no credential is
	// available to call it.
	ErrMissingCredential = errors.New("missing credential for resolved target")
	// ErrUnconfigured: no usable target exists even after repair.
	ErrUnconfigured = errors.New("no usable platform configured")
)

// Opener decrypts stored credentials.
type Opener interface {
	DecryptString(raw string) (string, error)
}

// KeyResolver computes the effective credential for (platform, user). A user
// override always wins; the platform's own catalog key applies only when
// autoKey is on.
type KeyResolver struct {
	store   *storage.Store
	opener  Opener
	autoKey bool
}

func NewKeyResolver(store *storage.Store, opener Opener, autoKey bool) *KeyResolver {
	return &KeyResolver{store: store, opener: opener, autoKey: autoKey}
}

func (r *KeyResolver) EffectiveKey(ctx context.Context, p storage.Platform, userID string) (string, error) {
	if p.IsSys {
		override, err := r.store.GetSysPlatformKey(ctx, userID, p.ID)
		switch {
		case err == nil:
			key, err := r.opener.DecryptString(override.EncAPIKey)
			if err != nil {
				return "", fmt.Errorf("decrypt user key: %w", err)
			}
			return key, nil
		case !errors.Is(err, storage.ErrNotFound):
			return "", fmt.Errorf("lookup user key: %w", err)
		}
		if !r.autoKey || p.EncAPIKey == nil {
			return "", ErrNotConfigured
		}
		key, err := r.opener.DecryptString(*p.EncAPIKey)
		if err != nil {
			return "", fmt.Errorf("decrypt platform key: %w", err)
		}
		return key, nil
	}

	if p.EncAPIKey == nil {
		return "", ErrNotConfigured
	}
	key, err := r.opener.DecryptString(*p.EncAPIKey)
	if err != nil {
		return "", fmt.Errorf("decrypt platform key: %w", err)
	}
	return key, nil
}

// HasKey reports whether EffectiveKey would succeed, without decrypting.
func (r *KeyResolver) HasKey(ctx context.Context, p storage.Platform, userID string) (bool, error) {
	if p.IsSys {
		_, err := r.store.GetSysPlatformKey(ctx, userID, p.ID)
		switch {
		case err == nil:
			return true, nil
		case !errors.Is(err, storage.ErrNotFound):
			return false, fmt.Errorf("lookup user key: %w", err)
		}
		return r.autoKey && p.EncAPIKey != nil, nil
	}
	return p.EncAPIKey != nil, nil
}
