package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"visaline/internal/config"
	"visaline/internal/domain"
	"visaline/internal/repo"
)

// ResolveMarketplaceAndConfig picks the active marketplace and ensures its
// config exists in the DB, seeding the default catalog when missing. It
// prefers the --marketplace override, then the single configured
// marketplace.
func ResolveMarketplaceAndConfig(ctx context.Context, marketplaceOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	marketplaceID := marketplaceOverride
	if marketplaceID == "" {
		if cfg, err := r.SingleMarketplaceConfig(ctx); err == nil {
			marketplaceID = cfg.Marketplace.ID
		} else if errors.Is(err, repo.ErrNotFound) {
			return "", nil, fmt.Errorf("marketplace not initialized; run vl marketplace init")
		} else {
			return "", nil, err
		}
	}
	cfg, err := r.GetMarketplaceConfig(ctx, marketplaceID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(marketplaceID)
		if err := seedMarketplace(ctx, r, marketplaceID, cfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg.Marketplace.ID = marketplaceID
	return marketplaceID, cfg, nil
}

// seedMarketplace writes the default config and registers the invoking
// actor in one transaction.
func seedMarketplace(ctx context.Context, r repo.Repo, marketplaceID string, cfg *config.Config, actorID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertMarketplaceConfig(ctx, tx, marketplaceID, cfg); err != nil {
		return fmt.Errorf("seed marketplace config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, domain.Actor{ID: actorID, CreatedAt: now}); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	return tx.Commit()
}
