package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"studygate/internal/config"
	"studygate/internal/domain"
	"studygate/internal/repo"
)

// ResolveLabAndConfig picks the active lab and ensures a lab + config exist in
// DB, seeding defaults if missing. It prefers the override, then the single
// lab in the workspace. If the lab does not exist, it is created on the fly.
func ResolveLabAndConfig(ctx context.Context, labOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	labID := labOverride
	if labID == "" {
		if l, err := r.SingleLab(ctx); err == nil {
			labID = l.ID
		} else {
			return "", nil, fmt.Errorf("lab not specified; use --lab")
		}
	}
	seedCfg := config.Default(labID)

	if _, err := r.GetLab(ctx, labID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createLab(ctx, r, labID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetLabConfig(ctx, labID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertLabConfig(ctx, labID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed lab config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Lab.ID = labID
	return labID, cfg, nil
}

// createLab inserts a minimal lab footprint using the seed config. The acting
// user becomes the lab admin so a fresh workspace is usable immediately.
func createLab(ctx context.Context, r repo.Repo, labID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(labID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	l := domain.Lab{
		ID:        labID,
		Name:      labID,
		CreatedAt: now,
	}
	if seedCfg.Lab.Name != "" {
		l.Name = seedCfg.Lab.Name
	}
	if err := r.InsertLab(ctx, tx, l); err != nil {
		return fmt.Errorf("insert lab: %w", err)
	}
	if err := r.UpsertLabConfigTx(ctx, tx, labID, seedCfg); err != nil {
		return fmt.Errorf("insert lab config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.UpsertMembership(ctx, tx, domain.Membership{
		LabID: labID, ActorID: actorID, Role: "admin", CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("grant admin membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}
