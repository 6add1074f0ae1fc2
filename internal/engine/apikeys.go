package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pactline/internal/domain"
	"pactline/internal/events"
	"pactline/internal/repo"
)

// CreateAPIKey mints a key for an actor, optionally granting a role in the
// same transaction. The plaintext key is returned once and only its hash is
// stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, role, grantedBy string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", fmt.Errorf("actor_id is required")
	}
	plaintext := "plk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.rfc3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return domain.APIKey{}, "", err
	}
	if role != "" {
		if err := e.Auth.AssignRole(ctx, tx, actorID, role); err != nil {
			return domain.APIKey{}, "", err
		}
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, key.CreatedAt, "apikey.create", "", "api_key", key.ID, grantedBy, events.EventPayload{
		"actor_id": actorID,
		"role":     role,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, id, actorID string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, e.rfc3339(), "apikey.revoke", "", "api_key", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role from an actor.
func (e Engine) RevokeRole(ctx context.Context, actorID, role, revokedBy string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.RevokeRole(ctx, tx, actorID, role); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, e.rfc3339(), "actor.revoke_role", "", "actor", actorID, revokedBy, events.EventPayload{
		"role": role,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// GrantRole assigns a role to an actor, creating the actor row if needed.
func (e Engine) GrantRole(ctx context.Context, actorID, role, grantedBy string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.AssignRole(ctx, tx, actorID, role); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, e.rfc3339(), "actor.grant_role", "", "actor", actorID, grantedBy, events.EventPayload{
		"role": role,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
