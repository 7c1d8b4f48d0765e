package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"stateline/internal/domain"
	"stateline/internal/engine/auth"
	"stateline/internal/events"
	"stateline/internal/repo"
	"stateline/internal/store"
)

const (
	entityMember = "member"
	entityAPIKey = "api_key"
	apiKeyPrefix = "sl_"
)

// RoleFor returns the actor's workspace role, or 0 when the actor is not a member.
func (e Engine) RoleFor(ctx context.Context, workspace, actorID string) (auth.Role, error) {
	role, err := e.Repo.MemberRole(ctx, workspace, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, store.Classify("member.read", err)
	}
	return auth.Role(role), nil
}

func (e Engine) GrantMember(ctx context.Context, workspace, actorID string, role auth.Role, by string) error {
	if strings.TrimSpace(actorID) == "" {
		return &store.ValidationError{Field: "actor_id", Reason: "required"}
	}
	if !role.Valid() {
		return &store.ValidationError{Field: "role", Reason: "must be one of 5, 10, 15, 20"}
	}
	return e.inTx(ctx, entityMember, "grant", func(tx *sql.Tx) error {
		if err := e.Repo.AssignMemberRole(ctx, tx, workspace, actorID, int(role)); err != nil {
			return store.Classify("member.grant", err)
		}
		return e.events().Append(ctx, tx, "member.granted", workspace, "", entityMember, actorID, by,
			events.EventPayload{"role": int(role)})
	})
}

func (e Engine) RevokeMember(ctx context.Context, workspace, actorID, by string) error {
	return e.inTx(ctx, entityMember, "revoke", func(tx *sql.Tx) error {
		err := e.Repo.RevokeMember(ctx, tx, workspace, actorID)
		if errors.Is(err, repo.ErrNotFound) {
			return &store.NotFoundError{Resource: entityMember, ID: actorID}
		}
		if err != nil {
			return store.Classify("member.revoke", err)
		}
		return e.events().Append(ctx, tx, "member.revoked", workspace, "", entityMember, actorID, by, nil)
	})
}

func (e Engine) ListMembers(ctx context.Context, workspace string) ([]domain.Member, error) {
	members, err := e.Repo.ListMembers(ctx, workspace)
	e.observeRead(entityMember, "list", err)
	if err != nil {
		return nil, store.Classify("member.list", err)
	}
	return members, nil
}

// CreateAPIKey mints a key for actorID. The plaintext secret is only returned here.
func (e Engine) CreateAPIKey(ctx context.Context, workspace, actorID string, role auth.Role, name, by string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", &store.ValidationError{Field: "actor_id", Reason: "required"}
	}
	if !role.Valid() {
		return domain.APIKey{}, "", &store.ValidationError{Field: "role", Reason: "must be one of 5, 10, 15, 20"}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Workspace: workspace,
		Role:      int(role),
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now().UTC().Format(store.TimeLayout),
	}
	err := e.inTx(ctx, entityAPIKey, "create", func(tx *sql.Tx) error {
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return store.Classify("api_key.create", err)
		}
		return e.events().Append(ctx, tx, "api_key.created", workspace, "", entityAPIKey, key.ID, by,
			events.EventPayload{"actor_id": actorID, "role": int(role), "name": name})
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, workspace, actorID string) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, workspace, actorID)
	e.observeRead(entityAPIKey, "list", err)
	if err != nil {
		return nil, store.Classify("api_key.list", err)
	}
	return keys, nil
}

func (e Engine) RevokeAPIKey(ctx context.Context, workspace, id, by string) error {
	return e.inTx(ctx, entityAPIKey, "delete", func(tx *sql.Tx) error {
		err := e.Repo.DeleteAPIKey(ctx, tx, workspace, id)
		if errors.Is(err, repo.ErrNotFound) {
			return &store.NotFoundError{Resource: entityAPIKey, ID: id}
		}
		if err != nil {
			return store.Classify("api_key.delete", err)
		}
		return e.events().Append(ctx, tx, "api_key.deleted", workspace, "", entityAPIKey, id, by, nil)
	})
}

// ListEvents pages the activity log newest first; cursor is the last event id seen.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter, limit int, cursor string) ([]domain.Event, error) {
	if f.Workspace == "" {
		return nil, &store.ValidationError{Field: "workspace", Reason: "required"}
	}
	evts, err := e.Repo.LatestEvents(ctx, f, limit, cursor)
	e.observeRead("event", "list", err)
	if err != nil {
		return nil, store.Classify("event.list", err)
	}
	return evts, nil
}

// EventsAfter returns events newer than cursor, oldest first.
func (e Engine) EventsAfter(ctx context.Context, f repo.EventFilter, limit int, cursor string) ([]domain.Event, error) {
	if f.Workspace == "" {
		return nil, &store.ValidationError{Field: "workspace", Reason: "required"}
	}
	evts, err := e.Repo.EventsAfter(ctx, f, limit, cursor)
	if err != nil {
		return nil, store.Classify("event.list", err)
	}
	return evts, nil
}
