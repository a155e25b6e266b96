package turn

import (
	"context"

	"github.com/basket/helpline/internal/ledger"
)

// Resolution classifies a session against the ledger.
type Resolution int

const (
	SessionNew Resolution = iota
	SessionExisting
)

func (r Resolution) String() string {
	if r == SessionNew {
		return "new"
	}
	return "existing"
}

// Resolver decides whether a commit targets a fresh ledger row or an
// existing one. The decision is keyed on the exact (user_id, session_id)
// pair; a user's other sessions never influence it.
type Resolver struct {
	store *ledger.Store
}

func NewResolver(store *ledger.Store) *Resolver {
	return &Resolver{store: store}
}

func (r *Resolver) Resolve(ctx context.Context, key Key) (Resolution, error) {
	exists, err := r.store.HasSession(ctx, key.UserID, key.SessionID)
	if err != nil {
		return SessionNew, err
	}
	if exists {
		return SessionExisting, nil
	}
	return SessionNew, nil
}
