package slack

import (
	"context"
	"fmt"

	"chatarchive/internal/storage"

	"github.com/google/uuid"
)

// Reconciler maps remote identifiers onto local rows. It never creates users;
// an unknown author simply stays unresolved.
type Reconciler struct {
	store storage.Store
}

func NewReconciler(store storage.Store) *Reconciler {
	return &Reconciler{store: store}
}

// ResolveAuthor returns the local id of remoteUserID, or nil if the user has
// not been imported.
func (r *Reconciler) ResolveAuthor(ctx context.Context, accountID uuid.UUID, remoteUserID string) (*uuid.UUID, error) {
	if remoteUserID == "" {
		return nil, nil
	}
	user, err := r.store.FindUser(ctx, remoteUserID, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve author %s: %w", remoteUserID, err)
	}
	if user == nil {
		return nil, nil
	}
	return &user.ID, nil
}

// ResolveThread returns the local id of an existing thread, or nil.
func (r *Reconciler) ResolveThread(ctx context.Context, channelID uuid.UUID, remoteThreadID string) (*uuid.UUID, error) {
	if remoteThreadID == "" {
		return nil, nil
	}
	thread, err := r.store.FindThread(ctx, channelID, remoteThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve thread %s: %w", remoteThreadID, err)
	}
	if thread == nil {
		return nil, nil
	}
	return &thread.ID, nil
}

// EnsureThread returns the thread for params, creating it if needed. An
// existing thread keeps its original slug and sent_at.
func (r *Reconciler) EnsureThread(ctx context.Context, params storage.ThreadParams) (*storage.Thread, error) {
	thread, err := r.store.FindOrCreateThread(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure thread %s: %w", params.RemoteThreadID, err)
	}
	return thread, nil
}
