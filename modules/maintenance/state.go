package maintenance

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/gridwatt/meterflow/pkg/meterstore"
)

// ErrAlreadyInMaintenance is returned when a trigger races an active window.
var ErrAlreadyInMaintenance = errors.New("already in maintenance")

// State is the process-wide maintenance flag, backed by a store key with a
// TTL. Ingress reads it on every submission to pick a destination queue and
// the API middleware reads it to quarantine non-allowlisted endpoints.
type State struct {
	store *meterstore.Store
}

func NewState(store *meterstore.Store) *State {
	return &State{store: store}
}

// Enter raises the flag for ttl. Fails if a window is already active.
func (s *State) Enter(ctx context.Context, ttl time.Duration) error {
	ok, err := s.store.SetMaintenance(ctx, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyInMaintenance
	}
	return nil
}

// Exit clears the flag. Safe to call when the TTL already expired it.
func (s *State) Exit(ctx context.Context) error {
	return s.store.ClearMaintenance(ctx)
}

// Active reports whether a maintenance window is in effect. Store errors
// degrade to "not active" so a flaky flag read can never stall ingestion.
func (s *State) Active(ctx context.Context) bool {
	active, err := s.store.InMaintenance(ctx)
	if err != nil {
		return false
	}
	return active
}
