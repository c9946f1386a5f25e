// Package storage provides the journal of migration runs and their events.
package storage

import (
	"context"
	"sort"

	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
)

// Store is the interface for persisting runs and events.
// Runs are overwritten on every save; events are append-only.
type Store interface {
	// SaveRun persists the current state of a run.
	SaveRun(ctx context.Context, run *types.Run) error

	// GetRun retrieves a run by ID. A missing run returns nil without error.
	GetRun(ctx context.Context, id string) (*types.Run, error)

	// ListRuns returns all runs.
	ListRuns(ctx context.Context) ([]*types.Run, error)

	// AppendEvent adds an event to a run's event log.
	AppendEvent(ctx context.Context, event types.Event) error

	// GetEvents retrieves all events for a run, ordered by sequence.
	GetEvents(ctx context.Context, runID string) ([]types.Event, error)
}

// LatestRun returns the most recently created run for sourceID, or nil.
func LatestRun(ctx context.Context, s Store, sourceID string) (*types.Run, error) {
	runs, err := s.ListRuns(ctx)
	if err != nil {
		return nil, err
	}

	var matching []*types.Run
	for _, r := range runs {
		if r.SourceID == sourceID {
			matching = append(matching, r)
		}
	}
	if len(matching) == 0 {
		return nil, nil
	}
	sort.Slice(matching, func(i, j int) bool {
		return matching[i].CreatedAt.After(matching[j].CreatedAt)
	})
	return matching[0], nil
}

// NullStore is a no-op store implementation for when persistence is disabled.
type NullStore struct{}

func (s *NullStore) SaveRun(ctx context.Context, run *types.Run) error {
	return nil
}

func (s *NullStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	return nil, nil
}

func (s *NullStore) ListRuns(ctx context.Context) ([]*types.Run, error) {
	return nil, nil
}

func (s *NullStore) AppendEvent(ctx context.Context, event types.Event) error {
	return nil
}

func (s *NullStore) GetEvents(ctx context.Context, runID string) ([]types.Event, error) {
	return nil, nil
}
