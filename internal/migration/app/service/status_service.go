package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
)

// MigrationLister enumerates every known migration
type MigrationLister interface {
	ListMigrations(ctx context.Context) ([]model.Descriptor, error)
}

// Migration states reported by the status service
const (
	StateApplied = "applied"
	StatePending = "pending"
	// StateOrphaned is applied in the environment but unknown to the source
	StateOrphaned = "orphaned"
)

// MigrationState is one row of an environment status
type MigrationState struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	OrderKey         int64      `json:"order_key"`
	State            string     `json:"state"`
	AppliedAt        *time.Time `json:"applied_at,omitempty"`
	ChecksumMismatch bool       `json:"checksum_mismatch,omitempty"`
}

// EnvironmentStatus summarizes the migration state of an environment
type EnvironmentStatus struct {
	EnvironmentID string           `json:"environment_id"`
	Current       string           `json:"current,omitempty"`
	Applied       int              `json:"applied"`
	Pending       int              `json:"pending"`
	LastAppliedAt *time.Time       `json:"last_applied_at,omitempty"`
	Migrations    []MigrationState `json:"migrations"`
}

// StatusService reports which migrations are applied where
type StatusService struct {
	lister  MigrationLister
	catalog Catalog
}

// NewStatusService creates a new status service
func NewStatusService(lister MigrationLister, catalog Catalog) *StatusService {
	return &StatusService{lister: lister, catalog: catalog}
}

// GetStatus returns the current migration status of an environment
func (s *StatusService) GetStatus(ctx context.Context, environmentID string) (*EnvironmentStatus, error) {
	applied, err := s.catalog.GetApplied(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	known, err := s.lister.ListMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	appliedSet := model.AppliedIDs(applied)
	status := &EnvironmentStatus{EnvironmentID: environmentID}
	var current model.AppliedMigration

	for _, d := range known {
		state := MigrationState{
			ID:       d.ID,
			Name:     d.Name,
			OrderKey: d.OrderKey,
			State:    StatePending,
		}
		if a, ok := appliedSet[d.ID]; ok {
			appliedAt := a.AppliedAt
			state.State = StateApplied
			state.AppliedAt = &appliedAt
			state.ChecksumMismatch = a.Checksum != "" && d.Checksum != "" && a.Checksum != d.Checksum
			delete(appliedSet, d.ID)
		} else {
			status.Pending++
		}
		status.Migrations = append(status.Migrations, state)
	}

	for _, a := range appliedSet {
		appliedAt := a.AppliedAt
		status.Migrations = append(status.Migrations, MigrationState{
			ID:        a.ID,
			Name:      model.NameFromID(a.ID),
			OrderKey:  a.OrderKey,
			State:     StateOrphaned,
			AppliedAt: &appliedAt,
		})
	}

	for _, a := range applied {
		if current.ID == "" || a.OrderKey > current.OrderKey ||
			(a.OrderKey == current.OrderKey && a.AppliedAt.After(current.AppliedAt)) {
			current = a
		}
	}
	if current.ID != "" {
		lastApplied := current.AppliedAt
		status.Current = current.ID
		status.LastAppliedAt = &lastApplied
	}
	status.Applied = len(applied)

	sort.SliceStable(status.Migrations, func(i, j int) bool {
		if status.Migrations[i].OrderKey != status.Migrations[j].OrderKey {
			return status.Migrations[i].OrderKey < status.Migrations[j].OrderKey
		}
		return status.Migrations[i].ID < status.Migrations[j].ID
	})

	return status, nil
}

// ListMigrations lists migrations with optional state filter
func (s *StatusService) ListMigrations(ctx context.Context, environmentID, state string) ([]MigrationState, error) {
	status, err := s.GetStatus(ctx, environmentID)
	if err != nil {
		return nil, err
	}

	if state == "" {
		return status.Migrations, nil
	}

	filtered := []MigrationState{}
	for _, m := range status.Migrations {
		if m.State == state {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}
