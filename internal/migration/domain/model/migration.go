// Package model defines migration domain models
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Direction represents migration direction
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Driver identifies the SQL dialect of a target environment
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

// Descriptor describes a discovered migration. It is immutable once discovered.
type Descriptor struct {
	ID        string
	Name      string
	OrderKey  int64
	Checksum  string
	DependsOn []string
	CreatedAt time.Time
}

// AppliedMigration is an entry of an environment's applied set
type AppliedMigration struct {
	ID        string
	OrderKey  int64
	AppliedAt time.Time
	Checksum  string
}

// After reports whether m was applied after other: by order key, then applied
// time, then id. Every rollback ordering uses it.
func (m AppliedMigration) After(other AppliedMigration) bool {
	if m.OrderKey != other.OrderKey {
		return m.OrderKey > other.OrderKey
	}
	if !m.AppliedAt.Equal(other.AppliedAt) {
		return m.AppliedAt.After(other.AppliedAt)
	}
	return m.ID > other.ID
}

// Environment is a target database environment
type Environment struct {
	ID           string
	Name         string
	Driver       Driver
	IsProduction bool
}

// OrderKeyFromID derives the creation-order key from the numeric prefix of a
// migration id such as "20240101120000_create_users" or "003_add_index".
// Ids without a numeric prefix, or with one that overflows, get zero.
func OrderKeyFromID(id string) int64 {
	key, err := ParseOrderKey(id)
	if err != nil {
		return 0
	}
	return key
}

// ParseOrderKey is OrderKeyFromID that reports a prefix too large for an int64
func ParseOrderKey(id string) (int64, error) {
	end := 0
	for end < len(id) && id[end] >= '0' && id[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, nil
	}
	key, err := strconv.ParseInt(id[:end], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("order prefix of migration %s is out of range", id)
	}
	return key, nil
}

// NameFromID strips the order prefix from a migration id
func NameFromID(id string) string {
	if i := strings.IndexByte(id, '_'); i >= 0 && OrderKeyFromID(id) != 0 {
		return id[i+1:]
	}
	return id
}

// AppliedIDs returns the ids of an applied set as a lookup map
func AppliedIDs(applied []AppliedMigration) map[string]AppliedMigration {
	set := make(map[string]AppliedMigration, len(applied))
	for _, m := range applied {
		set[m.ID] = m
	}
	return set
}
