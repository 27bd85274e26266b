package storage

import (
	"context"
	"errors"
	"time"

	"github.com/raterudder/apsema/pkg/types"
)

// ErrEmptySiteID is returned when a site ID is required but missing.
var ErrEmptySiteID = errors.New("siteID cannot be empty")

// Database persists the readings the poller collects. Nothing read back from
// it is ever used to seed the fetch cache.
type Database interface {
	// InsertReadings stores one reading set. Inserting a set with the same
	// site and timestamp again overwrites it.
	InsertReadings(ctx context.Context, set types.ReadingSet) error

	// GetReadingHistory returns the sets of a site with start <= ts < end,
	// oldest first.
	GetReadingHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.ReadingSet, error)
	// GetLatestReadingTime returns the timestamp of the newest stored set, or
	// the zero time when there is none.
	GetLatestReadingTime(ctx context.Context, siteID string) (time.Time, error)

	// Lifecycle
	Close() error
}

// noneDatabase discards writes and has no history.
type noneDatabase struct{}

// None returns a Database that stores nothing.
func None() Database {
	return noneDatabase{}
}

func (noneDatabase) InsertReadings(ctx context.Context, set types.ReadingSet) error {
	if set.SiteID == "" {
		return ErrEmptySiteID
	}
	return nil
}

func (noneDatabase) GetReadingHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.ReadingSet, error) {
	if siteID == "" {
		return nil, ErrEmptySiteID
	}
	return nil, nil
}

func (noneDatabase) GetLatestReadingTime(ctx context.Context, siteID string) (time.Time, error) {
	if siteID == "" {
		return time.Time{}, ErrEmptySiteID
	}
	return time.Time{}, nil
}

func (noneDatabase) Close() error {
	return nil
}
