package storagemock

import (
	"context"
	"time"

	"github.com/raterudder/apsema/pkg/storage"
	"github.com/raterudder/apsema/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) InsertReadings(ctx context.Context, set types.ReadingSet) error {
	args := m.Called(ctx, set)
	return args.Error(0)
}

func (m *MockDatabase) GetReadingHistory(ctx context.Context, siteID string, start, end time.Time) ([]types.ReadingSet, error) {
	args := m.Called(ctx, siteID, start, end)
	if v := args.Get(0); v != nil {
		return v.([]types.ReadingSet), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) GetLatestReadingTime(ctx context.Context, siteID string) (time.Time, error) {
	args := m.Called(ctx, siteID)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
