package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) GetCachedResult(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	v, _ := args.Get(0).([]byte)
	return v, args.Error(1)
}

func (m *mockBackend) SetCachedResult(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}

func (m *mockBackend) DeleteExpiredResults(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestStore_Get(t *testing.T) {
	b := &mockBackend{}
	b.On("GetCachedResult", mock.Anything, "hit").Return([]byte("v"), nil)
	b.On("GetCachedResult", mock.Anything, "miss").Return(nil, nil)
	b.On("GetCachedResult", mock.Anything, "boom").Return(nil, errors.New("db down"))

	s := NewStore(b)
	ctx := context.Background()

	v, ok, err := s.Get(ctx, "hit")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))

	_, ok, err = s.Get(ctx, "miss")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Get(ctx, "boom")
	assert.ErrorContains(t, err, "db down")
}

func TestStore_SetAndPurge(t *testing.T) {
	b := &mockBackend{}
	b.On("SetCachedResult", mock.Anything, "k", []byte("v"), time.Hour).Return(nil)
	b.On("DeleteExpiredResults", mock.Anything).Return(3, nil)

	s := NewStore(b)
	require.NoError(t, s.Set(context.Background(), "k", []byte("v"), time.Hour))

	n, err := s.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, s.Close())
	b.AssertExpectations(t)
}
