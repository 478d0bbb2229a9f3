package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeUsageStore struct {
	used    int
	readErr error

	commitErr   error
	committed   []int
	commitOwner string
	commitDay   time.Time
}

func (f *fakeUsageStore) DailyUsage(_ context.Context, _ string, _ time.Time) (int, error) {
	return f.used, f.readErr
}

func (f *fakeUsageStore) CommitDailyUsage(_ context.Context, owner string, day time.Time, delta int) (int, error) {
	if f.commitErr != nil {
		return 0, f.commitErr
	}
	f.commitOwner = owner
	f.commitDay = day
	f.committed = append(f.committed, delta)
	f.used += delta
	return f.used, nil
}

var someDay = time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

func TestNewLedger_NilStore(t *testing.T) {
	_, err := NewLedger(nil, 100)
	require.Error(t, err)
}

func TestNewLedger_DefaultLimit(t *testing.T) {
	l, err := NewLedger(&fakeUsageStore{}, 0)
	require.NoError(t, err)
	require.Equal(t, defaultDailyTokenLimit, l.Limit())
}

func TestCheckAdmission_UnderLimit(t *testing.T) {
	l, err := NewLedger(&fakeUsageStore{used: 99}, 100)
	require.NoError(t, err)
	adm, err := l.CheckAdmission(context.Background(), "user-1", someDay)
	require.NoError(t, err)
	require.True(t, adm.Allowed)
	require.Equal(t, 99, adm.Used)
	require.Equal(t, 100, adm.Limit)
}

func TestCheckAdmission_AtLimitBlocks(t *testing.T) {
	l, err := NewLedger(&fakeUsageStore{used: 100}, 100)
	require.NoError(t, err)
	adm, err := l.CheckAdmission(context.Background(), "user-1", someDay)
	require.NoError(t, err)
	require.False(t, adm.Allowed)
}

func TestCheckAdmission_StoreErrorPropagates(t *testing.T) {
	l, err := NewLedger(&fakeUsageStore{readErr: errors.New("boom")}, 100)
	require.NoError(t, err)
	_, err = l.CheckAdmission(context.Background(), "user-1", someDay)
	require.Error(t, err)
	require.Contains(t, err.Error(), "admission check")
}

func TestWouldExceed(t *testing.T) {
	l, err := NewLedger(&fakeUsageStore{}, 100)
	require.NoError(t, err)
	require.True(t, l.WouldExceed(95, 10))
	require.False(t, l.WouldExceed(95, 5))
	require.False(t, l.WouldExceed(0, 100))
	require.True(t, l.WouldExceed(0, 101))
}

func TestCommit_AddsDelta(t *testing.T) {
	store := &fakeUsageStore{used: 40}
	l, err := NewLedger(store, 100)
	require.NoError(t, err)
	total, err := l.Commit(context.Background(), "user-1", someDay, 25)
	require.NoError(t, err)
	require.Equal(t, 65, total)
	require.Equal(t, []int{25}, store.committed)
	require.Equal(t, "user-1", store.commitOwner)
}

func TestCommit_StoreErrorPropagates(t *testing.T) {
	l, err := NewLedger(&fakeUsageStore{commitErr: errors.New("boom")}, 100)
	require.NoError(t, err)
	_, err = l.Commit(context.Background(), "user-1", someDay, 25)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ledger commit")
}
