package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestStatusTransitions(t *testing.T) {
	cases := []struct {
		from    RequestStatus
		to      RequestStatus
		allowed bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusQueued, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusQueued, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusQueued, false},
		{StatusFailed, StatusCompleted, false},
	}

	for _, tc := range cases {
		require.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestRequestStatusTerminalAndCancelable(t *testing.T) {
	require.True(t, StatusQueued.Cancelable())
	require.True(t, StatusRunning.Cancelable())
	require.False(t, StatusCompleted.Cancelable())
	require.False(t, StatusFailed.Cancelable())

	require.False(t, StatusQueued.Terminal())
	require.False(t, StatusRunning.Terminal())
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())

	// Terminal states never offer further edges.
	for _, status := range []RequestStatus{StatusCompleted, StatusFailed} {
		for _, next := range []RequestStatus{StatusQueued, StatusRunning, StatusCompleted, StatusFailed} {
			require.False(t, status.CanTransitionTo(next))
		}
	}
}

func TestRequestStatusValid(t *testing.T) {
	require.True(t, StatusQueued.Valid())
	require.True(t, StatusRunning.Valid())
	require.True(t, StatusCompleted.Valid())
	require.True(t, StatusFailed.Valid())
	require.False(t, RequestStatus("Cancelled").Valid())
	require.False(t, RequestStatus("").Valid())
}

func TestReleaseNewerThan(t *testing.T) {
	older := Release{Version: "EB20", Ordinal: 3}
	newer := Release{Version: "EB21", Ordinal: 4}

	require.True(t, newer.NewerThan(older))
	require.False(t, older.NewerThan(newer))
	require.False(t, older.NewerThan(older))
}
