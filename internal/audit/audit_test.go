// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_LogAndGetRecent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Log("user1", ActionSearch, "query=hello"))
	require.NoError(t, s.Log("user1", ActionIngest, "file=a.txt"))
	require.NoError(t, s.Log("user2", ActionSearch, "query=world"))

	entries, err := s.GetRecent(10, "", "")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, ActionSearch, entries[0].Action) // most recent first
}

func TestStore_GetRecent_ScopedByUser(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Log("user1", ActionSearch, "a"))
	require.NoError(t, s.Log("user2", ActionSearch, "b"))

	entries, err := s.GetRecent(10, "", "user1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "user1", entries[0].UserID)
}

func TestStore_GetRecent_FilteredByAction(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Log("user1", ActionSearch, "a"))
	require.NoError(t, s.Log("user1", ActionIngest, "b"))

	entries, err := s.GetRecent(10, ActionIngest, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionIngest, entries[0].Action)
}

func TestStore_GetRecent_RespectsLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Log("user1", ActionSearch, "q"))
	}

	entries, err := s.GetRecent(2, "", "")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
