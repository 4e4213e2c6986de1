package dedup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var key = Key{Owner: "octo", Repo: "demo", SourceBranch: "feature", TargetBranch: "main", PRNumber: 7}

func openAt(t *testing.T, path string, now time.Time) *Store {
	t.Helper()
	s, err := Open(path, 0)
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	return s
}

func TestOpen_CreatesLogWithHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "dedup.csv")
	_, err := Open(path, 0)
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "owner,repo,source_branch,target_branch,pr_number,received_at\n", string(b))
}

func TestCheckAndRecord(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := openAt(t, filepath.Join(t.TempDir(), "dedup.csv"), now)

	fresh, err := s.CheckAndRecord(key)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = s.CheckAndRecord(key)
	require.NoError(t, err)
	require.False(t, fresh)

	other := key
	other.PRNumber = 8
	require.False(t, s.Seen(other))
}

func TestSeen_ExpiresAfterRetention(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := openAt(t, filepath.Join(t.TempDir(), "dedup.csv"), now)
	require.NoError(t, s.Record(key))
	require.True(t, s.Seen(key))

	s.now = func() time.Time { return now.Add(DefaultRetention) }
	require.False(t, s.Seen(key))
}

func TestRecord_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup.csv")
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, openAt(t, path, now).Record(key))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "owner,repo,source_branch,target_branch,pr_number,received_at\n"+
		"octo,demo,feature,main,7,2024-05-01T10:00:00Z\n", string(b))

	reopened := openAt(t, path, now.Add(time.Hour))
	require.True(t, reopened.Seen(key))
}

func TestPrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup.csv")
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := openAt(t, path, now)
	require.NoError(t, s.Record(key))
	s.now = func() time.Time { return now.Add(20 * time.Hour) }
	newer := key
	newer.PRNumber = 9
	require.NoError(t, s.Record(newer))

	require.NoError(t, s.Prune(now.Add(25*time.Hour)))
	require.Equal(t, 1, s.Len())

	reopened := openAt(t, path, now.Add(25*time.Hour))
	require.False(t, reopened.Seen(key))
	require.True(t, reopened.Seen(newer))
}

func TestOpen_RejectsCorruptRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup.csv")
	require.NoError(t, os.WriteFile(path, []byte("owner,repo,source_branch,target_branch,pr_number,received_at\nocto,demo,f,m,seven,2024-05-01T10:00:00Z\n"), 0o644))

	_, err := Open(path, 0)
	require.ErrorContains(t, err, "pr_number")
}
