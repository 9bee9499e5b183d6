package writecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestScannerFlushesTimedOutWrites verifies buffered data reaches the server
// without any explicit flush once the writeback delay elapses.
func TestScannerFlushesTimedOutWrites(t *testing.T) {
	c, transport := newTestCache(t, func(cfg *Config) {
		cfg.WritebackDelay = 30 * time.Millisecond
		cfg.CommitDelay = 30 * time.Millisecond
	})
	f := testFile(t, c, "bgflush")

	dirtyPage(t, c, f, 0, 0x5A)

	require.Eventually(t, func() bool {
		return len(writeCalls(transport.Calls())) >= 1
	}, 2*time.Second, 5*time.Millisecond, "scanner should write the page out")

	require.Eventually(t, func() bool {
		dirty, commit := f.Pending()
		return dirty == 0 && commit == 0
	}, 2*time.Second, 5*time.Millisecond, "scanner should commit the unstable data")

	require.Len(t, transport.Content(f.Handle()), int(c.cfg.PageSize))
	require.NotEmpty(t, commitCalls(transport.Calls()))
}

// TestScannerHonorsWritebackDelay verifies the scanner does not push data
// early.
func TestScannerHonorsWritebackDelay(t *testing.T) {
	c, transport := newTestCache(t, func(cfg *Config) {
		cfg.WritebackDelay = 300 * time.Millisecond
	})
	f := testFile(t, c, "notyet")

	dirtyPage(t, c, f, 0, 0x5A)

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, transport.Calls(), "data should still be buffered before the delay")

	require.Eventually(t, func() bool {
		return len(writeCalls(transport.Calls())) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

// TestScannerCommitsBatch verifies timed-out unstable data pulls the rest of
// the commit list with it into one COMMIT.
func TestScannerCommitsBatch(t *testing.T) {
	c, transport := newTestCache(t, func(cfg *Config) {
		cfg.CommitDelay = 50 * time.Millisecond
	})
	f := testFile(t, c, "bgcommit")

	dirtyPage(t, c, f, 0, 0x01)
	dirtyPage(t, c, f, 1, 0x02)
	_, err := c.Flush(f, 0, 0, FlushSync)
	require.NoError(t, err)

	_, commit := f.Pending()
	require.Equal(t, 2, commit)

	require.Eventually(t, func() bool {
		_, commit := f.Pending()
		return commit == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, commitCalls(transport.Calls()), 1, "both pages should ride one COMMIT")
}

// TestLockedRegionDelaysWriteback verifies requests under a write lock use
// the longer writeback delay.
func TestLockedRegionDelaysWriteback(t *testing.T) {
	c, transport := newTestCache(t, func(cfg *Config) {
		cfg.WritebackDelay = 30 * time.Millisecond
		cfg.LockedWritebackDelay = time.Hour
	})
	f := testFile(t, c, "locked")
	f.SetLocker(lockedEverywhere{})

	dirtyPage(t, c, f, 0, 0x5A)

	time.Sleep(150 * time.Millisecond)
	require.Empty(t, transport.Calls(), "locked region should wait for the long delay")

	dirty, _ := f.Pending()
	require.Equal(t, 1, dirty)
}

type lockedEverywhere struct{}

func (lockedEverywhere) WriteLocked(start, end uint64) bool { return true }
