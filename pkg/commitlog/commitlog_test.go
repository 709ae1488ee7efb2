package commitlog

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/MilliDB/milli/pkg/common/log"
	"github.com/MilliDB/milli/pkg/config"
)

func quietLogger() log.Logger {
	return log.NewStandardLogger(log.WithOutput(io.Discard))
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.SyncMode = config.SyncImmediate
	return cfg
}

func openLog(t *testing.T, dir string, cfg *config.Config) *Log {
	t.Helper()
	l, err := Open(dir, cfg, quietLogger())
	if err != nil {
		t.Fatalf("open commit log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func commitAt(i uint32) Commit {
	return Commit{DataOffset: i, IndexOffset: i, HighestTs: int64(i)}
}

func TestEmptyDirYieldsSentinel(t *testing.T) {
	l := openLog(t, t.TempDir(), testConfig())
	if got := l.Current(); got != Sentinel {
		t.Errorf("empty log current = %+v, want sentinel", got)
	}
}

func TestCommitAndReopen(t *testing.T) {
	dir := t.TempDir()

	l := openLog(t, dir, testConfig())
	for i := uint32(1); i <= 4; i++ {
		if err := l.Commit(commitAt(i)); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	if got := l.Current(); got != commitAt(4) {
		t.Errorf("current = %+v, want %+v", got, commitAt(4))
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l2 := openLog(t, dir, testConfig())
	if got := l2.Current(); got != commitAt(4) {
		t.Errorf("reopened current = %+v, want %+v", got, commitAt(4))
	}
}

func TestTornTailRecordIsDiscarded(t *testing.T) {
	dir := t.TempDir()

	l := openLog(t, dir, testConfig())
	if err := l.Commit(commitAt(1)); err != nil {
		t.Fatal(err)
	}
	if err := l.Commit(commitAt(2)); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Cut the last record in half, as a crash mid-write would.
	seg := filepath.Join(dir, "series.log.0")
	info, err := os.Stat(seg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(seg, info.Size()-RecordSize/2); err != nil {
		t.Fatal(err)
	}

	l2 := openLog(t, dir, testConfig())
	if got := l2.Current(); got != commitAt(1) {
		t.Errorf("after torn tail: current = %+v, want %+v", got, commitAt(1))
	}
}

func TestCorruptTailIsDiscarded(t *testing.T) {
	dir := t.TempDir()

	l := openLog(t, dir, testConfig())
	if err := l.Commit(commitAt(7)); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Append a full-width record of garbage.
	f, err := os.OpenFile(filepath.Join(dir, "series.log.0"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	garbage := make([]byte, RecordSize)
	for i := range garbage {
		garbage[i] = 0xAB
	}
	if _, err := f.Write(garbage); err != nil {
		t.Fatal(err)
	}
	f.Close()

	l2 := openLog(t, dir, testConfig())
	if got := l2.Current(); got != commitAt(7) {
		t.Errorf("after corrupt tail: current = %+v, want %+v", got, commitAt(7))
	}
}

func TestNonMonotonicRecordIsDiscarded(t *testing.T) {
	dir := t.TempDir()

	l := openLog(t, dir, testConfig())
	if err := l.Commit(commitAt(10)); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// A record with a valid CRC but regressing offsets must not win.
	f, err := os.OpenFile(filepath.Join(dir, "series.log.0"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(commitAt(3).marshal()); err != nil {
		t.Fatal(err)
	}
	f.Close()

	l2 := openLog(t, dir, testConfig())
	if got := l2.Current(); got != commitAt(10) {
		t.Errorf("after regressing record: current = %+v, want %+v", got, commitAt(10))
	}
}

func TestRotationAndCleanup(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	cfg.LogSegmentSize = 4 * RecordSize
	cfg.LogRetainSegments = 2

	l := openLog(t, dir, cfg)
	for i := uint32(1); i <= 20; i++ {
		if err := l.Commit(commitAt(i)); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	seqs, err := listSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(seqs) != cfg.LogRetainSegments {
		t.Errorf("live segments = %v, want %d of them", seqs, cfg.LogRetainSegments)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// The retained segments still carry the full state.
	l2 := openLog(t, dir, cfg)
	if got := l2.Current(); got != commitAt(20) {
		t.Errorf("after rotation: current = %+v, want %+v", got, commitAt(20))
	}
}

func TestReopenStartsFreshSegment(t *testing.T) {
	dir := t.TempDir()

	l := openLog(t, dir, testConfig())
	if err := l.Commit(commitAt(1)); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l2 := openLog(t, dir, testConfig())
	defer l2.Close()

	seqs, err := listSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(seqs) == 0 || seqs[len(seqs)-1] != 1 {
		t.Errorf("segments after reopen = %v, want highest suffix 1", seqs)
	}
}

func TestClosedLog(t *testing.T) {
	l := openLog(t, t.TempDir(), testConfig())
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Commit(commitAt(1)); err != ErrClosed {
		t.Errorf("commit after close: got %v, want ErrClosed", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("double close: %v", err)
	}
}
