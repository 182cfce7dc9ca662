package lsm

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/icza/backscanner"

	"ridgedb/pkg/index"
)

// The manifest is an append-only text log of segment membership:
//
//	SNAPSHOT                     full state follows as SEG lines
//	SEG <level> <uuid>           segment present at snapshot time
//	ADD <level> <uuid>           segment added (flush or compaction)
//	DEL <level> <uuid>           segment superseded
//
// Recovery scans the file backwards to the most recent SNAPSHOT record
// and replays forward from there, so an arbitrarily long-lived index
// reopens in time proportional to its live segment count plus the tail
// of changes since the last snapshot.
const manifestName = "MANIFEST"

type manifest struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// openManifest opens or creates the manifest and returns the recovered
// per-level segment ids.
func openManifest(dir string) (*manifest, [][]uuid.UUID, error) {
	path := filepath.Join(dir, manifestName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: opening manifest: %v", index.ErrIO, err)
	}
	m := &manifest{path: path, f: f}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: stat manifest: %v", index.ErrIO, err)
	}
	if info.Size() == 0 {
		if err := m.append("SNAPSHOT"); err != nil {
			f.Close()
			return nil, nil, err
		}
		return m, nil, nil
	}
	levels, err := m.recover(info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return m, levels, nil
}

// recover locates the last SNAPSHOT record by scanning backwards, then
// replays the manifest forward from it.
func (m *manifest) recover(size int64) ([][]uuid.UUID, error) {
	snapOff := 0
	scanner := backscanner.New(m.f, int(size))
	for {
		line, pos, err := scanner.Line()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: scanning manifest: %v", index.ErrIO, err)
		}
		if strings.HasPrefix(line, "SNAPSHOT") {
			snapOff = pos
			break
		}
	}

	if _, err := m.f.Seek(int64(snapOff), io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: seeking manifest: %v", index.ErrIO, err)
	}
	var levels [][]uuid.UUID
	lines := bufio.NewScanner(m.f)
	for lines.Scan() {
		line := strings.TrimSpace(lines.Text())
		if line == "" || line == "SNAPSHOT" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: malformed manifest record %q", index.ErrCorruption, line)
		}
		level, err := strconv.Atoi(fields[1])
		if err != nil || level < 0 {
			return nil, fmt.Errorf("%w: manifest record %q has bad level", index.ErrCorruption, line)
		}
		id, err := uuid.Parse(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%w: manifest record %q has bad id", index.ErrCorruption, line)
		}
		for len(levels) <= level {
			levels = append(levels, nil)
		}
		switch fields[0] {
		case "SEG", "ADD":
			levels[level] = append(levels[level], id)
		case "DEL":
			kept := levels[level][:0]
			for _, existing := range levels[level] {
				if existing != id {
					kept = append(kept, existing)
				}
			}
			levels[level] = kept
		default:
			return nil, fmt.Errorf("%w: unknown manifest record %q", index.ErrCorruption, line)
		}
	}
	if err := lines.Err(); err != nil {
		return nil, fmt.Errorf("%w: replaying manifest: %v", index.ErrIO, err)
	}
	if _, err := m.f.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("%w: seeking manifest: %v", index.ErrIO, err)
	}
	return levels, nil
}

// append durably writes one or more records as a single write.
func (m *manifest) append(records ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sb strings.Builder
	for _, r := range records {
		sb.WriteString(r)
		sb.WriteByte('\n')
	}
	if _, err := m.f.WriteString(sb.String()); err != nil {
		return fmt.Errorf("%w: appending manifest: %v", index.ErrIO, err)
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing manifest: %v", index.ErrIO, err)
	}
	return nil
}

// snapshot rewrites the manifest as a fresh SNAPSHOT of the given
// levels, truncating the change tail. Done at clean shutdown.
func (m *manifest) snapshot(levels [][]*segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return fmt.Errorf("%w: creating manifest snapshot: %v", index.ErrIO, err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "SNAPSHOT")
	for level, segs := range levels {
		for _, seg := range segs {
			fmt.Fprintf(w, "SEG %d %s\n", level, seg.id)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: writing manifest snapshot: %v", index.ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: syncing manifest snapshot: %v", index.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: closing manifest snapshot: %v", index.ErrIO, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: installing manifest snapshot: %v", index.ErrIO, err)
	}
	old := m.f
	m.f, err = os.OpenFile(m.path, os.O_RDWR|os.O_APPEND, 0o666)
	old.Close()
	if err != nil {
		return fmt.Errorf("%w: reopening manifest: %v", index.ErrIO, err)
	}
	return nil
}

func (m *manifest) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}

// addRecord formats an ADD manifest record.
func addRecord(level int, id uuid.UUID) string {
	return fmt.Sprintf("ADD %d %s", level, id)
}

// delRecord formats a DEL manifest record.
func delRecord(level int, id uuid.UUID) string {
	return fmt.Sprintf("DEL %d %s", level, id)
}

// vacuumOrphans removes segment files on disk that the recovered
// manifest no longer references, such as outputs of a compaction that
// crashed before commit.
func vacuumOrphans(dir string, live map[uuid.UUID]bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("cannot scan index directory for orphans", "dir", dir, "error", err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, segSuffix) {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, segSuffix))
		if err != nil || live[id] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			slog.Warn("failed to remove orphan segment", "file", name, "error", err)
		} else {
			slog.Info("removed orphan segment", "file", name)
		}
	}
}
