package engine_test

import (
	"errors"
	"os"
	"strings"
	"testing"

	"ridgedb/pkg/config"
	"ridgedb/pkg/engine"
	"ridgedb/pkg/index"
	"ridgedb/pkg/repl"

	"github.com/google/uuid"
)

func setupEngine(t *testing.T) *engine.Engine {
	t.Parallel()
	e, err := engine.Open(t.TempDir(), config.Config{}, nil)
	if err != nil {
		t.Fatal("Failed to open engine:", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestCreateAndGet(t *testing.T) {
	e := setupEngine(t)
	for name, kind := range map[string]index.Type{
		"b": index.BTreeType,
		"l": index.LsmType,
		"h": index.HashType,
	} {
		if err := e.Create(name, kind); err != nil {
			t.Fatalf("Create(%s, %s) errored: %s", name, kind, err)
		}
		ix, err := e.Get(name)
		if err != nil {
			t.Fatalf("Get(%s) errored: %s", name, err)
		}
		if err := ix.Insert([]byte("k"), []byte("v")); err != nil {
			t.Errorf("%s index rejected insert: %s", kind, err)
		}
		got, err := e.Kind(name)
		if err != nil || got != kind {
			t.Errorf("Kind(%s) = %s, %v; want %s", name, got, err, kind)
		}
	}
	if len(e.Names()) != 3 {
		t.Errorf("Names() = %v, want three entries", e.Names())
	}
	if err := e.Create("b", index.HashType); !errors.Is(err, index.ErrInvalidArgument) {
		t.Errorf("duplicate Create returned %v, want ErrInvalidArgument", err)
	}
	if _, err := e.Get("missing"); !errors.Is(err, index.ErrNotFound) {
		t.Errorf("Get of unknown name returned %v, want ErrNotFound", err)
	}
}

func TestDrop(t *testing.T) {
	e := setupEngine(t)
	if err := e.Create("t", index.LsmType); err != nil {
		t.Fatal(err)
	}
	if err := e.Drop("t"); err != nil {
		t.Fatal("Drop errored:", err)
	}
	if _, err := e.Get("t"); !errors.Is(err, index.ErrNotFound) {
		t.Errorf("dropped index still resolvable: %v", err)
	}
	// The name is reusable after a drop.
	if err := e.Create("t", index.BTreeType); err != nil {
		t.Errorf("recreating dropped name errored: %s", err)
	}
}

// countOpenFiles reports the process's open descriptor count.
func countOpenFiles(t *testing.T) int {
	t.Helper()
	ents, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot inspect open descriptors: %v", err)
	}
	return len(ents)
}

// A B-Tree index leaves its page store to its owner, so Drop and Close
// must release the store themselves or every B-Tree leaks a descriptor.
// Deliberately not parallel: the descriptor count is process-wide.
func TestEngineReleasesPageFiles(t *testing.T) {
	dir := t.TempDir()
	before := countOpenFiles(t)
	e, err := engine.Open(dir, config.Config{}, nil)
	if err != nil {
		t.Fatal("Failed to open engine:", err)
	}
	for _, name := range []string{"a", "b"} {
		if err := e.Create(name, index.BTreeType); err != nil {
			t.Fatalf("Create(%s) errored: %s", name, err)
		}
		ix, err := e.Get(name)
		if err != nil {
			t.Fatal(err)
		}
		if err := ix.Insert([]byte("k"), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Drop("a"); err != nil {
		t.Fatal("Drop errored:", err)
	}
	if err := e.Close(); err != nil {
		t.Fatal("Close errored:", err)
	}
	if after := countOpenFiles(t); after != before {
		t.Errorf("open descriptors went from %d to %d across create/drop/close", before, after)
	}
}

// runRepl feeds a script through the command loop and returns the
// combined output.
func runRepl(t *testing.T, e *engine.Engine, script ...string) string {
	t.Helper()
	var out strings.Builder
	r := engine.Repl(e)
	lines := make(chan string, len(script))
	for _, l := range script {
		lines <- l
	}
	close(lines)
	done := make(chan struct{})
	go func() {
		r.RunChan(lines, uuid.New(), &out)
		close(done)
	}()
	<-done
	return out.String()
}

func TestReplWorkflow(t *testing.T) {
	e := setupEngine(t)
	out := runRepl(t, e,
		"create btree index t",
		"insert 1 one into t",
		"insert 2 two into t",
		"insert 3 three into t",
		"delete 2 from t",
		"find 1 from t",
		"scan 1 3 from t",
	)
	if !strings.Contains(out, "found entry: (1, one)") {
		t.Errorf("find output missing, got:\n%s", out)
	}
	if !strings.Contains(out, "(3, three)") || strings.Contains(out, "(2, two)") {
		t.Errorf("scan output wrong, got:\n%s", out)
	}
	if !strings.Contains(out, "2 entries") {
		t.Errorf("scan entry count missing, got:\n%s", out)
	}
}

func TestReplErrors(t *testing.T) {
	e := setupEngine(t)
	out := runRepl(t, e,
		"create btree index t",
		"find 9 from t",
		"insert x y into t",
		"bogus command",
	)
	for _, want := range []string{"not found", "bad key", "command not found"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q, got:\n%s", want, out)
		}
	}
}

func TestReplLsmAndHashMaintenance(t *testing.T) {
	e := setupEngine(t)
	dest := t.TempDir()
	out := runRepl(t, e,
		"create lsm index l",
		"insert 1 one into l",
		"flush l",
		"backup l "+dest+"/copy",
		"create hash index h",
		"insert 1 one into h",
		"reorganize h",
		"find 1 from h",
		"pretty h",
	)
	if !strings.Contains(out, "found entry: (1, one)") {
		t.Errorf("hash entry lost across reorganize, got:\n%s", out)
	}
	if !strings.Contains(out, "globalDepth") {
		t.Errorf("pretty output missing, got:\n%s", out)
	}
	if strings.Contains(out, "ERROR") {
		t.Errorf("maintenance script produced errors:\n%s", out)
	}
}

func TestCombineRejectsOverlap(t *testing.T) {
	t.Parallel()
	a, b := repl.New(), repl.New()
	cmd := func(string, *repl.Session) (string, error) { return "", nil }
	a.AddCommand("x", cmd, "")
	b.AddCommand("x", cmd, "")
	if _, err := repl.Combine(a, b); !errors.Is(err, repl.ErrOverlappingCommands) {
		t.Errorf("expected ErrOverlappingCommands, got %v", err)
	}
}
