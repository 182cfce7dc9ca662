package engine

import (
	"fmt"
	"strconv"
	"strings"

	"ridgedb/pkg/codec"
	"ridgedb/pkg/exhash"
	"ridgedb/pkg/index"
	"ridgedb/pkg/lsm"
	"ridgedb/pkg/repl"
)

// Repl builds the maintenance command set over an engine. Keys are
// int64 and stored in order-preserving encoding; values are free text.
func Repl(e *Engine) *repl.REPL {
	r := repl.New()
	r.AddCommand("create", func(payload string, _ *repl.Session) (string, error) {
		return handleCreate(e, payload)
	}, "Create an index. usage: create <btree|lsm|hash> index <name>")

	r.AddCommand("insert", func(payload string, _ *repl.Session) (string, error) {
		return "", handleInsert(e, payload)
	}, "Insert an entry. usage: insert <key> <value> into <name>")

	r.AddCommand("find", func(payload string, _ *repl.Session) (string, error) {
		return handleFind(e, payload)
	}, "Find an entry. usage: find <key> from <name>")

	r.AddCommand("delete", func(payload string, _ *repl.Session) (string, error) {
		return "", handleDelete(e, payload)
	}, "Delete an entry. usage: delete <key> from <name>")

	r.AddCommand("scan", func(payload string, _ *repl.Session) (string, error) {
		return handleScan(e, payload)
	}, "Scan a key range. usage: scan <start> <end> from <name>")

	r.AddCommand("select", func(payload string, _ *repl.Session) (string, error) {
		return handleSelect(e, payload)
	}, "List every entry. usage: select from <name>")

	r.AddCommand("flush", func(payload string, _ *repl.Session) (string, error) {
		return "", handleFlush(e, payload)
	}, "Flush an LSM memtable to disk. usage: flush <name>")

	r.AddCommand("backup", func(payload string, _ *repl.Session) (string, error) {
		return "", handleBackup(e, payload)
	}, "Back up an LSM index directory. usage: backup <name> <dest>")

	r.AddCommand("reorganize", func(payload string, _ *repl.Session) (string, error) {
		return "", handleReorganize(e, payload)
	}, "Rebuild a hash index under a fresh seed. usage: reorganize <name>")

	r.AddCommand("pretty", func(payload string, _ *repl.Session) (string, error) {
		return handlePretty(e, payload)
	}, "Print an index's internal structure. usage: pretty <name>")

	r.AddCommand("drop", func(payload string, _ *repl.Session) (string, error) {
		return "", handleDrop(e, payload)
	}, "Close an index and remove its files. usage: drop <name>")

	return r
}

func handleCreate(e *Engine, payload string) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) != 4 || fields[2] != "index" {
		return "", fmt.Errorf("usage: create <btree|lsm|hash> index <name>")
	}
	var kind index.Type
	switch fields[1] {
	case "btree":
		kind = index.BTreeType
	case "lsm":
		kind = index.LsmType
	case "hash":
		kind = index.HashType
	default:
		return "", fmt.Errorf("usage: create <btree|lsm|hash> index <name>")
	}
	if err := e.Create(fields[3], kind); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s index %s created.", fields[1], fields[3]), nil
}

func parseKey(s string) ([]byte, error) {
	k, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad key %q: %v", s, err)
	}
	return codec.EncodeInt64(k), nil
}

func handleInsert(e *Engine, payload string) error {
	fields := strings.Fields(payload)
	if len(fields) != 5 || fields[3] != "into" {
		return fmt.Errorf("usage: insert <key> <value> into <name>")
	}
	key, err := parseKey(fields[1])
	if err != nil {
		return err
	}
	ix, err := e.Get(fields[4])
	if err != nil {
		return err
	}
	return ix.Insert(key, []byte(fields[2]))
}

func handleFind(e *Engine, payload string) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) != 4 || fields[2] != "from" {
		return "", fmt.Errorf("usage: find <key> from <name>")
	}
	key, err := parseKey(fields[1])
	if err != nil {
		return "", err
	}
	ix, err := e.Get(fields[3])
	if err != nil {
		return "", err
	}
	val, found, err := ix.Search(key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("key %s not found", fields[1])
	}
	return fmt.Sprintf("found entry: (%s, %s)", fields[1], val), nil
}

func handleDelete(e *Engine, payload string) error {
	fields := strings.Fields(payload)
	if len(fields) != 4 || fields[2] != "from" {
		return fmt.Errorf("usage: delete <key> from <name>")
	}
	key, err := parseKey(fields[1])
	if err != nil {
		return err
	}
	ix, err := e.Get(fields[3])
	if err != nil {
		return err
	}
	return ix.Delete(key)
}

func formatEntries(it index.Iterator) (string, error) {
	defer it.Close()
	var sb strings.Builder
	n := 0
	for it.Next() {
		k, err := codec.DecodeInt64(it.Key())
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "(%d, %s)\n", k, it.Value())
		n++
	}
	if err := it.Err(); err != nil {
		return "", err
	}
	fmt.Fprintf(&sb, "%d entries", n)
	return sb.String(), nil
}

func handleScan(e *Engine, payload string) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) != 5 || fields[3] != "from" {
		return "", fmt.Errorf("usage: scan <start> <end> from <name>")
	}
	start, err := parseKey(fields[1])
	if err != nil {
		return "", err
	}
	end, err := parseKey(fields[2])
	if err != nil {
		return "", err
	}
	ix, err := e.Get(fields[4])
	if err != nil {
		return "", err
	}
	it, err := ix.RangeScan(start, end)
	if err != nil {
		return "", err
	}
	return formatEntries(it)
}

func handleSelect(e *Engine, payload string) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) != 3 || fields[1] != "from" {
		return "", fmt.Errorf("usage: select from <name>")
	}
	ix, err := e.Get(fields[2])
	if err != nil {
		return "", err
	}
	// The hash index enumerates faster in directory order.
	var it index.Iterator
	if h, ok := ix.(*exhash.Index); ok {
		it, err = h.Scan()
	} else {
		it, err = ix.RangeScan(nil, nil)
	}
	if err != nil {
		return "", err
	}
	return formatEntries(it)
}

func handleFlush(e *Engine, payload string) error {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return fmt.Errorf("usage: flush <name>")
	}
	ix, err := e.Get(fields[1])
	if err != nil {
		return err
	}
	l, ok := ix.(*lsm.Index)
	if !ok {
		return fmt.Errorf("%w: flush applies to lsm indexes", index.ErrInvalidArgument)
	}
	return l.Flush()
}

func handleBackup(e *Engine, payload string) error {
	fields := strings.Fields(payload)
	if len(fields) != 3 {
		return fmt.Errorf("usage: backup <name> <dest>")
	}
	ix, err := e.Get(fields[1])
	if err != nil {
		return err
	}
	l, ok := ix.(*lsm.Index)
	if !ok {
		return fmt.Errorf("%w: backup applies to lsm indexes", index.ErrInvalidArgument)
	}
	return l.Backup(fields[2])
}

func handleReorganize(e *Engine, payload string) error {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return fmt.Errorf("usage: reorganize <name>")
	}
	ix, err := e.Get(fields[1])
	if err != nil {
		return err
	}
	h, ok := ix.(*exhash.Index)
	if !ok {
		return fmt.Errorf("%w: reorganize applies to hash indexes", index.ErrInvalidArgument)
	}
	return h.Reorganize()
}

func handlePretty(e *Engine, payload string) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return "", fmt.Errorf("usage: pretty <name>")
	}
	ix, err := e.Get(fields[1])
	if err != nil {
		return "", err
	}
	p, ok := ix.(index.Printable)
	if !ok {
		return "", fmt.Errorf("%w: index %q cannot print its structure", index.ErrInvalidArgument, fields[1])
	}
	var sb strings.Builder
	p.Print(&sb)
	return sb.String(), nil
}

func handleDrop(e *Engine, payload string) error {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return fmt.Errorf("usage: drop <name>")
	}
	return e.Drop(fields[1])
}
