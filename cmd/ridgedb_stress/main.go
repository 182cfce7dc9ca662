// Stress driver: hammers one index with a concurrent mixed workload and
// verifies the surviving entries afterwards. A workload file of REPL
// commands can be supplied; without one a random insert/find/delete mix
// is generated.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ridgedb/pkg/codec"
	"ridgedb/pkg/config"
	"ridgedb/pkg/engine"
	"ridgedb/pkg/index"
)

var maxDelay int64 = 10

// jitter spaces operations out so goroutine interleavings vary run to run.
func jitter() time.Duration {
	return time.Duration(rand.Int63n(maxDelay)+1) * time.Millisecond
}

func parseWorkload(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	var workload []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		workload = append(workload, scanner.Text())
	}
	return workload, scanner.Err()
}

// runWorkload feeds every n-th line, starting at offset, into the REPL
// command channel.
func runWorkload(c chan<- string, workload []string, offset, n int) error {
	for i := offset; i < len(workload); i += n {
		time.Sleep(jitter())
		c <- workload[i]
	}
	return nil
}

// runRandom drives a random mixed workload directly against the index.
func runRandom(ix index.Index, seed int64, ops, keyspace int) error {
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < ops; i++ {
		key := codec.EncodeInt64(int64(rng.Intn(keyspace)))
		switch rng.Intn(10) {
		case 0:
			if err := ix.Delete(key); err != nil {
				return err
			}
		case 1, 2, 3:
			if _, _, err := ix.Search(key); err != nil {
				return err
			}
		default:
			val := fmt.Appendf(nil, "v%d-%d", seed, i)
			if err := ix.Insert(key, val); err != nil {
				return err
			}
		}
	}
	return nil
}

func main() {
	var indexFlag = flag.String("index", "", "choose index: [btree,lsm,hash] (required)")
	var workloadFlag = flag.String("workload", "", "workload file of REPL commands (optional)")
	var nFlag = flag.Int("n", 1, "number of concurrent workers")
	var opsFlag = flag.Int("ops", 10000, "operations per worker in random mode")
	var keyspaceFlag = flag.Int("keyspace", 4096, "distinct keys in random mode")
	var verifyFlag = flag.Bool("verify", false, "scan and report the index state at the end")
	flag.Parse()

	var kind index.Type
	switch *indexFlag {
	case "btree":
		kind = index.BTreeType
	case "lsm":
		kind = index.LsmType
	case "hash":
		kind = index.HashType
	default:
		fmt.Println("must specify -index [btree,lsm,hash]")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)
	e, err := engine.Open("data", config.Config{}, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer e.Close()
	if err := e.Create("t", kind); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	start := time.Now()
	var g errgroup.Group
	if *workloadFlag != "" {
		workload, err := parseWorkload(*workloadFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		c := make(chan string)
		done := make(chan struct{})
		go func() {
			engine.Repl(e).RunChan(c, uuid.New(), os.Stdout)
			close(done)
		}()
		for i := 0; i < *nFlag; i++ {
			offset := i
			g.Go(func() error {
				return runWorkload(c, workload, offset, *nFlag)
			})
		}
		if err := g.Wait(); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		close(c)
		<-done
	} else {
		ix, err := e.Get("t")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for i := 0; i < *nFlag; i++ {
			seed := int64(i)
			g.Go(func() error {
				return runRandom(ix, seed, *opsFlag, *keyspaceFlag)
			})
		}
		if err := g.Wait(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	fmt.Printf("workload done in %v\n", time.Since(start))

	if *verifyFlag {
		ix, err := e.Get("t")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		it, err := ix.RangeScan(nil, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		n := 0
		var last []byte
		ordered := true
		for it.Next() {
			if last != nil && codec.Compare(it.Key(), last) <= 0 {
				ordered = false
			}
			last = append(last[:0], it.Key()...)
			n++
		}
		if err := it.Err(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		it.Close()
		fmt.Printf("verify: %d entries, ordered=%v\n", n, ordered)
	}
}
