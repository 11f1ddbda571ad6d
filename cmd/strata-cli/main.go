// Command strata-cli is a minimal interactive shell over pkg/strata: a
// read-eval-print loop with one open transaction at a time, run
// lifecycle commands, and replay.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
	"github.com/strata-systems/strata-core-sub002/pkg/runs"
	"github.com/strata-systems/strata-core-sub002/pkg/strata"
	"github.com/strata-systems/strata-core-sub002/pkg/txn"
)

const banner = `
strata-cli — transactional key/value core shell
Type 'help' for available commands, 'exit' to quit.

`

type shell struct {
	db      *strata.Db
	scanner *bufio.Scanner

	runID string
	t     *txn.Txn
}

func main() {
	dataDir := flag.String("dir", "", "data directory; empty runs ephemeral")
	flag.Parse()

	var db *strata.Db
	var err error
	if *dataDir == "" {
		db, err = strata.Ephemeral()
	} else {
		db, err = strata.Open(strata.DefaultOptions(*dataDir))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer db.Shutdown(context.Background())

	s := &shell{db: db, scanner: bufio.NewScanner(os.Stdin), runID: "default"}
	if err := s.run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func (s *shell) run() error {
	fmt.Print(banner)
	for {
		fmt.Printf("strata:%s> ", s.runID)
		if !s.scanner.Scan() {
			break
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		if err := s.execute(line); err != nil {
			if err.Error() == "exit" {
				fmt.Println("bye")
				return nil
			}
			fmt.Printf("error: %v\n", err)
		}
	}
	return s.scanner.Err()
}

func (s *shell) execute(line string) error {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "exit", "quit":
		return fmt.Errorf("exit")
	case "help", "?":
		s.help()
		return nil
	case "use":
		return s.use(args)
	case "begin":
		return s.begin()
	case "put":
		return s.put(args)
	case "get":
		return s.get(args)
	case "delete":
		return s.delete(args)
	case "cas":
		return s.cas(args)
	case "scan":
		return s.scan(args)
	case "commit":
		return s.commit()
	case "abort":
		return s.abort()
	case "run-create":
		return s.runCreate(args)
	case "run-list":
		return s.runList()
	case "run-close":
		return s.runTransition(args, s.db.RunClose)
	case "run-delete":
		return s.runDelete(args)
	case "replay":
		return s.replay(args)
	case "diff":
		return s.diff(args)
	case "checkpoint":
		return s.db.Checkpoint()
	case "flush":
		return s.db.Flush()
	case "stats":
		return s.stats()
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func (s *shell) help() {
	fmt.Println(`commands:
  use <run>                 switch the active run
  begin                     start a transaction on the active run
  put <key> <value>         buffer a write (writes directly if no txn is open)
  get <key>                 read a key (inside the active txn, or directly)
  delete <key>              buffer a delete
  cas <key> <expected> <v>  compare-and-swap
  scan <prefix>             scan keys with the given user-key prefix
  commit                    commit the active transaction
  abort                     discard the active transaction
  run-create <id> [name]    create a run
  run-list                  list known runs
  run-close <id>            mark a run Completed
  run-delete <id>           delete a run and cascade its data
  replay <run>              print a run's replay view
  diff <run-a> <run-b>      diff two runs' replay views
  checkpoint                write a snapshot and prune old ones
  flush                     force a WAL fsync
  stats                     print commit/conflict counters
  exit                      quit`)
}

func (s *shell) use(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: use <run>")
	}
	s.runID = args[0]
	return nil
}

func (s *shell) begin() error {
	if s.t != nil {
		return fmt.Errorf("a transaction is already open; commit or abort it first")
	}
	t, err := s.db.Begin(s.runID)
	if err != nil {
		return err
	}
	s.t = t
	return nil
}

// namespacedKey builds a key in the shell's active run namespace.
func (s *shell) namespacedKey(userKey string) (kv.Key, error) {
	return kv.NewKey(s.runID, kv.TagKV, []byte(userKey))
}

func parseValue(raw string) kv.Value {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return kv.Int(n)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		if v, err := kv.Float(f); err == nil {
			return v
		}
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return kv.Bool(b)
	}
	return kv.String(raw)
}

func (s *shell) put(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: put <key> <value>")
	}
	k, err := s.namespacedKey(args[0])
	if err != nil {
		return err
	}
	v := parseValue(args[1])
	if s.t != nil {
		return s.t.Put(k, v)
	}
	_, err = s.db.Put(s.runID, k, v)
	return err
}

func (s *shell) get(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: get <key>")
	}
	k, err := s.namespacedKey(args[0])
	if err != nil {
		return err
	}
	var v kv.Value
	var ok bool
	if s.t != nil {
		v, ok, err = s.t.Get(k)
	} else {
		v, ok, err = s.db.Get(s.runID, k)
	}
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("(not found)")
		return nil
	}
	fmt.Println(v.String())
	return nil
}

func (s *shell) delete(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: delete <key>")
	}
	k, err := s.namespacedKey(args[0])
	if err != nil {
		return err
	}
	if s.t != nil {
		return s.t.Delete(k)
	}
	_, err = s.db.Delete(s.runID, k)
	return err
}

func (s *shell) cas(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: cas <key> <expected-version> <value>")
	}
	k, err := s.namespacedKey(args[0])
	if err != nil {
		return err
	}
	expected, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("expected-version: %w", err)
	}
	v := parseValue(args[2])
	if s.t != nil {
		return s.t.CAS(k, expected, v)
	}
	_, err = s.db.CAS(s.runID, k, expected, v)
	return err
}

func (s *shell) scan(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: scan <user-key-prefix>")
	}
	prefix := kv.UserPrefixScan(s.runID, kv.TagKV, []byte(args[0]))
	var results []txn.PrefixScanResult
	var err error
	if s.t != nil {
		results, err = s.t.PrefixScan(prefix)
	} else {
		results, err = s.db.ScanPrefix(s.runID, prefix)
	}
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("%s = %s\n", r.Key.String(), r.Value.String())
	}
	return nil
}

func (s *shell) commit() error {
	if s.t == nil {
		return fmt.Errorf("no transaction is open")
	}
	v, err := s.db.Commit(s.t)
	s.t = nil
	if err != nil {
		return err
	}
	fmt.Printf("committed at version %d\n", v)
	return nil
}

func (s *shell) abort() error {
	if s.t == nil {
		return fmt.Errorf("no transaction is open")
	}
	s.db.Abort(s.t)
	s.t = nil
	return nil
}

func (s *shell) runCreate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: run-create <id> [name]")
	}
	name := ""
	if len(args) > 1 {
		name = args[1]
	}
	info, err := s.db.RunCreate(args[0], name, kv.Value{}, "")
	if err != nil {
		return err
	}
	fmt.Printf("created run %s (state=%s)\n", info.ID, info.State)
	return nil
}

func (s *shell) runList() error {
	for _, info := range s.db.RunList(nil, 0, 0) {
		fmt.Printf("%s  %-10s  v%d\n", info.ID, info.State, info.Version)
	}
	return nil
}

func (s *shell) runTransition(args []string, fn func(string) (runs.Info, error)) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: <command> <run-id>")
	}
	info, err := fn(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s is now %s\n", info.ID, info.State)
	return nil
}

func (s *shell) runDelete(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: run-delete <run-id>")
	}
	return s.db.RunDelete(args[0])
}

func (s *shell) replay(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: replay <run-id>")
	}
	view := s.db.Replay(args[0])
	fmt.Printf("run %s at version %d, %d entries:\n", view.RunID, view.Version, len(view.Entries))
	for _, e := range view.Entries {
		fmt.Printf("  %s = %s (v%d)\n", e.Key.String(), e.Value.Value.String(), e.Value.Version)
	}
	return nil
}

func (s *shell) diff(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: diff <run-a> <run-b>")
	}
	d := s.db.Diff(args[0], args[1])
	fmt.Printf("added=%d removed=%d modified=%d\n", len(d.Added), len(d.Removed), len(d.Modified))
	for _, e := range d.Added {
		fmt.Printf("  + %s = %s\n", e.Key.String(), e.Value.Value.String())
	}
	for _, e := range d.Removed {
		fmt.Printf("  - %s = %s\n", e.Key.String(), e.Value.Value.String())
	}
	for _, m := range d.Modified {
		fmt.Printf("  ~ %s: %s -> %s\n", m.Key.String(), m.Left.Value.String(), m.Right.Value.String())
	}
	return nil
}

func (s *shell) stats() error {
	for k, v := range s.db.Stats() {
		fmt.Printf("%s = %v\n", k, v)
	}
	return nil
}
