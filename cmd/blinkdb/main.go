// blinkdb is a simple CLI for poking at a blinkdb index file.
//
// Usage:
//
//	blinkdb [opts] <index-file>
//
// Options:
//
//	-p, --page-bits     Log2 of the page size (default 15)
//	-n, --pool          Buffer pool frames (default 256)
//	-c, --config        HuJSON config file
//
// Commands (in REPL):
//
//	put <key> <value>        Insert or update a unique key
//	putdup <key> <value>     Insert a duplicate key
//	get <key>                Retrieve a key
//	del <key>                Delete a key
//	scan [limit]             List entries in order
//	rscan [limit]            List entries in reverse order
//	range <lo> <hi>          Scan entries in [lo, hi)
//	batch <op>,<op>,...      Apply mutations atomically; op is
//	                         put:k=v or del:k
//	batchdup <op>,<op>,...   Same, with duplicate key semantics
//	dump <path>              Write all entries to a file
//	info                     Show store info
//	exit / quit / q          Exit
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/hmarui66/blinkdb"
)

type config struct {
	PageBits   uint8  `json:"page_bits"`
	PoolFrames uint   `json:"pool_frames"`
	File       string `json:"file"`
}

func defaultConfig() config {
	return config{
		PageBits:   15,
		PoolFrames: 256,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot read config file: %w", err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	if err := json.Unmarshal(std, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

func main() {
	pageBits := pflag.Uint8P("page-bits", "p", 0, "log2 of the page size")
	pool := pflag.UintP("pool", "n", 0, "buffer pool frames")
	configPath := pflag.StringP("config", "c", "", "HuJSON config file")
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *pageBits > 0 {
		cfg.PageBits = *pageBits
	}
	if *pool > 0 {
		cfg.PoolFrames = *pool
	}
	if pflag.NArg() > 0 {
		cfg.File = pflag.Arg(0)
	}

	if cfg.File == "" {
		fmt.Fprintln(os.Stderr, "usage: blinkdb [opts] <index-file>")
		os.Exit(2)
	}

	mgr := blinkdb.NewBufMgr(cfg.File, cfg.PageBits, cfg.PoolFrames, nil)
	if mgr == nil {
		fmt.Fprintln(os.Stderr, "unable to open", cfg.File)
		os.Exit(1)
	}
	defer mgr.Close()

	tree := blinkdb.NewBLTree(mgr)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("blinkdb> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if quit := runCommand(tree, input); quit {
			return
		}
	}
}

func runCommand(tree *blinkdb.BLTree, input string) (quit bool) {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "exit", "quit", "q":
		return true

	case "put", "putdup":
		if len(args) != 2 {
			fmt.Println("usage:", cmd, "<key> <value>")
			return false
		}
		unique := cmd == "put"
		if err := tree.InsertKey([]byte(args[0]), 0, []byte(args[1]), unique); err != blinkdb.BLTErrOk {
			fmt.Println("error:", err)
		}

	case "get":
		if len(args) != 1 {
			fmt.Println("usage: get <key>")
			return false
		}
		n, _, val := tree.FindKey([]byte(args[0]), blinkdb.MaxKey)
		if n < 0 {
			fmt.Println("(not found)")
		} else {
			fmt.Printf("%q\n", val)
		}

	case "del":
		if len(args) != 1 {
			fmt.Println("usage: del <key>")
			return false
		}
		if err := tree.DeleteKey([]byte(args[0]), 0, true); err != blinkdb.BLTErrOk {
			fmt.Println("error:", err)
		} else if !tree.Found() {
			fmt.Println("(not found)")
		}

	case "scan", "rscan":
		limit := -1
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Println("usage:", cmd, "[limit]")
				return false
			}
			limit = n
		}
		var keys, vals [][]byte
		if cmd == "scan" {
			_, keys, vals = tree.RangeScan(nil, nil)
		} else {
			_, keys, vals = tree.ReverseScan()
		}
		for i := range keys {
			if limit >= 0 && i >= limit {
				break
			}
			fmt.Printf("%q -> %q\n", keys[i], vals[i])
		}
		fmt.Println(len(keys), "entries")

	case "range":
		if len(args) != 2 {
			fmt.Println("usage: range <lo> <hi>")
			return false
		}
		n, keys, vals := tree.RangeScan([]byte(args[0]), []byte(args[1]))
		for i := range keys {
			fmt.Printf("%q -> %q\n", keys[i], vals[i])
		}
		fmt.Println(n, "entries")

	case "batch", "batchdup":
		if len(args) != 1 {
			fmt.Println("usage:", cmd, "put:k=v,del:k,...")
			return false
		}
		mods, err := parseMods(args[0])
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		unique := cmd == "batch"
		source, blterr := tree.PackSourcePage(mods, unique)
		if blterr != blinkdb.BLTErrOk {
			fmt.Println("error:", blterr)
			return false
		}
		switch n, blterr := tree.AtomicTxn(source, unique); {
		case n < 0:
			fmt.Println("error:", blterr)
		case n > 0:
			fmt.Println("constraint violation at mutation", n)
		default:
			fmt.Println("ok")
		}

	case "dump":
		if len(args) != 1 {
			fmt.Println("usage: dump <path>")
			return false
		}
		if err := dump(tree, args[0]); err != nil {
			fmt.Println("error:", err)
		}

	case "info":
		fmt.Println("reads:", tree.Reads(), "writes:", tree.Writes())

	default:
		fmt.Println("unknown command:", cmd)
	}

	return false
}

func parseMods(spec string) ([]blinkdb.KeyMod, error) {
	var mods []blinkdb.KeyMod
	for _, op := range strings.Split(spec, ",") {
		switch {
		case strings.HasPrefix(op, "put:"):
			kv := strings.SplitN(op[len("put:"):], "=", 2)
			if len(kv) != 2 {
				return nil, fmt.Errorf("bad put op %q", op)
			}
			mods = append(mods, blinkdb.KeyMod{Key: []byte(kv[0]), Value: []byte(kv[1])})
		case strings.HasPrefix(op, "del:"):
			mods = append(mods, blinkdb.KeyMod{Delete: true, Key: []byte(op[len("del:"):])})
		default:
			return nil, fmt.Errorf("bad op %q", op)
		}
	}
	return mods, nil
}

// dump writes every entry as varlen-prefixed key/value records and
// renames the finished file into place.
func dump(tree *blinkdb.BLTree, path string) error {
	_, keys, vals := tree.RangeScan(nil, nil)

	var buf bytes.Buffer
	for i := range keys {
		rec := blinkdb.PutVarlen(nil, len(keys[i]))
		rec = append(rec, keys[i]...)
		rec = blinkdb.PutVarlen(rec, len(vals[i]))
		rec = append(rec, vals[i]...)
		buf.Write(rec)
	}

	if err := atomic.WriteFile(path, &buf); err != nil {
		return err
	}
	fmt.Println(len(keys), "entries dumped to", path)
	return nil
}
