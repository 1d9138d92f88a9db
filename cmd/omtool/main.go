// omtool - builds, collects, images and inspects object memory heaps
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/oopmem/config"
	"github.com/chazu/oopmem/journal"
	"github.com/chazu/oopmem/vm"
)

func main() {
	configDir := flag.String("config", ".", "Directory to search (upward) for heap.toml or heap.yaml")
	verbosity := flag.Int("v", -1, "Log verbosity 0-5 (overrides the config file)")
	noJournal := flag.Bool("no-journal", false, "Do not record collection cycles")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: omtool [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  demo [N]        Build an object graph, churn N allocations, print statistics\n")
		fmt.Fprintf(os.Stderr, "  write FILE      Write a sample bootstrap image\n")
		fmt.Fprintf(os.Stderr, "  load FILE       Load a bootstrap image, verify it and print its roots\n")
		fmt.Fprintf(os.Stderr, "  history [HEAP]  Show recorded collection cycles\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if *verbosity >= 0 {
		cfg.Log.Verbosity = *verbosity
	}
	if *noJournal {
		cfg.Journal.Enabled = false
	}
	var logPath *string
	if cfg.Log.Path != "" {
		logPath = &cfg.Log.Path
	}
	commonlog.Configure(cfg.Log.Verbosity, logPath)

	if err := run(cfg, args[0], args[1:]); err != nil {
		var fe *vm.FatalError
		if errors.As(err, &fe) {
			fmt.Fprintf(os.Stderr, "Fatal: %s\n", fe.Msg)
			os.Exit(3)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches a command. Fatal VM errors are returned instead of
// unwinding the process so the journal is closed cleanly.
func run(cfg *config.Config, cmd string, args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if !vm.IsFatal(r) {
				panic(r)
			}
			err = r.(error)
		}
	}()

	switch cmd {
	case "demo":
		n := 200000
		if len(args) > 0 {
			if _, err := fmt.Sscan(args[0], &n); err != nil {
				return fmt.Errorf("demo: bad allocation count %q", args[0])
			}
		}
		return withHeap(cfg, func(h *vm.Heap) error { return runDemo(h, n) })
	case "write":
		if len(args) != 1 {
			return errors.New("write: expected FILE")
		}
		return withHeap(cfg, func(h *vm.Heap) error { return writeImage(h, args[0]) })
	case "load":
		if len(args) != 1 {
			return errors.New("load: expected FILE")
		}
		return withHeap(cfg, func(h *vm.Heap) error { return loadImage(h, args[0]) })
	case "history":
		heapID := ""
		if len(args) > 0 {
			heapID = args[0]
		}
		return showHistory(cfg, heapID)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// withHeap creates a heap from cfg, attaches the journal when enabled and
// runs fn.
func withHeap(cfg *config.Config, fn func(h *vm.Heap) error) error {
	opts, err := cfg.HeapOptions()
	if err != nil {
		return err
	}
	h, err := vm.NewHeap(opts)
	if err != nil {
		return err
	}
	defer h.Close()

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.JournalPath())
		if err != nil {
			return err
		}
		defer j.Close()
		j.Attach(h)
		fmt.Printf("Recording cycles of heap %s in %s\n", h.ID(), j.Path())
	}
	return fn(h)
}
