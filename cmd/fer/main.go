// Ferrite CLI - build, inspect, store, and run Ferrite machine images
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tliron/commonlog"

	"github.com/ferrite-lang/ferrite/manifest"
	"github.com/ferrite-lang/ferrite/store"
	"github.com/ferrite-lang/ferrite/vm"
	"github.com/ferrite-lang/ferrite/vm/image"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("fer")

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "run":
		err = cmdRun(args[1:])
	case "build":
		err = cmdBuild(args[1:])
	case "disasm":
		err = cmdDisasm(args[1:])
	case "info":
		err = cmdInfo(args[1:])
	case "store":
		err = cmdStore(args[1:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: fer <command> [options] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Builds, inspects, stores, and runs Ferrite machine images.\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run <image>       Execute an image\n")
	fmt.Fprintf(os.Stderr, "  build             Build an image from the nearest ferrite.toml\n")
	fmt.Fprintf(os.Stderr, "  disasm <image>    Disassemble an image's bytecode\n")
	fmt.Fprintf(os.Stderr, "  info <image>      Show image metadata\n")
	fmt.Fprintf(os.Stderr, "  store <op>        Manage the local image store (add, ls, get, rm)\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  fer build -store                # Build the project, cache the image\n")
	fmt.Fprintf(os.Stderr, "  fer run -trace demo.fri         # Run with an instruction trace\n")
	fmt.Fprintf(os.Stderr, "  fer run -timeout 5s demo.fri    # Abort if still running after 5s\n")
	fmt.Fprintf(os.Stderr, "  fer run -a 2,3 demo.fri         # Override the image's A-inputs\n")
	fmt.Fprintf(os.Stderr, "  fer disasm demo.fri             # Print the bytecode listing\n")
	fmt.Fprintf(os.Stderr, "  fer store ls                    # List cached images\n")
}

// configureLogging maps the shared -v flag onto the log backend.
func configureLogging(verbose bool) {
	verbosity := 0
	if verbose {
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)
}

// parseInputList parses a comma-separated list of raw 64-bit payloads.
// Hex (0x...) and octal forms are accepted.
func parseInputList(s string) ([]uint64, error) {
	parts := strings.Split(s, ",")
	vals := make([]uint64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", part, err)
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// loadImage reads and decodes one image file.
func loadImage(path string) (*image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	defer f.Close()

	img, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// ---------------------------------------------------------------------------
// fer run
// ---------------------------------------------------------------------------

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	verbose := fs.Bool("v", false, "Verbose output")
	traceExec := fs.Bool("trace", false, "Trace each executed instruction to stderr")
	stepLimit := fs.Uint64("step-limit", 0, "Override the image's step limit (0 keeps it)")
	aInputs := fs.String("a", "", "Comma-separated raw A-inputs (overrides the image)")
	bInputs := fs.String("b", "", "Comma-separated raw B-inputs (overrides the image)")
	timeout := fs.Duration("timeout", 0, "Abort execution after this duration (0 = none)")
	sweepInterval := fs.Duration("sweep-interval", vm.DefaultSweepInterval, "Background heap sweep interval")
	noSweep := fs.Bool("no-sweep", false, "Disable the background sweeper")
	exitTop := fs.Bool("exit-top", false, "On halt, exit with the final stack top's low byte")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fer run [options] <image>\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	configureLogging(*verbose)

	img, err := loadImage(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := img.Validate(); err != nil {
		return err
	}
	if *aInputs != "" {
		if img.AInputs, err = parseInputList(*aInputs); err != nil {
			return fmt.Errorf("bad -a list: %w", err)
		}
	}
	if *bInputs != "" {
		if img.BInputs, err = parseInputList(*bInputs); err != nil {
			return fmt.Errorf("bad -b list: %w", err)
		}
	}
	log.Infof("loaded image %q (%d bytes of code)", img.Name, len(img.Code))

	heap, err := img.NewHeap()
	if err != nil {
		return err
	}

	if !*noSweep {
		sweeper := vm.NewSweeper(heap, *sweepInterval)
		sweeper.Start()
		defer sweeper.Stop()
	}

	var opts []vm.MachineOption
	if *traceExec {
		opts = append(opts, vm.WithTrace(os.Stderr))
	}
	if *stepLimit > 0 {
		opts = append(opts, vm.WithStepLimit(*stepLimit))
	}
	machine, err := img.NewMachine(heap, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	start := time.Now()
	execErr := machine.ExecuteContext(ctx)
	elapsed := time.Since(start)

	stats := heap.Stats()
	log.Infof("executed %d steps in %s", machine.Steps(), elapsed.Round(time.Microsecond))
	log.Infof("heap: allocs=%d frees=%d sweeps=%d", stats.Allocs, stats.Frees, stats.Sweeps)

	if execErr != nil {
		return fmt.Errorf("%w (after %d steps)", execErr, machine.Steps())
	}

	fmt.Printf("Halted after %d steps\n", machine.Steps())
	if top, ok := machine.Top(); ok {
		fmt.Printf("Result: %s\n", top)
		// Mirror shell conventions when asked: a raw result's low byte
		// becomes the process exit code.
		if *exitTop && top.IsRaw() {
			os.Exit(int(top.Uint64() & 0xFF))
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// fer build
// ---------------------------------------------------------------------------

func cmdBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	verbose := fs.Bool("v", false, "Verbose output")
	dir := fs.String("C", ".", "Project directory (walks up to find ferrite.toml)")
	output := fs.String("o", "", "Output path (overrides the manifest)")
	toStore := fs.Bool("store", false, "Also add the built image to the local store")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fer build [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	configureLogging(*verbose)

	m, err := manifest.FindAndLoad(*dir)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("no ferrite.toml found from %s upward", *dir)
	}
	log.Infof("using manifest in %s", m.Dir)

	code, err := os.ReadFile(m.CodePath())
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", m.CodePath(), err)
	}

	name := m.Project.Name
	if name == "" {
		name = filepath.Base(m.Dir)
	}
	img := &image.Image{
		Name:          name,
		Code:          code,
		Entry:         m.Program.Entry,
		AInputs:       m.Program.AInputs,
		BInputs:       m.Program.BInputs,
		SizeClasses:   m.Heap.SizeClasses,
		ClassCapacity: m.Heap.ClassCapacity,
		StackCapacity: m.Machine.StackCapacity,
		Registers:     m.Machine.Registers,
		StepLimit:     m.Machine.StepLimit,
	}
	if err := img.Validate(); err != nil {
		return err
	}

	data, err := img.EncodeBytes()
	if err != nil {
		return err
	}
	out := m.OutputPath()
	if *output != "" {
		out = *output
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}

	hash, err := img.Hash()
	if err != nil {
		return err
	}
	fmt.Printf("Built %s (%d bytes)\n", out, len(data))
	fmt.Printf("Hash: %s\n", hash)

	if *toStore {
		st, err := store.OpenDefault()
		if err != nil {
			return err
		}
		defer st.Close()
		if _, err := st.Put(img.Name, data); err != nil {
			return err
		}
		fmt.Printf("Stored as %q\n", img.Name)
	}
	return nil
}

// ---------------------------------------------------------------------------
// fer disasm
// ---------------------------------------------------------------------------

func cmdDisasm(args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	raw := fs.Bool("raw", false, "Treat the input as raw bytecode, not an image")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fer disasm [options] <image>\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	var code []byte
	if *raw {
		data, err := os.ReadFile(fs.Arg(0))
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", fs.Arg(0), err)
		}
		code = data
	} else {
		img, err := loadImage(fs.Arg(0))
		if err != nil {
			return err
		}
		code = img.Code
	}

	fmt.Print(vm.Disassemble(code))
	return nil
}

// ---------------------------------------------------------------------------
// fer info
// ---------------------------------------------------------------------------

func cmdInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fer info <image>\n")
	}
	fs.Parse(args)

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	img, err := loadImage(fs.Arg(0))
	if err != nil {
		return err
	}
	hash, err := img.Hash()
	if err != nil {
		return err
	}

	fmt.Printf("Name:           %s\n", img.Name)
	fmt.Printf("Hash:           %s\n", hash)
	fmt.Printf("Code:           %d bytes\n", len(img.Code))
	fmt.Printf("Entry:          %d\n", img.Entry)
	fmt.Printf("Inputs:         %d A, %d B\n", len(img.AInputs), len(img.BInputs))
	fmt.Printf("Size classes:   %v\n", img.SizeClasses)
	if img.ClassCapacity > 0 {
		fmt.Printf("Class capacity: %d\n", img.ClassCapacity)
	}
	if img.StackCapacity > 0 {
		fmt.Printf("Stack:          %d\n", img.StackCapacity)
	}
	if img.Registers > 0 {
		fmt.Printf("Registers:      %d\n", img.Registers)
	}
	if img.StepLimit > 0 {
		fmt.Printf("Step limit:     %d\n", img.StepLimit)
	}
	for k, v := range img.Notes {
		fmt.Printf("Note %s: %s\n", k, v)
	}
	if err := img.Validate(); err != nil {
		fmt.Printf("Valid:          no (%v)\n", err)
	} else {
		fmt.Printf("Valid:          yes\n")
	}
	return nil
}

// ---------------------------------------------------------------------------
// fer store
// ---------------------------------------------------------------------------

func cmdStore(args []string) error {
	fs := flag.NewFlagSet("store", flag.ExitOnError)
	dbPath := fs.String("db", "", "Store database path (default: $FERRITE_STORE or ~/.ferrite/store.db)")
	output := fs.String("o", "", "Output path for 'get' (default: <name>.fri)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fer store [options] <op> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Operations:\n")
		fmt.Fprintf(os.Stderr, "  add <image>   Add an image file to the store\n")
		fmt.Fprintf(os.Stderr, "  ls            List stored images, newest first\n")
		fmt.Fprintf(os.Stderr, "  get <hash>    Write a stored image back to a file\n")
		fmt.Fprintf(os.Stderr, "  rm <hash>     Remove a stored image\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	st, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	switch fs.Arg(0) {
	case "add":
		if fs.NArg() != 2 {
			return errors.New("store add: expected an image path")
		}
		data, err := os.ReadFile(fs.Arg(1))
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", fs.Arg(1), err)
		}
		img, err := image.DecodeBytes(data)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", fs.Arg(1), err)
		}
		hash, err := st.Put(img.Name, data)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", hash, img.Name)
		return nil

	case "ls", "list":
		entries, err := st.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%-12.12s  %-24s %8d  %s\n",
				e.Hash, e.Name, e.Size, e.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil

	case "get":
		if fs.NArg() != 2 {
			return errors.New("store get: expected an image hash")
		}
		data, err := st.Get(fs.Arg(1))
		if err != nil {
			return err
		}
		out := *output
		if out == "" {
			img, err := image.DecodeBytes(data)
			if err != nil {
				return err
			}
			out = img.Name + ".fri"
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", out, err)
		}
		fmt.Printf("Wrote %s (%d bytes)\n", out, len(data))
		return nil

	case "rm", "delete":
		if fs.NArg() != 2 {
			return errors.New("store rm: expected an image hash")
		}
		return st.Delete(fs.Arg(1))

	default:
		return fmt.Errorf("unknown store operation: %s", fs.Arg(0))
	}
}

func openStore(dbPath string) (*store.Store, error) {
	if dbPath != "" {
		return store.Open(dbPath)
	}
	return store.OpenDefault()
}
