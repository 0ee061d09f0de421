package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/avrc/internal/asm"
	"github.com/tinyrange/avrc/internal/ir"
	_ "github.com/tinyrange/avrc/internal/ir/avr"
	"github.com/tinyrange/avrc/internal/target"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "avrc: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	target         string
	optimize       bool
	noOptimize     bool
	deadCodeOnly   bool
	output         string
	listing        string
	base           uint
	only           string
	allowUndefined bool
	verbose        bool
}

func run() error {
	var opts options
	flag.StringVar(&opts.target, "target", target.DefaultName, "Target description (.yaml or .toml) or built-in name")
	flag.BoolVar(&opts.optimize, "O", false, "Enable the optimizer")
	flag.BoolVar(&opts.noOptimize, "O0", false, "Disable the optimizer even if the target enables it")
	flag.BoolVar(&opts.deadCodeOnly, "O1", false, "Only remove dead code")
	flag.StringVar(&opts.output, "o", "", "Output image (default: <program>.bin)")
	flag.StringVar(&opts.listing, "listing", "", "Write a listing to this file (- for stdout)")
	flag.UintVar(&opts.base, "base", 0, "Flash load address of the image")
	flag.StringVar(&opts.only, "only", "", "Comma-separated procedures to compile")
	flag.BoolVar(&opts.allowUndefined, "allow-undefined", false, "Warn instead of failing on undefined symbols")
	flag.BoolVar(&opts.verbose, "v", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <program.yaml>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Compile an IR program into a flash image.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("program file required")
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	return compile(ctx, log, flag.Arg(0), opts)
}

func compile(ctx context.Context, log *slog.Logger, path string, opts options) error {
	desc, err := target.Load(opts.target)
	if err != nil {
		return fmt.Errorf("load target: %w", err)
	}
	switch {
	case opts.noOptimize:
		desc.Optimizer.Enabled = false
	case opts.deadCodeOnly:
		desc.Optimizer.Enabled, desc.Optimizer.DeadCodeOnly = true, true
	case opts.optimize:
		desc.Optimizer.Enabled, desc.Optimizer.DeadCodeOnly = true, false
	}

	prog, err := ir.LoadProgram(path)
	if err != nil {
		return err
	}
	log.Debug("loaded program", "name", prog.Name, "procedures", len(prog.Procedures), "target", desc.Name)

	b, err := ir.NewBackend(desc.Backend, log)
	if err != nil {
		return err
	}
	b.Init(desc.Target())
	if err := b.Err(); err != nil {
		return fmt.Errorf("init backend: %w", err)
	}

	lopts := ir.LowerOptions{Only: splitList(opts.only)}
	total := len(prog.Procedures)
	if len(lopts.Only) > 0 {
		total = len(lopts.Only)
	}

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) && !opts.verbose {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("compiling "+prog.Name),
		)
	}

	var listing bytes.Buffer
	lopts.Progress = func(name string) {
		if opts.listing != "" {
			fmt.Fprintf(&listing, "%s:\n", name)
			if err := b.Listing(&listing); err != nil {
				log.Warn("listing failed", "proc", name, "error", err)
			}
			listing.WriteString("\n")
		}
		if bar != nil {
			bar.Add(1)
		}
	}

	progs, err := ir.Lower(ctx, b, prog, lopts)
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}

	im, err := link(log, b, progs, prog.Globals, uint32(opts.base), opts.allowUndefined)
	if err != nil {
		return err
	}
	code := im.Bytes()
	if int(opts.base)+len(code) > desc.Memory.FlashSize {
		return fmt.Errorf("image of %d bytes at %#x exceeds %d bytes of flash", len(code), opts.base, desc.Memory.FlashSize)
	}

	out := opts.output
	if out == "" {
		out = strings.TrimSuffix(path, filepath.Ext(path)) + ".bin"
	}
	if err := os.WriteFile(out, code, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	log.Info("wrote image", "path", out, "bytes", len(code), "procedures", len(progs))

	if opts.listing != "" {
		return writeListing(opts.listing, listing.String())
	}
	return nil
}

func link(log *slog.Logger, p asm.Patcher, progs []asm.Program, globals map[string]int, base uint32, allowUndefined bool) (*asm.Image, error) {
	im := asm.NewImage(base)
	for _, pr := range progs {
		addr, err := im.Add(pr)
		if err != nil {
			return nil, fmt.Errorf("place %s: %w", pr.Name(), err)
		}
		log.Debug("placed", "proc", pr.Name(), "addr", addr, "bytes", pr.Size())
	}
	for name, addr := range globals {
		im.DefineData(name, uint32(addr))
	}
	missing, err := im.Link(p)
	if err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}
	if len(missing) > 0 {
		if !allowUndefined {
			return nil, fmt.Errorf("undefined symbols: %s", strings.Join(missing, ", "))
		}
		log.Warn("undefined symbols", "symbols", missing)
	}
	return im, nil
}

func writeListing(path, text string) error {
	if path != "-" {
		return os.WriteFile(path, []byte(text), 0o644)
	}
	width := 0
	color := term.IsTerminal(int(os.Stdout.Fd()))
	if color {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = w
		}
	}
	return styleListing(os.Stdout, text, color, width)
}

func splitList(s string) map[string]bool {
	if s == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out[name] = true
		}
	}
	return out
}
