// Package main provides a command-line tool for repointing textures and
// audio clips in Unity asset files and bundles.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/EchoTools/patchman/pkg/bundle"
	"github.com/EchoTools/patchman/pkg/classdb"
	"github.com/EchoTools/patchman/pkg/detect"
	"github.com/EchoTools/patchman/pkg/patch"
)

// Exit codes.
const (
	exitUsage = 1
	exitOps   = 2
	exitPatch = 3
)

// exitError carries the process exit code for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func usageError(format string, args ...any) error {
	return &exitError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

// classify assigns an exit code to an error returned by a command.
func classify(err error) error {
	var coded *exitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &coded):
		return err
	case errors.Is(err, patch.ErrOpsFile):
		return &exitError{code: exitOps, err: err}
	default:
		return &exitError{code: exitPatch, err: err}
	}
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

type options struct {
	classData string
	scratch   string
	logLevel  string
	logFormat string
	keepNames bool
	memory    bool
	outputDir string
}

func newFlagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("patchman", pflag.ContinueOnError)
	fs.StringVar(&opts.classData, "classdata", "", "class database (YAML or packed); default is the built-in database")
	fs.StringVar(&opts.scratch, "scratch", "auto", "where compressed bundles are decompressed: auto, memory, disk")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&opts.logFormat, "log-format", "text", "log format: text, json")
	fs.BoolVar(&opts.keepNames, "keep-names", false, "extractbundle: name outputs after the member only")
	fs.BoolVar(&opts.memory, "memory", false, "extractbundle: decompress in memory")
	fs.StringVarP(&opts.outputDir, "out", "o", "", "extractbundle: output directory (default: the scanned directory)")
	fs.BoolP("help", "h", false, "show help")
	return fs
}

func run(args []string, stdout, stderr io.Writer) error {
	var opts options
	fs := newFlagSet(&opts)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, fs)
			return nil
		}
		return usageError("%v", err)
	}
	if help, _ := fs.GetBool("help"); help {
		printHelp(stderr, fs)
		return nil
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printHelp(stderr, fs)
		return usageError("command is required")
	}

	logger, err := newLogger(stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}

	cmd, rest := rest[0], rest[1:]
	switch cmd {
	case "batchimportasset":
		if len(rest) != 1 {
			return usageError("usage: patchman batchimportasset <ops>")
		}
		return classify(runImportAsset(stdout, logger, &opts, rest[0]))
	case "batchimportbundle":
		if len(rest) != 2 {
			return usageError("usage: patchman batchimportbundle <ops> <lzma|lz4|lz4fast|none>")
		}
		codec, err := bundle.ParseCodec(rest[1])
		if err != nil {
			return usageError("%v", err)
		}
		return classify(runImportBundle(stdout, logger, &opts, rest[0], codec))
	case "extractbundle":
		if len(rest) != 1 {
			return usageError("usage: patchman extractbundle <dir> [--keep-names] [--memory] [--out <dir>]")
		}
		return classify(runExtract(stdout, logger, &opts, rest[0]))
	case "detect":
		if len(rest) == 0 {
			return usageError("usage: patchman detect <file>...")
		}
		return classify(runDetect(stdout, rest))
	case "buildclassdb":
		if len(rest) != 2 {
			return usageError("usage: patchman buildclassdb <schema.yaml> <out>")
		}
		return classify(runBuildClassDB(stdout, rest[0], rest[1]))
	case "help":
		printHelp(stdout, fs)
		return nil
	default:
		return usageError("unknown command: %s", cmd)
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, usageError("invalid --log-level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, usageError("invalid --log-format %q (want text or json)", format)
	}
}

func newSession(logger *slog.Logger, opts *options) (*patch.Session, error) {
	mode, err := patch.ParseScratchMode(opts.scratch)
	if err != nil {
		return nil, usageError("%v", err)
	}
	if opts.memory {
		mode = patch.ScratchMemory
	}

	var db *classdb.Database
	if opts.classData != "" {
		db, err = classdb.Load(opts.classData)
	} else {
		db, err = classdb.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("load class database: %w", err)
	}
	logger.Debug("class database loaded", "source", opts.classData, "versions", db.Versions())

	return patch.NewSession(db, patch.WithLogger(logger), patch.WithScratch(mode)), nil
}

func runImportAsset(stdout io.Writer, logger *slog.Logger, opts *options, opsPath string) error {
	batch, err := patch.LoadBatch(opsPath)
	if err != nil {
		return err
	}
	session, err := newSession(logger, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Patching %s (%d operations)...\n", batch.OriginalFilePath, len(batch.Operations))
	changed, err := session.PatchAssetFile(batch)
	if err != nil {
		return fmt.Errorf("patch %s: %w", batch.OriginalFilePath, err)
	}
	printResult(stdout, changed, batch.ModifiedFilePath)
	return nil
}

func runImportBundle(stdout io.Writer, logger *slog.Logger, opts *options, opsPath string, codec bundle.Codec) error {
	batch, err := patch.LoadBatch(opsPath)
	if err != nil {
		return err
	}
	session, err := newSession(logger, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Patching bundle %s (%d operations, %s)...\n", batch.OriginalFilePath, len(batch.Operations), codec)
	changed, err := session.PatchBundle(batch, codec)
	if err != nil {
		return fmt.Errorf("patch %s: %w", batch.OriginalFilePath, err)
	}
	printResult(stdout, changed, batch.ModifiedFilePath)
	return nil
}

func printResult(stdout io.Writer, changed bool, dst string) {
	if !changed {
		fmt.Fprintln(stdout, "No matching assets; nothing written.")
		return
	}
	fmt.Fprintf(stdout, "Patch complete. Output written to %s\n", dst)
}

func runExtract(stdout io.Writer, logger *slog.Logger, opts *options, dir string) error {
	mode := patch.ScratchDisk
	if opts.memory {
		mode = patch.ScratchMemory
	}
	session := patch.NewSession(nil, patch.WithLogger(logger), patch.WithScratch(mode))

	extractOpts := []patch.ExtractOption{patch.WithKeepNames(opts.keepNames)}
	if opts.outputDir != "" {
		extractOpts = append(extractOpts, patch.WithOutputDir(opts.outputDir))
	}

	fmt.Fprintf(stdout, "Extracting bundles in %s...\n", dir)
	written, err := session.ExtractBundles(dir, extractOpts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Extraction complete. %d files written.\n", len(written))
	return nil
}

func runDetect(stdout io.Writer, paths []string) error {
	for _, path := range paths {
		t, err := detect.ClassifyFile(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: %s\n", path, t)
	}
	return nil
}

func runBuildClassDB(stdout io.Writer, src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if err := classdb.WritePackage(dst, data); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Class database written to %s\n", dst)
	return nil
}

func printHelp(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, `patchman repoints Texture2D and AudioClip assets to external resources.

Usage:
  patchman [flags] <command> [args]

Commands:
  batchimportasset <ops>                          patch a serialized asset file
  batchimportbundle <ops> <lzma|lz4|lz4fast|none> patch the asset file inside a bundle
  extractbundle <dir>                             export every member of every bundle in dir
  detect <file>...                                report whether files are bundles or asset files
  buildclassdb <schema.yaml> <out>                pack a class database
  help                                            show this help

Exit status is 1 for bad arguments, 2 for an invalid ops file and 3 when
patching fails.

Flags:
`)
	fs.SetOutput(w)
	fs.PrintDefaults()
}
