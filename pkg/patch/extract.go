package patch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/EchoTools/patchman/pkg/bundle"
	"github.com/EchoTools/patchman/pkg/detect"
)

// ExtractOption configures ExtractBundles.
type ExtractOption func(*extractConfig)

type extractConfig struct {
	outputDir string
	keepNames bool
}

// WithOutputDir writes members to dir instead of the scanned directory.
func WithOutputDir(dir string) ExtractOption {
	return func(c *extractConfig) {
		c.outputDir = dir
	}
}

// WithKeepNames names output files after the member alone rather than
// "<bundle>_<member>".
func WithKeepNames(keep bool) ExtractOption {
	return func(c *extractConfig) {
		c.keepNames = keep
	}
}

// ExtractBundles writes every member of every bundle found directly in dir.
// Files that are not bundles are skipped. It returns the written paths.
func (s *Session) ExtractBundles(dir string, opts ...ExtractOption) ([]string, error) {
	cfg := &extractConfig{outputDir: dir}
	for _, opt := range opts {
		opt(cfg)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	if err := os.MkdirAll(cfg.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	var written []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		kind, err := detect.ClassifyFile(path)
		if err != nil {
			return written, err
		}
		if kind != detect.BundleContainer {
			continue
		}

		s.logger.Info("extracting bundle", "path", path)
		out, err := s.extractOne(path, cfg)
		written = append(written, out...)
		if err != nil {
			return written, fmt.Errorf("extract %s: %w", path, err)
		}
	}
	return written, nil
}

func (s *Session) extractOne(path string, cfg *extractConfig) ([]string, error) {
	f, fh, err := bundle.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	src, cleanup, err := s.decompress(f, path+decompressSuffix)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var written []string
	for i, entry := range src.Entries() {
		data, err := src.LoadEntry(i)
		if err != nil {
			return written, fmt.Errorf("load %s: %w", entry.Name, err)
		}

		name := filepath.Base(filepath.FromSlash(entry.Name))
		if !cfg.keepNames {
			name = filepath.Base(path) + "_" + name
		}
		out := filepath.Join(cfg.outputDir, name)
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return written, fmt.Errorf("write member: %w", err)
		}
		s.logger.Info("exported member", "path", out, "bytes", len(data))
		written = append(written, out)
	}
	return written, nil
}
