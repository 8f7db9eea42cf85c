package patch

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/EchoTools/patchman/pkg/audio"
	"github.com/EchoTools/patchman/pkg/detect"
	"github.com/EchoTools/patchman/pkg/serialized"
	"github.com/EchoTools/patchman/pkg/texture"
)

// ScratchMode selects where compressed bundles are decompressed to.
type ScratchMode int

const (
	ScratchAuto   ScratchMode = iota // memory below autoScratchLimit, disk above
	ScratchMemory                    // in-memory buffer
	ScratchDisk                      // temporary file beside the output
)

// autoScratchLimit is the uncompressed size above which ScratchAuto uses disk.
const autoScratchLimit = 256 << 20

// ParseScratchMode parses auto, memory or disk.
func ParseScratchMode(s string) (ScratchMode, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return ScratchAuto, nil
	case "memory", "mem":
		return ScratchMemory, nil
	case "disk":
		return ScratchDisk, nil
	}
	return 0, fmt.Errorf("unknown scratch mode %q", s)
}

func (m ScratchMode) String() string {
	switch m {
	case ScratchMemory:
		return "memory"
	case ScratchDisk:
		return "disk"
	default:
		return "auto"
	}
}

// Session carries the state of one patch run: the layout source, the
// logger, and whether any operation changed anything.
type Session struct {
	schema  serialized.SchemaSource
	logger  *slog.Logger
	scratch ScratchMode
	changed bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithScratch sets where compressed bundles are decompressed.
func WithScratch(m ScratchMode) Option {
	return func(s *Session) {
		s.scratch = m
	}
}

// NewSession returns a session resolving layouts from schema, which may be
// nil when every file carries type trees.
func NewSession(schema serialized.SchemaSource, opts ...Option) *Session {
	s := &Session{
		schema: schema,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Changed reports whether any Apply call in the session modified a store.
func (s *Session) Changed() bool { return s.changed }

// Apply runs the batch's operations in order against store. Operations
// naming assets that are not present are skipped. The first error aborts
// the batch and leaves the store partly modified; it must be discarded.
func (s *Session) Apply(store *serialized.Store, batch *Batch) (bool, error) {
	changed := false
	for i := range batch.Operations {
		op := &batch.Operations[i]
		ok, err := s.applyOne(store, op)
		if err != nil {
			return changed, fmt.Errorf("operation %d (%s %q): %w", i, op.AssetType, op.AssetName, err)
		}
		changed = changed || ok
	}
	if changed {
		s.changed = true
	}
	return changed, nil
}

func (s *Session) applyOne(store *serialized.Store, op *Operation) (bool, error) {
	classID, err := op.ClassID()
	if err != nil {
		return false, err
	}
	obj, err := FindByName(store, classID, op.AssetName)
	if err != nil {
		return false, err
	}
	if obj == nil {
		s.logger.Info("asset not found, skipping", "type", op.AssetType, "name", op.AssetName)
		return false, nil
	}

	switch classID {
	case texture.ClassID:
		if info, err := texture.Describe(store, obj); err == nil {
			s.logger.Debug("current texture", "name", info.Name, "size", fmt.Sprintf("%dx%d", info.Width, info.Height), "resource", info.Resource)
		}
		r := texture.Repoint{Path: op.AssetPath, Offset: op.Offset, Size: op.Size, Width: op.Width, Height: op.Height}
		if err := r.Apply(store, obj); err != nil {
			return false, err
		}
		s.logger.Info("repointed texture", "name", op.AssetName, "path_id", obj.PathID, "to", r)

	case audio.ClassID:
		if info, err := audio.Describe(store, obj); err == nil {
			s.logger.Debug("current audio clip", "name", info.Name, "length", info.Length, "resource", info.Resource)
		}
		r := audio.Repoint{Path: op.AssetPath, Offset: op.Offset, Size: op.Size, Length: op.Length}
		if err := r.Apply(store, obj); err != nil {
			return false, err
		}
		s.logger.Info("repointed audio clip", "name", op.AssetName, "path_id", obj.PathID, "to", r)
	}
	return true, nil
}

// PatchAssetFile applies batch to a standalone serialized file and writes
// the result to the batch destination. Nothing is written when no
// operation matched.
func (s *Session) PatchAssetFile(batch *Batch) (bool, error) {
	data, err := os.ReadFile(batch.OriginalFilePath)
	if err != nil {
		return false, fmt.Errorf("read asset file: %w", err)
	}
	if t := detect.Classify(data); t == detect.BundleContainer {
		return false, fmt.Errorf("%w: %s is a bundle", serialized.ErrFormat, batch.OriginalFilePath)
	}

	store, err := serialized.Open(data, "", s.schema)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", batch.OriginalFilePath, err)
	}
	s.logger.Debug("opened asset file", "path", batch.OriginalFilePath, "format", store.Version(),
		"engine", store.EngineVersion(), "objects", len(store.Objects()))

	changed, err := s.Apply(store, batch)
	if err != nil {
		return false, err
	}
	if !changed {
		s.logger.Info("no operation matched, nothing written", "path", batch.OriginalFilePath)
		return false, nil
	}

	out, err := store.Serialize()
	if err != nil {
		return false, fmt.Errorf("serialize: %w", err)
	}
	if err := writeFileAtomic(batch.ModifiedFilePath, func(w io.Writer) error {
		_, err := w.Write(out)
		return err
	}); err != nil {
		return false, err
	}
	s.logger.Info("wrote asset file", "path", batch.ModifiedFilePath, "bytes", len(out))
	return true, nil
}
