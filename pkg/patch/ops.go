// Package patch applies batches of repoint operations to serialized asset
// files, standalone or packed inside bundles.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/EchoTools/patchman/pkg/audio"
	"github.com/EchoTools/patchman/pkg/texture"
)

// ErrOpsFile is returned for missing or malformed ops files.
var ErrOpsFile = errors.New("invalid ops file")

// Asset type names accepted in ops files.
const (
	AssetTexture2D = "Texture2D"
	AssetAudioClip = "AudioClip"
)

// OpImport is the only operation type.
const OpImport = "import"

// Operation repoints one named asset. Width, Height and Length of zero leave
// the corresponding field unchanged.
type Operation struct {
	Type      string  `json:"Type"`
	AssetType string  `json:"AssetType"`
	AssetName string  `json:"AssetName"`
	AssetPath string  `json:"AssetPath"`
	Offset    int64   `json:"Offset"`
	Size      int64   `json:"Size"`
	Width     int     `json:"Width,omitempty"`
	Height    int     `json:"Height,omitempty"`
	Length    float64 `json:"Length,omitempty"`
}

// ClassID returns the engine class the operation targets.
func (op *Operation) ClassID() (int32, error) {
	switch {
	case strings.EqualFold(op.AssetType, AssetTexture2D):
		return texture.ClassID, nil
	case strings.EqualFold(op.AssetType, AssetAudioClip):
		return audio.ClassID, nil
	}
	return 0, fmt.Errorf("%w: unknown asset type %q", ErrOpsFile, op.AssetType)
}

func (op *Operation) String() string {
	return fmt.Sprintf("%s %q -> %s@%d+%d", op.AssetType, op.AssetName, op.AssetPath, op.Offset, op.Size)
}

// Batch is an ordered list of operations with its source and destination.
type Batch struct {
	OriginalFilePath string      `json:"OriginalFilePath"`
	ModifiedFilePath string      `json:"ModifiedFilePath"`
	Operations       []Operation `json:"Operations"`
}

// Validate checks paths and every operation.
func (b *Batch) Validate() error {
	if b.OriginalFilePath == "" {
		return fmt.Errorf("%w: OriginalFilePath is empty", ErrOpsFile)
	}
	if b.ModifiedFilePath == "" {
		return fmt.Errorf("%w: ModifiedFilePath is empty", ErrOpsFile)
	}
	if b.Operations == nil {
		return fmt.Errorf("%w: Operations is missing", ErrOpsFile)
	}
	for i := range b.Operations {
		op := &b.Operations[i]
		if !strings.EqualFold(op.Type, OpImport) {
			return fmt.Errorf("%w: operation %d: unknown type %q", ErrOpsFile, i, op.Type)
		}
		if _, err := op.ClassID(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		if op.AssetName == "" {
			return fmt.Errorf("%w: operation %d: AssetName is empty", ErrOpsFile, i)
		}
		if op.Width < 0 || op.Height < 0 || op.Length < 0 {
			return fmt.Errorf("%w: operation %d: negative dimension or length", ErrOpsFile, i)
		}
	}
	return nil
}

// ParseBatch decodes an ops document. Comments and trailing commas are
// accepted; property names match case-insensitively.
func ParseBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(jsonc.ToJSON(data), &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpsFile, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// LoadBatch reads and parses an ops file.
func LoadBatch(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpsFile, err)
	}
	b, err := ParseBatch(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}
