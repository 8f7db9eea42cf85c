package patch_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EchoTools/patchman/internal/testutil"
	"github.com/EchoTools/patchman/pkg/audio"
	"github.com/EchoTools/patchman/pkg/bundle"
	"github.com/EchoTools/patchman/pkg/classdb"
	"github.com/EchoTools/patchman/pkg/patch"
	"github.com/EchoTools/patchman/pkg/serialized"
	"github.com/EchoTools/patchman/pkg/texture"
)

const engine = "2019.4.40f1"

func defaultDB(t *testing.T) *classdb.Database {
	t.Helper()
	db, err := classdb.Default()
	require.NoError(t, err)
	return db
}

// assetFile builds a serialized file with two textures named Icon, a
// texture named Banner and an audio clip named Theme. recordedVersion is
// written to the metadata; "0.0.0" simulates a stripped version.
func assetFile(t *testing.T, recordedVersion string) []byte {
	t.Helper()
	db := defaultDB(t)
	tex, err := db.Resolve(engine, texture.ClassID)
	require.NoError(t, err)
	clip, err := db.Resolve(engine, audio.ClassID)
	require.NoError(t, err)

	le := binary.LittleEndian
	textureData := func(name string, width int) []byte {
		return testutil.EncodeObject(t, tex, le, map[string]any{
			"m_Name":              name,
			"m_Width":             width,
			"m_Height":            width,
			"m_CompleteImageSize": 100,
			"m_StreamData.path":   "archive:/CAB-abc/CAB-abc.resS",
			"m_StreamData.size":   100,
		})
	}
	return testutil.BuildSerialized(t, testutil.FileOptions{EngineVersion: recordedVersion},
		testutil.TestObject{PathID: 1, ClassID: texture.ClassID, Data: textureData("Banner", 64)},
		testutil.TestObject{PathID: 2, ClassID: texture.ClassID, Data: textureData("Icon", 32)},
		testutil.TestObject{PathID: 3, ClassID: texture.ClassID, Data: textureData("Icon", 16)},
		testutil.TestObject{PathID: 4, ClassID: audio.ClassID, Data: testutil.EncodeObject(t, clip, le, map[string]any{
			"m_Name":              "Theme",
			"m_Length":            float32(30),
			"m_Resource.m_Source": "archive:/CAB-abc/CAB-abc.resource",
		})},
	)
}

func iconBatch(src, dst string) *patch.Batch {
	return &patch.Batch{
		OriginalFilePath: src,
		ModifiedFilePath: dst,
		Operations: []patch.Operation{{
			Type:      "import",
			AssetType: "Texture2D",
			AssetName: "Icon",
			AssetPath: "icon_v2.raw",
			Offset:    1024,
			Size:      4096,
			Width:     256,
			Height:    256,
		}},
	}
}

func missingBatch(src, dst string) *patch.Batch {
	b := iconBatch(src, dst)
	b.Operations[0].AssetName = "Nonexistent"
	return b
}

func openStore(t *testing.T, data []byte, hint string) *serialized.Store {
	t.Helper()
	s, err := serialized.Open(data, hint, defaultDB(t))
	require.NoError(t, err)
	return s
}

func TestLoadBatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// property names are matched case-insensitively
		"originalFilePath": "in.assets",
		"MODIFIEDFILEPATH": "out.assets",
		"operations": [
			{"type": "import", "assetType": "Texture2D", "assetName": "Icon",
			 "assetPath": "icon.raw", "offset": 1024, "size": 4096, "width": 256, "height": 128},
			{"Type": "import", "AssetType": "AudioClip", "AssetName": "Theme",
			 "AssetPath": "theme.fsb", "Offset": 0, "Size": 99, "Length": 12.5,},
		],
	}`), 0o644))

	b, err := patch.LoadBatch(path)
	require.NoError(t, err)
	assert.Equal(t, "in.assets", b.OriginalFilePath)
	assert.Equal(t, "out.assets", b.ModifiedFilePath)
	require.Len(t, b.Operations, 2)
	assert.Equal(t, patch.Operation{
		Type: "import", AssetType: "Texture2D", AssetName: "Icon", AssetPath: "icon.raw",
		Offset: 1024, Size: 4096, Width: 256, Height: 128,
	}, b.Operations[0])
	assert.InDelta(t, 12.5, b.Operations[1].Length, 1e-9)

	classID, err := b.Operations[1].ClassID()
	require.NoError(t, err)
	assert.Equal(t, audio.ClassID, classID)
}

func TestLoadBatchErrors(t *testing.T) {
	tests := map[string]string{
		"BadJSON":        `{"OriginalFilePath": `,
		"NoSource":       `{"ModifiedFilePath": "b", "Operations": []}`,
		"NoDestination":  `{"OriginalFilePath": "a", "Operations": []}`,
		"NoOperations":   `{"OriginalFilePath": "a", "ModifiedFilePath": "b"}`,
		"UnknownType":    `{"OriginalFilePath": "a", "ModifiedFilePath": "b", "Operations": [{"Type": "export", "AssetType": "Texture2D", "AssetName": "x"}]}`,
		"UnknownAsset":   `{"OriginalFilePath": "a", "ModifiedFilePath": "b", "Operations": [{"Type": "import", "AssetType": "Mesh", "AssetName": "x"}]}`,
		"EmptyName":      `{"OriginalFilePath": "a", "ModifiedFilePath": "b", "Operations": [{"Type": "import", "AssetType": "AudioClip"}]}`,
		"NegativeWidth":  `{"OriginalFilePath": "a", "ModifiedFilePath": "b", "Operations": [{"Type": "import", "AssetType": "Texture2D", "AssetName": "x", "Width": -1}]}`,
		"WrongValueType": `{"OriginalFilePath": "a", "ModifiedFilePath": "b", "Operations": [{"Type": "import", "AssetType": "Texture2D", "AssetName": "x", "Offset": "ten"}]}`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := patch.ParseBatch([]byte(src))
			require.ErrorIs(t, err, patch.ErrOpsFile)
		})
	}

	_, err := patch.LoadBatch(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, patch.ErrOpsFile)
}

func TestFindByName(t *testing.T) {
	s := openStore(t, assetFile(t, engine), "")

	obj, err := patch.FindByName(s, texture.ClassID, "Icon")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, int64(2), obj.PathID, "first match in storage order")

	obj, err = patch.FindByName(s, texture.ClassID, "icon")
	require.NoError(t, err)
	assert.Nil(t, obj, "names are case-sensitive")

	obj, err = patch.FindByName(s, texture.ClassID, "Theme")
	require.NoError(t, err)
	assert.Nil(t, obj, "only objects of the requested class are searched")

	obj, err = patch.FindByName(s, audio.ClassID, "Theme")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, int64(4), obj.PathID)
}

func TestApply(t *testing.T) {
	t.Run("Icon", func(t *testing.T) {
		s := openStore(t, assetFile(t, engine), "")
		session := patch.NewSession(defaultDB(t))

		changed, err := session.Apply(s, iconBatch("", ""))
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, session.Changed())

		info, err := texture.Describe(s, s.Object(2))
		require.NoError(t, err)
		assert.Equal(t, serialized.Location{Path: "icon_v2.raw", Offset: 1024, Size: 4096}, info.Resource)
		assert.Equal(t, int64(4096), info.CompleteImageSize)
		assert.Equal(t, int64(256), info.Width)
		assert.Equal(t, int64(256), info.Height)

		other, err := texture.Describe(s, s.Object(3))
		require.NoError(t, err)
		assert.Equal(t, "archive:/CAB-abc/CAB-abc.resS", other.Resource.Path, "only the first match is patched")
		assert.False(t, s.Object(3).Dirty())
	})

	t.Run("Nonexistent", func(t *testing.T) {
		data := assetFile(t, engine)
		s := openStore(t, data, "")
		session := patch.NewSession(defaultDB(t))

		changed, err := session.Apply(s, missingBatch("", ""))
		require.NoError(t, err)
		assert.False(t, changed)
		assert.False(t, session.Changed())
		assert.False(t, s.Dirty())

		out, err := s.Serialize()
		require.NoError(t, err)
		assert.Equal(t, data, out)
	})

	t.Run("ZeroDimensionsUnchanged", func(t *testing.T) {
		s := openStore(t, assetFile(t, engine), "")
		b := iconBatch("", "")
		b.Operations[0].Width, b.Operations[0].Height = 0, 0

		_, err := patch.NewSession(defaultDB(t)).Apply(s, b)
		require.NoError(t, err)
		info, err := texture.Describe(s, s.Object(2))
		require.NoError(t, err)
		assert.Equal(t, int64(32), info.Width)
		assert.Equal(t, int64(32), info.Height)
	})

	t.Run("Audio", func(t *testing.T) {
		s := openStore(t, assetFile(t, engine), "")
		b := &patch.Batch{Operations: []patch.Operation{{
			Type: "import", AssetType: "AudioClip", AssetName: "Theme",
			AssetPath: "theme_v2.fsb", Offset: 16, Size: 2048, Length: 45,
		}}}
		changed, err := patch.NewSession(defaultDB(t)).Apply(s, b)
		require.NoError(t, err)
		assert.True(t, changed)

		info, err := audio.Describe(s, s.Object(4))
		require.NoError(t, err)
		assert.Equal(t, serialized.Location{Path: "theme_v2.fsb", Offset: 16, Size: 2048}, info.Resource)
		assert.InDelta(t, 45.0, info.Length, 1e-6)
	})

	t.Run("LaterOperationWins", func(t *testing.T) {
		s := openStore(t, assetFile(t, engine), "")
		b := iconBatch("", "")
		second := b.Operations[0]
		second.AssetPath, second.Width = "icon_v3.raw", 0
		b.Operations = append(b.Operations, second)

		_, err := patch.NewSession(defaultDB(t)).Apply(s, b)
		require.NoError(t, err)
		info, err := texture.Describe(s, s.Object(2))
		require.NoError(t, err)
		assert.Equal(t, "icon_v3.raw", info.Resource.Path)
		assert.Equal(t, int64(256), info.Width)
	})

	t.Run("TypeMismatchAborts", func(t *testing.T) {
		s := openStore(t, assetFile(t, engine), "")
		b := iconBatch("", "")
		b.Operations[0].Offset = 1 << 40 // 32-bit offset field in this layout
		_, err := patch.NewSession(defaultDB(t)).Apply(s, b)
		require.ErrorIs(t, err, serialized.ErrTypeMismatch)
	})
}

func TestPatchAssetFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "level0.assets")
	require.NoError(t, os.WriteFile(src, assetFile(t, engine), 0o644))

	t.Run("Writes", func(t *testing.T) {
		dst := filepath.Join(dir, "patched.assets")
		changed, err := patch.NewSession(defaultDB(t)).PatchAssetFile(iconBatch(src, dst))
		require.NoError(t, err)
		assert.True(t, changed)

		out, err := os.ReadFile(dst)
		require.NoError(t, err)
		s := openStore(t, out, "")
		info, err := texture.Describe(s, s.Object(2))
		require.NoError(t, err)
		assert.Equal(t, serialized.Location{Path: "icon_v2.raw", Offset: 1024, Size: 4096}, info.Resource)
		assert.Equal(t, int64(256), info.Width)
	})

	t.Run("Idempotent", func(t *testing.T) {
		first := filepath.Join(dir, "first.assets")
		second := filepath.Join(dir, "second.assets")
		_, err := patch.NewSession(defaultDB(t)).PatchAssetFile(iconBatch(src, first))
		require.NoError(t, err)
		_, err = patch.NewSession(defaultDB(t)).PatchAssetFile(iconBatch(src, second))
		require.NoError(t, err)

		a, err := os.ReadFile(first)
		require.NoError(t, err)
		b, err := os.ReadFile(second)
		require.NoError(t, err)
		assert.Equal(t, a, b)

		third := filepath.Join(dir, "third.assets")
		_, err = patch.NewSession(defaultDB(t)).PatchAssetFile(iconBatch(first, third))
		require.NoError(t, err)
		c, err := os.ReadFile(third)
		require.NoError(t, err)
		assert.Equal(t, a, c, "patching patched output is a fixed point")
	})

	t.Run("Nonexistent", func(t *testing.T) {
		dst := filepath.Join(dir, "untouched.assets")
		changed, err := patch.NewSession(defaultDB(t)).PatchAssetFile(missingBatch(src, dst))
		require.NoError(t, err)
		assert.False(t, changed)
		assert.NoFileExists(t, dst)
	})

	t.Run("FailureWritesNothing", func(t *testing.T) {
		dst := filepath.Join(dir, "failed.assets")
		b := iconBatch(src, dst)
		b.Operations[0].Offset = -1
		_, err := patch.NewSession(defaultDB(t)).PatchAssetFile(b)
		require.ErrorIs(t, err, serialized.ErrTypeMismatch)
		assert.NoFileExists(t, dst)
	})

	t.Run("RejectsBundle", func(t *testing.T) {
		bundlePath := filepath.Join(dir, "data.unity3d")
		require.NoError(t, os.WriteFile(bundlePath, testutil.BuildBundle(t, engine, bundle.CodecNone,
			bundle.Member{Name: "CAB-abc", Data: assetFile(t, engine)}), 0o644))
		_, err := patch.NewSession(defaultDB(t)).PatchAssetFile(iconBatch(bundlePath, filepath.Join(dir, "x")))
		require.ErrorIs(t, err, serialized.ErrFormat)
	})
}

func writeBundle(t *testing.T, dir string, codec bundle.Codec) string {
	t.Helper()
	// The member records a stripped engine version; the bundle header supplies it.
	data := testutil.BuildBundle(t, engine, codec,
		bundle.Member{Name: "CAB-abc", Flags: bundle.EntrySerialized, Data: assetFile(t, "0.0.0")},
		bundle.Member{Name: "CAB-abc.resS", Data: bytes.Repeat([]byte{0x7F}, 300000)},
	)
	path := filepath.Join(dir, "data.unity3d")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func readBundle(t *testing.T, path string) *bundle.File {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	f, err := bundle.Open(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return f
}

func TestPatchBundle(t *testing.T) {
	tests := []struct {
		codec   bundle.Codec
		scratch patch.ScratchMode
		want    bundle.Compression
	}{
		{bundle.CodecLZ4, patch.ScratchMemory, bundle.CompressionLZ4HC},
		{bundle.CodecLZ4Fast, patch.ScratchDisk, bundle.CompressionLZ4},
		{bundle.CodecLZMA, patch.ScratchAuto, bundle.CompressionLZMA},
		{bundle.CodecNone, patch.ScratchDisk, bundle.CompressionNone},
	}
	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			dir := t.TempDir()
			src := writeBundle(t, dir, bundle.CodecLZ4)
			dst := filepath.Join(dir, "patched.unity3d")

			session := patch.NewSession(defaultDB(t), patch.WithScratch(tt.scratch))
			changed, err := session.PatchBundle(iconBatch(src, dst), tt.codec)
			require.NoError(t, err)
			assert.True(t, changed)

			out := readBundle(t, dst)
			require.NotEmpty(t, out.Blocks())
			assert.Equal(t, tt.want, out.Blocks()[0].Compression())
			assert.Equal(t, tt.codec != bundle.CodecNone, out.Compressed())

			original := readBundle(t, src)
			require.Len(t, out.Entries(), 2)
			for i, e := range out.Entries() {
				assert.Equal(t, original.Entries()[i].Name, e.Name)
			}

			member, err := out.LoadEntry(0)
			require.NoError(t, err)
			s := openStore(t, member, out.Header.EngineRevision)
			info, err := texture.Describe(s, s.Object(2))
			require.NoError(t, err)
			assert.Equal(t, serialized.Location{Path: "icon_v2.raw", Offset: 1024, Size: 4096}, info.Resource)
			assert.Equal(t, int64(4096), info.CompleteImageSize)

			resS, err := out.LoadEntry(1)
			require.NoError(t, err)
			assert.Equal(t, bytes.Repeat([]byte{0x7F}, 300000), resS)

			files, err := os.ReadDir(dir)
			require.NoError(t, err)
			var names []string
			for _, f := range files {
				names = append(names, f.Name())
			}
			assert.ElementsMatch(t, []string{"data.unity3d", "patched.unity3d"}, names, "scratch files are removed")
		})
	}
}

func TestPatchBundleNonexistent(t *testing.T) {
	dir := t.TempDir()
	src := writeBundle(t, dir, bundle.CodecLZMA)
	dst := filepath.Join(dir, "patched.unity3d")

	changed, err := patch.NewSession(defaultDB(t), patch.WithScratch(patch.ScratchDisk)).
		PatchBundle(missingBatch(src, dst), bundle.CodecLZ4)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoFileExists(t, dst)
	assert.NoFileExists(t, dst+".decomp")
}

func TestPatchBundleIdempotent(t *testing.T) {
	dir := t.TempDir()
	src := writeBundle(t, dir, bundle.CodecNone)

	var outputs [][]byte
	for _, name := range []string{"a.unity3d", "b.unity3d"} {
		dst := filepath.Join(dir, name)
		_, err := patch.NewSession(defaultDB(t)).PatchBundle(iconBatch(src, dst), bundle.CodecLZ4)
		require.NoError(t, err)
		data, err := os.ReadFile(dst)
		require.NoError(t, err)
		outputs = append(outputs, data)
	}
	assert.Equal(t, outputs[0], outputs[1])
}

func TestPatchBundleUnknownEngine(t *testing.T) {
	dir := t.TempDir()
	data := testutil.BuildBundle(t, "1.2.3f1", bundle.CodecLZ4,
		bundle.Member{Name: "CAB-abc", Data: assetFile(t, "0.0.0")})
	src := filepath.Join(dir, "data.unity3d")
	require.NoError(t, os.WriteFile(src, data, 0o644))
	dst := filepath.Join(dir, "patched.unity3d")

	_, err := patch.NewSession(defaultDB(t)).PatchBundle(iconBatch(src, dst), bundle.CodecLZ4)
	require.ErrorIs(t, err, serialized.ErrUnknownEngineVersion)
	assert.NoFileExists(t, dst)
}

func TestExtractBundles(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, bundle.CodecLZ4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a bundle, just some text for the sniffer"), 0o644))

	t.Run("Prefixed", func(t *testing.T) {
		out := t.TempDir()
		written, err := patch.NewSession(nil).ExtractBundles(dir, patch.WithOutputDir(out))
		require.NoError(t, err)
		assert.Equal(t, []string{
			filepath.Join(out, "data.unity3d_CAB-abc"),
			filepath.Join(out, "data.unity3d_CAB-abc.resS"),
		}, written)

		member, err := os.ReadFile(written[0])
		require.NoError(t, err)
		assert.Equal(t, assetFile(t, "0.0.0"), member)
	})

	t.Run("KeepNames", func(t *testing.T) {
		out := t.TempDir()
		written, err := patch.NewSession(nil, patch.WithScratch(patch.ScratchDisk)).
			ExtractBundles(dir, patch.WithOutputDir(out), patch.WithKeepNames(true))
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(out, "CAB-abc"), filepath.Join(out, "CAB-abc.resS")}, written)
		assert.NoFileExists(t, filepath.Join(dir, "data.unity3d.decomp"))
	})
}

func TestParseScratchMode(t *testing.T) {
	for in, want := range map[string]patch.ScratchMode{
		"auto": patch.ScratchAuto, "memory": patch.ScratchMemory, "DISK": patch.ScratchDisk,
	} {
		got, err := patch.ParseScratchMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := patch.ParseScratchMode("tape")
	require.Error(t, err)
}
