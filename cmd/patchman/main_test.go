package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EchoTools/patchman/internal/testutil"
	"github.com/EchoTools/patchman/pkg/bundle"
	"github.com/EchoTools/patchman/pkg/classdb"
	"github.com/EchoTools/patchman/pkg/serialized"
	"github.com/EchoTools/patchman/pkg/texture"
)

const engine = "2019.4.40f1"

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var coded interface{ ExitCode() int }
	require.True(t, errors.As(err, &coded), "error %v carries no exit code", err)
	return coded.ExitCode()
}

func writeAssetFile(t *testing.T, dir string) string {
	t.Helper()
	db, err := classdb.Default()
	require.NoError(t, err)
	node, err := db.Resolve(engine, texture.ClassID)
	require.NoError(t, err)

	data := testutil.BuildSerialized(t, testutil.FileOptions{EngineVersion: engine},
		testutil.TestObject{PathID: 1, ClassID: texture.ClassID, Data: testutil.EncodeObject(t, node, binary.LittleEndian, map[string]any{
			"m_Name":            "Icon",
			"m_StreamData.path": "archive:/CAB-abc/CAB-abc.resS",
		})},
	)
	path := filepath.Join(dir, "level0.assets")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func writeOps(t *testing.T, dir, src, dst, name string) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"OriginalFilePath": src,
		"ModifiedFilePath": dst,
		"Operations": []map[string]any{{
			"Type": "import", "AssetType": "Texture2D", "AssetName": name,
			"AssetPath": "icon_v2.raw", "Offset": 1024, "Size": 4096, "Width": 256, "Height": 256,
		}},
	})
	require.NoError(t, err)
	path := filepath.Join(dir, "ops.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestRunUsage(t *testing.T) {
	tests := map[string][]string{
		"NoCommand":      {},
		"UnknownCommand": {"frobnicate"},
		"MissingOps":     {"batchimportasset"},
		"MissingCodec":   {"batchimportbundle", "ops.json"},
		"BadCodec":       {"batchimportbundle", "ops.json", "zip"},
		"BadFlag":        {"--nope", "detect", "x"},
		"BadLogLevel":    {"--log-level", "loud", "detect", "x"},
		"BadLogFormat":   {"--log-format", "xml", "detect", "x"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			err := run(args, &bytes.Buffer{}, &bytes.Buffer{})
			assert.Equal(t, exitUsage, exitCode(t, err))
		})
	}
}

func TestRunHelp(t *testing.T) {
	var stdout bytes.Buffer
	require.NoError(t, run([]string{"help"}, &stdout, &bytes.Buffer{}))
	assert.Contains(t, stdout.String(), "batchimportbundle")
	assert.Contains(t, stdout.String(), "--classdata")
}

func TestRunOpsFileErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"OriginalFilePath": 1}`), 0o644))

	err := run([]string{"batchimportasset", bad}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, exitOps, exitCode(t, err))

	err = run([]string{"batchimportbundle", filepath.Join(dir, "missing.json"), "lz4"}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, exitOps, exitCode(t, err))
}

func TestRunBatchImportAsset(t *testing.T) {
	dir := t.TempDir()
	src := writeAssetFile(t, dir)
	dst := filepath.Join(dir, "patched.assets")

	var stdout bytes.Buffer
	err := run([]string{"--log-level", "debug", "batchimportasset", writeOps(t, dir, src, dst, "Icon")}, &stdout, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "Patch complete")

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	db, err := classdb.Default()
	require.NoError(t, err)
	s, err := serialized.Open(data, "", db)
	require.NoError(t, err)
	info, err := texture.Describe(s, s.Object(1))
	require.NoError(t, err)
	assert.Equal(t, serialized.Location{Path: "icon_v2.raw", Offset: 1024, Size: 4096}, info.Resource)
	assert.Equal(t, int64(4096), info.CompleteImageSize)
}

func TestRunBatchImportAssetNoMatch(t *testing.T) {
	dir := t.TempDir()
	src := writeAssetFile(t, dir)
	dst := filepath.Join(dir, "patched.assets")

	var stdout bytes.Buffer
	err := run([]string{"batchimportasset", writeOps(t, dir, src, dst, "Nonexistent")}, &stdout, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "nothing written")
	assert.NoFileExists(t, dst)
}

func TestRunPatchFailure(t *testing.T) {
	dir := t.TempDir()
	notAsset := filepath.Join(dir, "junk.bin")
	require.NoError(t, os.WriteFile(notAsset, bytes.Repeat([]byte{0xFF}, 64), 0o644))

	err := run([]string{"batchimportasset", writeOps(t, dir, notAsset, filepath.Join(dir, "out"), "Icon")},
		&bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, exitPatch, exitCode(t, err))
}

func TestRunBatchImportBundle(t *testing.T) {
	dir := t.TempDir()
	asset, err := os.ReadFile(writeAssetFile(t, dir))
	require.NoError(t, err)
	src := filepath.Join(dir, "data.unity3d")
	require.NoError(t, os.WriteFile(src, testutil.BuildBundle(t, engine, bundle.CodecLZ4,
		bundle.Member{Name: "CAB-abc", Flags: bundle.EntrySerialized, Data: asset}), 0o644))
	dst := filepath.Join(dir, "patched.unity3d")

	err = run([]string{"--scratch", "disk", "batchimportbundle", writeOps(t, dir, src, dst, "Icon"), "none"},
		&bytes.Buffer{}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.FileExists(t, dst)
	assert.NoFileExists(t, dst+".decomp")
	assert.NoFileExists(t, dst+".uncompressed")
}

func TestRunDetect(t *testing.T) {
	dir := t.TempDir()
	src := writeAssetFile(t, dir)

	var stdout bytes.Buffer
	require.NoError(t, run([]string{"detect", src}, &stdout, &bytes.Buffer{}))
	assert.Equal(t, src+": SerializedAsset\n", stdout.String())
}

func TestRunBuildClassDB(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "schema.yaml")
	require.NoError(t, os.WriteFile(src, classdb.DefaultYAML(), 0o644))
	dst := filepath.Join(dir, "classes.ucdb")

	require.NoError(t, run([]string{"buildclassdb", src, dst}, &bytes.Buffer{}, &bytes.Buffer{}))

	db, err := classdb.Load(dst)
	require.NoError(t, err)
	assert.NotEmpty(t, db.Versions())

	// The packed database is usable as --classdata.
	assetDir := t.TempDir()
	asset := writeAssetFile(t, assetDir)
	err = run([]string{"--classdata", dst, "batchimportasset",
		writeOps(t, assetDir, asset, filepath.Join(assetDir, "out.assets"), "Icon")}, &bytes.Buffer{}, &bytes.Buffer{})
	require.NoError(t, err)
}
