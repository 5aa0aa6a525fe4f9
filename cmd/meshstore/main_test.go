// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/meshstore/lib/config"
	"github.com/bureau-foundation/meshstore/lib/datakind"
	"github.com/bureau-foundation/meshstore/lib/meshstore"
	"github.com/bureau-foundation/meshstore/lib/nodeheader"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
	"github.com/bureau-foundation/meshstore/lib/streamstore"
)

// runCommand runs the tool with a configuration file in a temporary
// directory and returns its standard output.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvVar, "")
	directory := t.TempDir()
	configPath := filepath.Join(directory, "meshstore.yaml")
	configYAML := "environment: development\n" +
		"paths:\n  temp: " + filepath.Join(directory, "temp") + "\n" +
		"local:\n  compression: zstd\n  verify_checksums: true\n"
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	stderr, err := os.Create(filepath.Join(directory, "stderr"))
	if err != nil {
		t.Fatal(err)
	}
	defer stderr.Close()

	var stdout bytes.Buffer
	err = run(context.Background(), append([]string{"--config", configPath}, args...), &stdout, stderr)
	return stdout.String(), err
}

// newLocalStore creates a local store with a master header, node 1
// and its points block.
func newLocalStore(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "terrain.3sm")
	store, err := meshstore.Open(ctx, meshstore.Options{Location: path})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	master := &nodeheader.MasterHeader{Root: nodeheader.Some(1), Depth: 1, SplitThreshold: 64, Terrain: true}
	if err := store.StoreMasterHeader(ctx, master); err != nil {
		t.Fatal(err)
	}
	header := nodeheader.Empty(1)
	header.IsLeaf = true
	header.NodeCount = 2
	header.TotalCount = 2
	if err := store.NodeDataStore(datakind.Points, header).StoreBlock(ctx, make([]byte, 48), 1); err != nil {
		t.Fatal(err)
	}
	if err := store.StoreNodeHeader(ctx, header); err != nil {
		t.Fatal(err)
	}
	return path
}

func decodeJSON(t *testing.T, output string, target any) {
	t.Helper()
	if err := json.Unmarshal([]byte(output), target); err != nil {
		t.Fatalf("decoding %q: %v", output, err)
	}
}

func TestInfoLocalStore(t *testing.T) {
	path := newLocalStore(t)
	output, err := runCommand(t, "info", "--json", path)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	var info infoOutput
	decodeJSON(t, output, &info)
	if info.Backend != "local" || info.Empty || info.Root != nodeheader.Some(1) || !info.Terrain {
		t.Errorf("info = %+v", info)
	}
	if info.Nodes == nil || *info.Nodes != 1 {
		t.Errorf("nodes = %v, want 1", info.Nodes)
	}

	text, err := runCommand(t, "info", path)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !strings.Contains(text, "split threshold:") || !strings.Contains(text, "64") {
		t.Errorf("text output missing the split threshold:\n%s", text)
	}
}

func TestInfoEmptyStreamingDataset(t *testing.T) {
	output, err := runCommand(t, "info", t.TempDir())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !strings.Contains(output, "streaming") || !strings.Contains(output, "(empty store)") {
		t.Errorf("output:\n%s", output)
	}
}

func TestNodeCommand(t *testing.T) {
	path := newLocalStore(t)
	output, err := runCommand(t, "node", "--json", path, "1")
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	header, err := nodeheader.DecodeJSON([]byte(output))
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if header.ID != 1 || header.NodeCount != 2 {
		t.Errorf("header id %d count %d", header.ID, header.NodeCount)
	}

	output, err = runCommand(t, "node", path, "9")
	var exit interface{ ExitCode() int }
	if !errors.As(err, &exit) || exit.ExitCode() != 1 {
		t.Errorf("missing node error = %v, want exit code 1", err)
	}
	if !strings.Contains(output, "does not exist") {
		t.Errorf("output = %q", output)
	}

	if _, err := runCommand(t, "node", path, "root"); err == nil {
		t.Error("node accepted a non-numeric id")
	}
}

func TestBlocksLocalStore(t *testing.T) {
	path := newLocalStore(t)
	output, err := runCommand(t, "blocks", "--json", "--kind", "points", path)
	if err != nil {
		t.Fatalf("blocks: %v", err)
	}
	var blocks []blockOutput
	decodeJSON(t, output, &blocks)
	if len(blocks) != 1 {
		t.Fatalf("blocks = %+v, want one", blocks)
	}
	if block := blocks[0]; block.Kind != "points" || block.ID != 1 || block.Size != 48 || block.Checksum == "" {
		t.Errorf("block = %+v", block)
	}

	output, err = runCommand(t, "blocks", "--json", "--kind", "texture", path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(output) != "[]" {
		t.Errorf("texture blocks = %s, want []", output)
	}
}

func TestBlocksStreamingDataset(t *testing.T) {
	ctx := context.Background()
	directory := t.TempDir()
	store, err := meshstore.Open(ctx, meshstore.Options{Location: directory})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.NodeDataStore(datakind.Metadata, nil).StoreBlock(ctx, []byte(`{"lod":2}`), nodestore.NodeBlock(5)); err != nil {
		t.Fatal(err)
	}
	store.Close()

	if _, err := runCommand(t, "blocks", directory); err == nil {
		t.Error("blocks without --node succeeded on a streaming dataset")
	}
	output, err := runCommand(t, "blocks", "--json", "--node", "5", directory)
	if err != nil {
		t.Fatalf("blocks: %v", err)
	}
	var blocks []blockOutput
	decodeJSON(t, output, &blocks)
	if len(blocks) != 1 || blocks[0].Kind != "metadata" || blocks[0].Size != 9 {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestVacuumRequiresLocalStore(t *testing.T) {
	if _, err := runCommand(t, "vacuum", newLocalStore(t)); err != nil {
		t.Errorf("vacuum of a local store: %v", err)
	}
	if _, err := runCommand(t, "vacuum", t.TempDir()); !errors.Is(err, meshstore.ErrNotLocal) {
		t.Errorf("vacuum of a streaming dataset = %v, want ErrNotLocal", err)
	}
}

func TestExportClipsWithoutClips(t *testing.T) {
	path := newLocalStore(t)
	output, err := runCommand(t, "export-clips", path, filepath.Join(t.TempDir(), "site.prj"))
	if err != nil {
		t.Fatalf("export-clips: %v", err)
	}
	if !strings.Contains(output, "no clip definitions") {
		t.Errorf("output = %q", output)
	}
}

func TestResolveWritesStub(t *testing.T) {
	stub := filepath.Join(t.TempDir(), "city.s3sm")
	target := "https://cdn.example.com/city/tileset.json"
	output, err := runCommand(t, "resolve", "--json", "--write-stub", stub, target)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var resolved resolveOutput
	decodeJSON(t, output, &resolved)
	if resolved.Location != "http" || resolved.RootDocument != "tileset.json" {
		t.Errorf("resolved = %+v", resolved)
	}

	settings, err := streamstore.ParseSettings(stub)
	if err != nil {
		t.Fatalf("ParseSettings(stub): %v", err)
	}
	if settings.Stub != stub || settings.Location != streamstore.LocationHTTP {
		t.Errorf("stub settings: stub %q location %s", settings.Stub, settings.Location)
	}
}

func TestUnknownCommandSuggestsClosest(t *testing.T) {
	_, err := runCommand(t, "inof")
	if err == nil || !strings.Contains(err.Error(), `did you mean "info"`) {
		t.Errorf("error = %v", err)
	}
	_, err = runCommand(t, "blocks", "--knid", "points", "x.3sm")
	if err == nil || !strings.Contains(err.Error(), "--kind") {
		t.Errorf("error = %v", err)
	}
}

func TestInvalidConfigurationIsRejected(t *testing.T) {
	t.Setenv(config.EnvVar, "")
	configPath := filepath.Join(t.TempDir(), "meshstore.yaml")
	if err := os.WriteFile(configPath, []byte("local:\n  pool_size: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	stderr, err := os.Create(filepath.Join(t.TempDir(), "stderr"))
	if err != nil {
		t.Fatal(err)
	}
	defer stderr.Close()
	err = run(context.Background(), []string{"--config", configPath, "version"}, &bytes.Buffer{}, stderr)
	if err == nil || !strings.Contains(err.Error(), "pool_size") {
		t.Errorf("error = %v, want the pool size complaint", err)
	}
}
