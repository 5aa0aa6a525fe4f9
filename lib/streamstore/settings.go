// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package streamstore

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/meshstore/lib/geom"
)

// Location classifies where a dataset lives.
type Location int

const (
	LocationLocal Location = iota
	LocationRDS
	LocationAzure
	LocationHTTP
)

// String returns the location name.
func (l Location) String() string {
	switch l {
	case LocationLocal:
		return "local"
	case LocationRDS:
		return "rds"
	case LocationAzure:
		return "azure"
	case LocationHTTP:
		return "http"
	default:
		return fmt.Sprintf("location(%d)", int(l))
	}
}

// Host patterns of the recognized cloud services.
const (
	rdsHostMarker   = "realitydataservices"
	rdsPluginMarker = "S3MXECPlugin"
	rdsProjectKey   = "S3MXECPlugin--"
	rdsDatasetKey   = "RealityData/"
	azureHostMarker = "blob.core.windows.net"
)

// StubExtension marks a local file that redirects to a dataset URL.
const StubExtension = ".s3sm"

// stubVersion is the only stub format version understood.
const stubVersion = "1.0"

// Settings is a resolved dataset location. It is immutable once
// parsed except for the transform, which may be discovered from the
// master header after the fact.
type Settings struct {
	Location Location
	// Root is the dataset base: a directory for local datasets, a URL
	// ending in "/" otherwise.
	Root string
	// RootDocument is the document named by the URL, relative to Root.
	// Empty when the URL names the dataset directory.
	RootDocument string

	// ServerID is the host label of cloud datasets.
	ServerID string
	// DatasetID is the dataset GUID of RDS and Azure datasets.
	DatasetID uuid.UUID
	// ProjectID is the RDS project GUID.
	ProjectID string
	// Token is the query string appended to every request: the Azure
	// SAS token, or the query of a generic HTTP URL.
	Token string
	// Localhost is set for HTTP endpoints on the local machine, which
	// are sent no bearer token.
	Localhost bool
	// Stub is the redirect file the settings were read from, if any.
	Stub string

	mu        sync.Mutex
	transform *geom.Transform
}

// Transform returns the transform from tile coordinates into the
// dataset frame, or nil.
func (s *Settings) Transform() *geom.Transform {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transform
}

// DiscoverTransform records t unless a transform is already known and
// reports whether it was recorded.
func (s *Settings) DiscoverTransform(t geom.Transform) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transform != nil {
		return false
	}
	s.transform = &t
	return true
}

// ParseSettings resolves an opaque dataset location: an RDS or Azure
// URL, any other http(s) URL, a local path, or a local stub file.
func ParseSettings(raw string) (*Settings, error) {
	return parseSettings(raw, true)
}

func parseSettings(raw string, followStub bool) (*Settings, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("streamstore: empty dataset location")
	}
	switch {
	case strings.Contains(raw, rdsHostMarker) && strings.Contains(raw, rdsPluginMarker):
		return parseRDS(raw)
	case strings.Contains(raw, azureHostMarker):
		return parseAzure(raw)
	case hasHTTPScheme(raw):
		return parseHTTP(raw)
	case strings.EqualFold(filepath.Ext(raw), StubExtension):
		if !followStub {
			return nil, fmt.Errorf("streamstore: stub %s redirects to another stub", raw)
		}
		return parseStub(raw)
	default:
		return parseLocal(raw)
	}
}

func hasHTTPScheme(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// serverID returns the first label of the host.
func serverID(raw string) string {
	rest := raw
	if index := strings.Index(rest, "://"); index >= 0 {
		rest = rest[index+3:]
	}
	if slash := strings.IndexAny(rest, "/?"); slash >= 0 {
		rest = rest[:slash]
	}
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		return rest[:dot]
	}
	return rest
}

// segmentAfter returns the text after key up to the next slash.
func segmentAfter(raw, key string) (string, int, bool) {
	start := strings.Index(raw, key)
	if start < 0 {
		return "", 0, false
	}
	start += len(key)
	end := strings.IndexAny(raw[start:], "/?")
	if end < 0 {
		return raw[start:], len(raw), true
	}
	return raw[start : start+end], start + end, true
}

func parseRDS(raw string) (*Settings, error) {
	project, _, ok := segmentAfter(raw, rdsProjectKey)
	if !ok || project == "" {
		return nil, fmt.Errorf("streamstore: RDS URL %q has no project id", raw)
	}
	if _, err := uuid.Parse(project); err != nil {
		return nil, fmt.Errorf("streamstore: RDS project id %q: %w", project, err)
	}
	dataset, end, ok := segmentAfter(raw, rdsDatasetKey)
	if !ok || dataset == "" {
		return nil, fmt.Errorf("streamstore: RDS URL %q has no dataset id", raw)
	}
	datasetID, err := uuid.Parse(dataset)
	if err != nil {
		return nil, fmt.Errorf("streamstore: RDS dataset id %q: %w", dataset, err)
	}
	rest := strings.TrimPrefix(raw[end:], "/")
	if query := strings.IndexByte(rest, '?'); query >= 0 {
		rest = rest[:query]
	}
	return &Settings{
		Location:     LocationRDS,
		Root:         raw[:end] + "/",
		RootDocument: rest,
		ServerID:     serverID(raw),
		DatasetID:    datasetID,
		ProjectID:    project,
	}, nil
}

func parseAzure(raw string) (*Settings, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("streamstore: Azure URL: %w", err)
	}
	segments := strings.SplitN(strings.Trim(parsed.Path, "/"), "/", 2)
	if segments[0] == "" {
		return nil, fmt.Errorf("streamstore: Azure URL %q has no dataset container", raw)
	}
	datasetID, err := uuid.Parse(segments[0])
	if err != nil {
		return nil, fmt.Errorf("streamstore: Azure dataset id %q: %w", segments[0], err)
	}
	settings := &Settings{
		Location:  LocationAzure,
		Root:      parsed.Scheme + "://" + parsed.Host + "/" + segments[0] + "/",
		ServerID:  serverID(raw),
		DatasetID: datasetID,
		Token:     parsed.RawQuery,
	}
	if len(segments) == 2 {
		settings.RootDocument = segments[1]
	}
	return settings, nil
}

func parseHTTP(raw string) (*Settings, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("streamstore: dataset URL: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("streamstore: dataset URL %q has no host", raw)
	}
	settings := &Settings{
		Location: LocationHTTP,
		ServerID: serverID(raw),
		Token:    parsed.RawQuery,
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		settings.Localhost = true
	}
	base := parsed.Scheme + "://" + parsed.Host
	if parsed.Path == "" || strings.HasSuffix(parsed.Path, "/") {
		settings.Root = base + parsed.Path
		if parsed.Path == "" {
			settings.Root += "/"
		}
		return settings, nil
	}
	directory, document := path.Split(parsed.Path)
	settings.Root = base + directory
	settings.RootDocument = document
	return settings, nil
}

func parseLocal(raw string) (*Settings, error) {
	absolute, err := filepath.Abs(raw)
	if err != nil {
		return nil, fmt.Errorf("streamstore: %w", err)
	}
	settings := &Settings{Location: LocationLocal}
	info, err := os.Stat(absolute)
	isDirectory := err == nil && info.IsDir()
	if err != nil && filepath.Ext(absolute) == "" {
		// A dataset about to be created.
		isDirectory = true
	}
	if isDirectory {
		settings.Root = absolute
		return settings, nil
	}
	settings.Root = filepath.Dir(absolute)
	settings.RootDocument = filepath.Base(absolute)
	return settings, nil
}

// stub is the one-line JSON redirect held by a stub file.
type stub struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

func parseStub(file string) (*Settings, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("streamstore: reading stub: %w", err)
	}
	var redirect stub
	if err := json.Unmarshal(jsonc.ToJSON(data), &redirect); err != nil {
		return nil, fmt.Errorf("streamstore: stub %s: %w", file, err)
	}
	if redirect.Version != stubVersion {
		return nil, fmt.Errorf("streamstore: stub %s has version %q, want %q", file, redirect.Version, stubVersion)
	}
	if redirect.URL == "" {
		return nil, fmt.Errorf("streamstore: stub %s has no url", file)
	}
	target := redirect.URL
	if !hasHTTPScheme(target) && !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(file), target)
	}
	settings, err := parseSettings(target, false)
	if err != nil {
		return nil, err
	}
	settings.Stub = file
	return settings, nil
}

// WriteStub writes a stub file redirecting to target.
func WriteStub(file, target string) error {
	data, err := json.Marshal(stub{Version: stubVersion, URL: target})
	if err != nil {
		return fmt.Errorf("streamstore: encoding stub: %w", err)
	}
	if err := os.WriteFile(file, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("streamstore: writing stub: %w", err)
	}
	return nil
}
