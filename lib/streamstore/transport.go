// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package streamstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/meshstore/lib/netutil"
	"github.com/bureau-foundation/meshstore/lib/nodestore"
)

// Transport moves dataset blobs. Names are slash-separated and
// relative to the dataset root. A missing blob is reported with an
// error wrapping nodestore.ErrNotFound. Implementations are safe for
// concurrent use.
type Transport interface {
	Read(ctx context.Context, name string) ([]byte, error)
	// Write replaces name with the concatenation of segments.
	Write(ctx context.Context, name string, segments ...[]byte) error
	// Delete removes name and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// FileTransport serves a dataset from a local directory.
type FileTransport struct {
	root string
}

var _ Transport = (*FileTransport)(nil)

// NewFileTransport returns a transport rooted at directory root.
func NewFileTransport(root string) *FileTransport {
	return &FileTransport{root: root}
}

func (t *FileTransport) path(name string) (string, error) {
	clean := filepath.FromSlash(name)
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("streamstore: blob name %q escapes the dataset root", name)
	}
	return filepath.Join(t.root, clean), nil
}

func (t *FileTransport) Read(_ context.Context, name string) ([]byte, error) {
	path, err := t.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", nodestore.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("streamstore: %w", err)
	}
	return data, nil
}

// Write writes segments to a temporary file in the target directory
// and renames it over name, so readers never see a partial blob.
func (t *FileTransport) Write(_ context.Context, name string, segments ...[]byte) error {
	path, err := t.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("streamstore: %w", err)
	}
	file, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("streamstore: %w", err)
	}
	for _, segment := range segments {
		if _, err := file.Write(segment); err != nil {
			file.Close()
			os.Remove(file.Name())
			return fmt.Errorf("streamstore: writing %s: %w", name, err)
		}
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return fmt.Errorf("streamstore: writing %s: %w", name, err)
	}
	if err := os.Rename(file.Name(), path); err != nil {
		os.Remove(file.Name())
		return fmt.Errorf("streamstore: %w", err)
	}
	return nil
}

func (t *FileTransport) Delete(_ context.Context, name string) (bool, error) {
	path, err := t.path(name)
	if err != nil {
		return false, err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("streamstore: %w", err)
	}
	return true, nil
}

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// Base is the dataset root URL. A trailing slash is added when
	// missing.
	Base string
	// Query is appended to every request URL (an Azure SAS token).
	Query string
	// AuthToken is sent as a bearer token when set.
	AuthToken string
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// MaxBlobSize bounds response bodies. Zero means
	// netutil.MaxResponseSize.
	MaxBlobSize int64
	Logger      *slog.Logger
}

// HTTPTransport serves a dataset over HTTP: GET reads, PUT writes and
// DELETE removes. A request that fails on a stale connection is
// retried once.
type HTTPTransport struct {
	base    *url.URL
	query   string
	token   string
	client  *http.Client
	maxBlob int64
	logger  *slog.Logger
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport validates config and returns the transport.
func NewHTTPTransport(config HTTPConfig) (*HTTPTransport, error) {
	base := config.Base
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("streamstore: dataset URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("streamstore: dataset URL %q is not http(s)", config.Base)
	}
	client := config.Client
	if client == nil {
		client = http.DefaultClient
	}
	maxBlob := config.MaxBlobSize
	if maxBlob <= 0 {
		maxBlob = netutil.MaxResponseSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HTTPTransport{
		base:    parsed,
		query:   config.Query,
		token:   config.AuthToken,
		client:  client,
		maxBlob: maxBlob,
		logger:  logger,
	}, nil
}

func (t *HTTPTransport) url(name string) (string, error) {
	relative, err := url.Parse(name)
	if err != nil {
		return "", fmt.Errorf("streamstore: blob name %q: %w", name, err)
	}
	if relative.IsAbs() || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("streamstore: blob name %q is not relative", name)
	}
	resolved := t.base.ResolveReference(relative)
	if t.query != "" {
		if resolved.RawQuery == "" {
			resolved.RawQuery = t.query
		} else {
			resolved.RawQuery += "&" + t.query
		}
	}
	return resolved.String(), nil
}

// do sends one request, retrying once when the first attempt fails on
// a stale connection. body builds a fresh request body per attempt.
func (t *HTTPTransport) do(ctx context.Context, method, name string, body func() (io.Reader, int64)) (*http.Response, error) {
	target, err := t.url(name)
	if err != nil {
		return nil, err
	}
	send := func() (*http.Response, error) {
		var reader io.Reader
		var length int64
		if body != nil {
			reader, length = body()
		}
		request, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			request.ContentLength = length
			request.Header.Set("Content-Type", "application/octet-stream")
		}
		if t.token != "" {
			request.Header.Set("Authorization", "Bearer "+t.token)
		}
		return t.client.Do(request)
	}
	response, err := send()
	if err != nil && netutil.IsTransient(err) && ctx.Err() == nil {
		t.logger.Debug("retrying request after connection failure", "method", method, "name", name, "error", err)
		response, err = send()
	}
	if err != nil {
		return nil, fmt.Errorf("streamstore: %s %s: %w", method, name, err)
	}
	return response, nil
}

func (t *HTTPTransport) Read(ctx context.Context, name string) ([]byte, error) {
	response, err := t.do(ctx, http.MethodGet, name, nil)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	switch {
	case response.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", nodestore.ErrNotFound, name)
	case response.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("streamstore: GET %s: %s: %s", name, response.Status, netutil.ErrorBody(response.Body))
	}
	data, err := netutil.ReadLimited(response.Body, t.maxBlob)
	if err != nil {
		return nil, fmt.Errorf("streamstore: GET %s: %w", name, err)
	}
	return data, nil
}

func (t *HTTPTransport) Write(ctx context.Context, name string, segments ...[]byte) error {
	body := func() (io.Reader, int64) {
		readers := make([]io.Reader, len(segments))
		var length int64
		for i, segment := range segments {
			readers[i] = bytes.NewReader(segment)
			length += int64(len(segment))
		}
		return io.MultiReader(readers...), length
	}
	response, err := t.do(ctx, http.MethodPut, name, body)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("streamstore: PUT %s: %s: %s", name, response.Status, netutil.ErrorBody(response.Body))
	}
	return nil
}

func (t *HTTPTransport) Delete(ctx context.Context, name string) (bool, error) {
	response, err := t.do(ctx, http.MethodDelete, name, nil)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()
	switch {
	case response.StatusCode == http.StatusNotFound:
		return false, nil
	case response.StatusCode < 200 || response.StatusCode > 299:
		return false, fmt.Errorf("streamstore: DELETE %s: %s: %s", name, response.Status, netutil.ErrorBody(response.Body))
	}
	return true, nil
}

// NewTransport returns the transport serving settings: a file transport
// for local datasets, HTTP otherwise. authToken is not sent to
// localhost endpoints.
func NewTransport(settings *Settings, authToken string, client *http.Client, logger *slog.Logger) (Transport, error) {
	if settings.Location == LocationLocal {
		return NewFileTransport(settings.Root), nil
	}
	if settings.Localhost {
		authToken = ""
	}
	return NewHTTPTransport(HTTPConfig{
		Base:      settings.Root,
		Query:     settings.Token,
		AuthToken: authToken,
		Client:    client,
		Logger:    logger,
	})
}
