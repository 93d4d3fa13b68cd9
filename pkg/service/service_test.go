package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moondream/station/pkg/backend"
	"github.com/moondream/station/pkg/capability"
	"github.com/moondream/station/pkg/manifest"
)

type stubProvider struct{}

func (stubProvider) Capabilities() []capability.Name {
	return []capability.Name{capability.Caption, capability.CountTokens}
}

func (stubProvider) Call(ctx context.Context, name capability.Name, args map[string]any) (map[string]any, error) {
	return map[string]any{"function": string(name)}, nil
}

func (stubProvider) Close() error { return nil }

func init() {
	backend.Register("stub_service_test_backend", func(ctx context.Context, dir string, workerID int, modelArgs map[string]any) (backend.Provider, error) {
		return stubProvider{}, nil
	})
}

func newTestManifestStore(t *testing.T) *manifest.Store {
	t.Helper()
	dir := t.TempDir()
	doc := `{
	  "version": "1.0.0",
	  "models": {"m": {"name":"m","description":"d","backend":"b","version":"1.0.0","is_default":true}},
	  "backends": {"b": {"name":"b","download_url":"` + filepath.ToSlash(dir) + `/bundle","entry_module":"stub_service_test_backend","functions":["caption","count_tokens"],"version":"1.0.0"}}
	}`
	manifestPath := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte(doc), 0o644))

	bundleDir := filepath.Join(dir, "bundle")
	require.NoError(t, os.MkdirAll(bundleDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "stub_service_test_backend.py"), []byte("# stub\n"), 0o644))

	store := manifest.New(dir)
	_, err := store.Load(manifestPath)
	require.NoError(t, err)
	return store
}

func TestStartExecuteStop(t *testing.T) {
	store := newTestManifestStore(t)
	modelsDir := t.TempDir()
	loader := backend.NewLoader(modelsDir)

	svc := New(store, loader, 2, 4, time.Second)
	require.False(t, svc.IsRunning())

	require.NoError(t, svc.Start(context.Background(), "m"))
	require.True(t, svc.IsRunning())
	require.Equal(t, "m", svc.Model())

	result, err := svc.Execute(context.Background(), "caption", map[string]any{"image_url": "x"}, 0)
	require.NoError(t, err)
	require.Equal(t, "caption", result["function"])

	require.NoError(t, svc.Stop())
	require.False(t, svc.IsRunning())
}

func TestStartTwiceFails(t *testing.T) {
	store := newTestManifestStore(t)
	loader := backend.NewLoader(t.TempDir())
	svc := New(store, loader, 1, 4, time.Second)

	require.NoError(t, svc.Start(context.Background(), "m"))
	defer svc.Stop()

	err := svc.Start(context.Background(), "m")
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestExecuteWhenNotRunning(t *testing.T) {
	store := newTestManifestStore(t)
	loader := backend.NewLoader(t.TempDir())
	svc := New(store, loader, 1, 4, time.Second)

	_, err := svc.Execute(context.Background(), "caption", nil, 0)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestExecuteRejectsUnsupportedCapability(t *testing.T) {
	store := newTestManifestStore(t)
	loader := backend.NewLoader(t.TempDir())
	svc := New(store, loader, 1, 4, time.Second)

	require.NoError(t, svc.Start(context.Background(), "m"))
	defer svc.Stop()

	_, err := svc.Execute(context.Background(), "detect", map[string]any{"image_url": "x", "object": "cat"}, 0)
	require.ErrorIs(t, err, backend.ErrUnsupportedCapability)
}

func TestStartUnknownModel(t *testing.T) {
	store := newTestManifestStore(t)
	loader := backend.NewLoader(t.TempDir())
	svc := New(store, loader, 1, 4, time.Second)

	err := svc.Start(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrUnknownModel)
}
