package tunnel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAsset = "cloudflared-test-amd64"

// releaseServer serves a release index advertising size and a download
// returning body.
func releaseServer(t *testing.T, size int64, body string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Release{
			TagName: "2024.1.0",
			Assets: []Asset{
				{Name: "cloudflared-other", Size: 1, DownloadURL: srv.URL + "/other"},
				{Name: testAsset, Size: size, DownloadURL: srv.URL + "/download"},
			},
		})
	})
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestUpdater(srv *httptest.Server, binary string) *Updater {
	return NewUpdater(UpdaterConfig{
		Binary:     binary,
		ReleaseURL: srv.URL + "/releases/latest",
		AssetName:  testAsset,
	}, srv.Client(), nil)
}

func TestEnsureFreshInstallsMissingBinary(t *testing.T) {
	srv := releaseServer(t, 7, "new-bin")
	bin := filepath.Join(t.TempDir(), "bin", "cloudflared")
	u := newTestUpdater(srv, bin)

	updated, err := u.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)

	data, err := os.ReadFile(bin)
	require.NoError(t, err)
	assert.Equal(t, "new-bin", string(data))
	_, err = os.Stat(bin + ".download")
	assert.True(t, os.IsNotExist(err))
}

func TestEnsureFreshSkipsMatchingSize(t *testing.T) {
	srv := releaseServer(t, 7, "new-bin")
	bin := filepath.Join(t.TempDir(), "cloudflared")
	require.NoError(t, os.WriteFile(bin, []byte("old-bin"), 0o755))
	u := newTestUpdater(srv, bin)

	stale, asset, err := u.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, testAsset, asset.Name)

	updated, err := u.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.False(t, updated)
	data, _ := os.ReadFile(bin)
	assert.Equal(t, "old-bin", string(data))
}

func TestEnsureFreshReplacesAndBacksUp(t *testing.T) {
	srv := releaseServer(t, 11, "new-version")
	bin := filepath.Join(t.TempDir(), "cloudflared")
	require.NoError(t, os.WriteFile(bin, []byte("old"), 0o755))
	u := newTestUpdater(srv, bin)

	updated, err := u.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)

	data, _ := os.ReadFile(bin)
	assert.Equal(t, "new-version", string(data))
	backup, err := os.ReadFile(bin + ".bak")
	require.NoError(t, err)
	assert.Equal(t, "old", string(backup))
}

func TestEnsureFreshIncompleteDownloadLeavesLiveBinary(t *testing.T) {
	srv := releaseServer(t, 100, "short")
	bin := filepath.Join(t.TempDir(), "cloudflared")
	require.NoError(t, os.WriteFile(bin, []byte("old"), 0o755))
	u := newTestUpdater(srv, bin)

	updated, err := u.EnsureFresh(context.Background())
	assert.ErrorIs(t, err, ErrIncompleteDownload)
	assert.False(t, updated)

	data, _ := os.ReadFile(bin)
	assert.Equal(t, "old", string(data))
	_, err = os.Stat(bin + ".download")
	assert.True(t, os.IsNotExist(err))
}

func TestCheckMissingAsset(t *testing.T) {
	srv := releaseServer(t, 1, "x")
	u := NewUpdater(UpdaterConfig{
		Binary:     filepath.Join(t.TempDir(), "cloudflared"),
		ReleaseURL: srv.URL + "/releases/latest",
		AssetName:  "cloudflared-plan9-mips",
	}, srv.Client(), nil)

	_, _, err := u.Check(context.Background())
	assert.ErrorIs(t, err, ErrNoAsset)
}

func TestCheckIndexUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	u := newTestUpdater(srv, filepath.Join(t.TempDir(), "cloudflared"))

	_, _, err := u.Check(context.Background())
	assert.Error(t, err)
}
