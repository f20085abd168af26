package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// DefaultReleaseURL is the release index of cloudflared.
const DefaultReleaseURL = "https://api.github.com/repos/cloudflare/cloudflared/releases/latest"

var (
	// ErrNoAsset is returned when the release index lacks the configured asset.
	ErrNoAsset = errors.New("release asset not found")

	// ErrIncompleteDownload is returned when fewer bytes arrive than advertised.
	ErrIncompleteDownload = errors.New("incomplete download")
)

// DefaultAssetName is the cloudflared release asset for this platform.
func DefaultAssetName() string {
	name := "cloudflared-" + runtime.GOOS + "-" + runtime.GOARCH
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}

type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

type Asset struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"browser_download_url"`
}

type UpdaterConfig struct {
	Binary     string
	ReleaseURL string
	AssetName  string
}

// Updater keeps the tunnel binary in line with the latest release. The index
// publishes no content hash, so freshness is judged by size.
type Updater struct {
	cfg    UpdaterConfig
	client *http.Client
	log    *zap.Logger
}

// NewUpdater returns an updater. A nil client uses a client with a one
// minute timeout.
func NewUpdater(cfg UpdaterConfig, client *http.Client, log *zap.Logger) *Updater {
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	if cfg.ReleaseURL == "" {
		cfg.ReleaseURL = DefaultReleaseURL
	}
	if cfg.AssetName == "" {
		cfg.AssetName = DefaultAssetName()
	}
	return &Updater{cfg: cfg, client: client, log: log}
}

// Check reports whether the local binary is missing or differs in size from
// the latest release asset.
func (u *Updater) Check(ctx context.Context) (bool, Asset, error) {
	asset, err := u.latest(ctx)
	if err != nil {
		return false, Asset{}, err
	}
	fi, err := os.Stat(u.cfg.Binary)
	if errors.Is(err, os.ErrNotExist) {
		return true, asset, nil
	}
	if err != nil {
		return false, asset, err
	}
	return fi.Size() != asset.Size, asset, nil
}

// EnsureFresh downloads the latest binary when Check says so. It reports
// whether a new binary was installed.
func (u *Updater) EnsureFresh(ctx context.Context) (bool, error) {
	stale, asset, err := u.Check(ctx)
	if err != nil || !stale {
		return false, err
	}
	u.log.Info("updating tunnel binary", zap.String("asset", asset.Name), zap.Int64("size", asset.Size))
	if err := u.install(ctx, asset); err != nil {
		return false, err
	}
	return true, nil
}

func (u *Updater) latest(ctx context.Context) (Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.ReleaseURL, nil)
	if err != nil {
		return Asset{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := u.client.Do(req)
	if err != nil {
		return Asset{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Asset{}, fmt.Errorf("release index: %s", resp.Status)
	}

	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return Asset{}, fmt.Errorf("release index: %w", err)
	}
	for _, a := range rel.Assets {
		if a.Name == u.cfg.AssetName {
			return a, nil
		}
	}
	return Asset{}, fmt.Errorf("%w: %s in %s", ErrNoAsset, u.cfg.AssetName, rel.TagName)
}

// install downloads next to the live binary, backs the live one up to .bak
// and renames the download into place. The live path never holds a partial
// file.
func (u *Updater) install(ctx context.Context, asset Asset) error {
	live := u.cfg.Binary
	if err := os.MkdirAll(filepath.Dir(live), 0o755); err != nil {
		return err
	}
	tmp := live + ".download"
	if err := u.download(ctx, asset, tmp); err != nil {
		os.Remove(tmp)
		return err
	}

	backup := live + ".bak"
	hadLive := false
	if _, err := os.Stat(live); err == nil {
		if err := os.Rename(live, backup); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("backup tunnel binary: %w", err)
		}
		hadLive = true
	}
	if err := os.Rename(tmp, live); err != nil {
		os.Remove(tmp)
		if hadLive {
			if rerr := os.Rename(backup, live); rerr != nil {
				u.log.Error("restore tunnel binary", zap.Error(rerr))
			}
		}
		return fmt.Errorf("install tunnel binary: %w", err)
	}
	return nil
}

func (u *Updater) download(ctx context.Context, asset Asset, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.DownloadURL, nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: %s", asset.Name, resp.Status)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, resp.Body)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n != asset.Size {
		return fmt.Errorf("%w: got %d of %d bytes", ErrIncompleteDownload, n, asset.Size)
	}
	return nil
}
