package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

const maxManifestBytes = 1 << 20

// HTTPChannel reads a JSON manifest of the form
// {"version": "v1.2.3", "notes": "...", "url": "https://..."}.
type HTTPChannel struct {
	ManifestURL    string
	CurrentVersion string
	DownloadDir    string
	Client         *http.Client
	// Start launches the installer. Defaults to starting it detached.
	Start func(path string) error
}

func (h *HTTPChannel) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return &http.Client{Timeout: 10 * time.Minute}
}

// canonicalVersion accepts versions with or without the leading v.
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func (h *HTTPChannel) Latest(ctx context.Context) (Release, bool, error) {
	if h.ManifestURL == "" {
		return Release{}, false, errors.New("no manifest url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.ManifestURL, nil)
	if err != nil {
		return Release{}, false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client().Do(req)
	if err != nil {
		return Release{}, false, fmt.Errorf("fetching manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Release{}, false, fmt.Errorf("fetching manifest: unexpected status %s", resp.Status)
	}

	var rel Release
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifestBytes)).Decode(&rel); err != nil {
		return Release{}, false, fmt.Errorf("decoding manifest: %w", err)
	}
	latest := canonicalVersion(rel.Version)
	if !semver.IsValid(latest) {
		return Release{}, false, fmt.Errorf("manifest version %q is not semver", rel.Version)
	}
	rel.Version = latest
	if rel.URL == "" {
		return Release{}, false, errors.New("manifest has no download url")
	}
	if base, err := url.Parse(h.ManifestURL); err == nil {
		if ref, err := url.Parse(rel.URL); err == nil {
			rel.URL = base.ResolveReference(ref).String()
		}
	}

	current := canonicalVersion(h.CurrentVersion)
	if !semver.IsValid(current) {
		// An unversioned build always takes the release.
		return rel, true, nil
	}
	return rel, semver.Compare(latest, current) > 0, nil
}

func (h *HTTPChannel) Download(ctx context.Context, rel Release, progress func(percent float64)) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rel.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", rel.Version, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading %s: unexpected status %s", rel.Version, resp.Status)
	}

	dir := h.DownloadDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, installerName(rel))

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := &progressWriter{total: resp.ContentLength, report: progress}
	if _, err := io.Copy(tmp, io.TeeReader(resp.Body, w)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("downloading %s: %w", rel.Version, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmpName, 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return "", err
	}
	if progress != nil {
		progress(100)
	}
	return dest, nil
}

func (h *HTTPChannel) Install(_ context.Context, p string) error {
	if _, err := os.Stat(p); err != nil {
		return fmt.Errorf("installer: %w", err)
	}
	if h.Start != nil {
		return h.Start(p)
	}
	cmd := exec.Command(p)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting installer: %w", err)
	}
	// The installer outlives us.
	return cmd.Process.Release()
}

func installerName(rel Release) string {
	if u, err := url.Parse(rel.URL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	name := "lobby-overlay-" + rel.Version
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}

type progressWriter struct {
	total   int64
	written int64
	report  func(float64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.report != nil && p.total > 0 {
		p.report(float64(p.written) * 100 / float64(p.total))
	}
	return len(b), nil
}
