package update

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/agent-racer/overlay/internal/logging"
)

type fakeChannel struct {
	rel        Release
	newer      bool
	latestErr  error
	dlErr      error
	installErr error

	downloads atomic.Int32
	gate      chan struct{} // when set, Download waits on it
	installed []string
}

func (f *fakeChannel) Latest(context.Context) (Release, bool, error) {
	return f.rel, f.newer, f.latestErr
}

func (f *fakeChannel) Download(_ context.Context, r Release, progress func(float64)) (string, error) {
	f.downloads.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	for _, p := range []float64{10, 10.5, 50, 99.9} {
		progress(p)
	}
	if f.dlErr != nil {
		return "", f.dlErr
	}
	return "/tmp/" + r.Version, nil
}

func (f *fakeChannel) Install(_ context.Context, p string) error {
	f.installed = append(f.installed, p)
	return f.installErr
}

func newTestCoordinator(ch Channel, opts ...Option) *Coordinator {
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return NewCoordinator(ch, opts...)
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		ch      *fakeChannel
		want    Status
		wantErr bool
	}{
		{"available", &fakeChannel{rel: Release{Version: "v1.2.0", Notes: "fixes"}, newer: true}, StatusAvailable, false},
		{"up to date", &fakeChannel{rel: Release{Version: "v1.0.0"}}, StatusNotAvailable, false},
		{"channel error", &fakeChannel{latestErr: errors.New("dns")}, StatusError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCoordinator(tt.ch)
			st, err := c.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
			if st.Status != tt.want {
				t.Errorf("Status = %s, want %s", st.Status, tt.want)
			}
			if tt.wantErr && st.ErrorMessage == "" {
				t.Error("error state has no message")
			}
		})
	}
}

func TestCheckRecoversFromError(t *testing.T) {
	ch := &fakeChannel{latestErr: errors.New("timeout")}
	c := newTestCoordinator(ch)
	c.Check(context.Background())

	ch.latestErr = nil
	ch.rel = Release{Version: "v2.0.0"}
	ch.newer = true
	st, err := c.Check(context.Background())
	if err != nil || st.Status != StatusAvailable || st.ErrorMessage != "" {
		t.Errorf("Check() after recovery = %+v, %v", st, err)
	}
}

func TestCheckIsIdempotentOnceDownloaded(t *testing.T) {
	ch := &fakeChannel{rel: Release{Version: "v1.1.0"}, newer: true}
	c := newTestCoordinator(ch)
	c.Check(context.Background())
	if _, err := c.Download(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch.rel = Release{Version: "v9.9.9"}
	st, err := c.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusDownloaded || st.Version != "v1.1.0" {
		t.Errorf("Check() = %+v, want the downloaded v1.1.0", st)
	}
}

func TestDownloadProgress(t *testing.T) {
	ch := &fakeChannel{rel: Release{Version: "v1.1.0"}, newer: true}
	var progress []float64
	c := newTestCoordinator(ch)
	c.OnChange(func(s State) {
		if s.Status == StatusDownloading {
			progress = append(progress, s.ProgressPercent)
		}
	})
	c.Check(context.Background())
	st, err := c.Download(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusDownloaded || st.ProgressPercent != 100 {
		t.Errorf("state = %+v", st)
	}
	// 10.5 shares a whole percent with 10 and is not reported.
	want := []float64{0, 10, 50, 99.9}
	if fmt.Sprint(progress) != fmt.Sprint(want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
}

func TestDownloadSingleFlight(t *testing.T) {
	ch := &fakeChannel{rel: Release{Version: "v1.1.0"}, newer: true, gate: make(chan struct{})}
	c := newTestCoordinator(ch)
	c.Check(context.Background())

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Download(context.Background())
		}(i)
	}
	for ch.downloads.Load() == 0 {
		runtime.Gosched()
	}
	close(ch.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	// Late callers that miss the shared flight see Downloaded and return.
	if n := ch.downloads.Load(); n != 1 {
		t.Errorf("downloads = %d, want 1", n)
	}
}

func TestDownloadWithoutRelease(t *testing.T) {
	c := newTestCoordinator(&fakeChannel{})
	if _, err := c.Download(context.Background()); !errors.Is(err, ErrNoRelease) {
		t.Errorf("Download() error = %v, want ErrNoRelease", err)
	}
}

func TestDownloadFailure(t *testing.T) {
	ch := &fakeChannel{rel: Release{Version: "v1.1.0"}, newer: true, dlErr: errors.New("connection reset")}
	c := newTestCoordinator(ch)
	c.Check(context.Background())
	st, err := c.Download(context.Background())
	if err == nil || st.Status != StatusError {
		t.Errorf("Download() = %+v, %v; want error state", st, err)
	}
}

func TestInstall(t *testing.T) {
	ch := &fakeChannel{rel: Release{Version: "v1.1.0"}, newer: true}
	var (
		order          []string
		duringTeardown bool
		c              *Coordinator
	)
	c = newTestCoordinator(ch, WithPrepare(func(context.Context) {
		order = append(order, "prepare")
		duringTeardown = c.Installing()
	}))

	if err := c.Install(context.Background()); !errors.Is(err, ErrNotDownloaded) {
		t.Fatalf("Install() before download = %v, want ErrNotDownloaded", err)
	}
	if len(order) != 0 {
		t.Fatal("prepare ran without a download")
	}

	c.Check(context.Background())
	c.Download(context.Background())
	if err := c.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(order) != 1 || len(ch.installed) != 1 || ch.installed[0] != "/tmp/v1.1.0" {
		t.Errorf("prepare %v, installed %v", order, ch.installed)
	}
	if !duringTeardown {
		t.Error("Installing() = false while the pre-install teardown runs")
	}
	if !c.Installing() {
		t.Error("Installing() = false after a successful install")
	}
}

func TestInstallFailureSurfacesError(t *testing.T) {
	ch := &fakeChannel{rel: Release{Version: "v1.1.0"}, newer: true, installErr: errors.New("signature mismatch")}
	rolledBack := 0
	c := newTestCoordinator(ch, WithRecover(func() { rolledBack++ }))
	c.Check(context.Background())
	c.Download(context.Background())

	if err := c.Install(context.Background()); err == nil {
		t.Fatal("Install() returned nil")
	}
	st := c.State()
	if st.Status != StatusError || !strings.Contains(st.ErrorMessage, "signature mismatch") {
		t.Errorf("state = %+v", st)
	}
	if c.Installing() {
		t.Error("still installing after failure")
	}
	if rolledBack != 1 {
		t.Errorf("teardown rolled back %d times, want 1", rolledBack)
	}
}

func TestHTTPChannel(t *testing.T) {
	payload := strings.Repeat("x", 4096)
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version":"1.4.0","notes":"new maps","url":"/files/overlay-setup.exe"}`)
	})
	mux.HandleFunc("/files/overlay-setup.exe", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		fmt.Fprint(w, payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var started string
	h := &HTTPChannel{
		ManifestURL:    srv.URL + "/manifest.json",
		CurrentVersion: "v1.3.2",
		DownloadDir:    t.TempDir(),
		Start:          func(p string) error { started = p; return nil },
	}

	rel, newer, err := h.Latest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !newer || rel.Version != "v1.4.0" || rel.Notes != "new maps" {
		t.Errorf("Latest() = %+v, %v", rel, newer)
	}
	if rel.URL != srv.URL+"/files/overlay-setup.exe" {
		t.Errorf("URL = %q, want it resolved against the manifest", rel.URL)
	}

	var last float64
	p, err := h.Download(context.Background(), rel, func(pct float64) { last = pct })
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != payload {
		t.Error("downloaded bytes differ")
	}
	if last != 100 {
		t.Errorf("last progress = %v, want 100", last)
	}

	if err := h.Install(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if started != p {
		t.Errorf("started %q, want %q", started, p)
	}
}

func TestHTTPChannelLatestVersions(t *testing.T) {
	tests := []struct {
		manifest string
		current  string
		newer    bool
		wantErr  bool
	}{
		{`{"version":"v1.0.0","url":"u"}`, "v1.0.0", false, false},
		{`{"version":"v0.9.0","url":"u"}`, "v1.0.0", false, false},
		{`{"version":"v1.0.1","url":"u"}`, "1.0.0", true, false},
		{`{"version":"v1.0.0","url":"u"}`, "dev", true, false},
		{`{"version":"latest","url":"u"}`, "v1.0.0", false, true},
		{`{"version":"v1.0.0"}`, "v1.0.0", false, true},
		{`not json`, "v1.0.0", false, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, tt.manifest)
		}))
		h := &HTTPChannel{ManifestURL: srv.URL, CurrentVersion: tt.current}
		_, newer, err := h.Latest(context.Background())
		srv.Close()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s vs %s: error = %v, wantErr %v", tt.manifest, tt.current, err, tt.wantErr)
			continue
		}
		if newer != tt.newer {
			t.Errorf("%s vs %s: newer = %v, want %v", tt.manifest, tt.current, newer, tt.newer)
		}
	}
}

func TestHTTPChannelBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	h := &HTTPChannel{ManifestURL: srv.URL, DownloadDir: t.TempDir()}
	if _, _, err := h.Latest(context.Background()); err == nil {
		t.Error("Latest() accepted a 404")
	}
	if _, err := h.Download(context.Background(), Release{Version: "v1.0.0", URL: srv.URL + "/x"}, nil); err == nil {
		t.Error("Download() accepted a 404")
	}
}
