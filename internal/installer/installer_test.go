package installer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/justapithecus/factorio-agent/internal/agenterr"
	"github.com/justapithecus/factorio-agent/internal/catalog"
	"github.com/justapithecus/factorio-agent/internal/fsroot"
)

type fakeResolver struct {
	release catalog.VersionRelease
	err     error
}

func (f fakeResolver) ResolveVersion(ctx context.Context, version string) (catalog.VersionRelease, error) {
	return f.release, f.err
}

func newTestInstaller(t *testing.T, resolver catalog.VersionResolver, extractor Extractor) (*Installer, fsroot.Layout) {
	t.Helper()
	layout, err := fsroot.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	in := New(layout, resolver, extractor)
	return in, layout
}

// stubExtractor creates a factorio executable stub so installer's
// post-extract verification passes.
type stubExtractor struct{}

func (stubExtractor) Extract(ctx context.Context, r io.Reader, destDir string) error {
	exePath := filepath.Join(destDir, "factorio", "bin", "x64", "factorio")
	if err := os.MkdirAll(filepath.Dir(exePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(exePath, []byte("stub"), 0o755)
}

func TestInstallHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fake archive bytes"))
	}))
	defer srv.Close()

	resolver := fakeResolver{release: catalog.VersionRelease{Version: "1.1.110", DownloadURL: srv.URL, SHA1: "x"}}
	in, layout := newTestInstaller(t, resolver, stubExtractor{})
	in.IsIdle = func() bool { return true }
	in.CurrentVersion = func() string { return "" }

	var phases []string
	err := in.Install(context.Background(), "1.1.110", false, func(p Phase) {
		phases = append(phases, p.Name)
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	if len(phases) < 5 {
		t.Fatalf("phases = %v, want at least 5 entries", phases)
	}
	if phases[0] != PhaseResolving {
		t.Errorf("first phase = %s, want Resolving", phases[0])
	}
	if phases[len(phases)-1] != PhaseDone {
		t.Errorf("last phase = %s, want Done", phases[len(phases)-1])
	}

	target, err := os.Readlink(layout.CurrentLink())
	if err != nil {
		t.Fatalf("Readlink current: %v", err)
	}
	if filepath.Base(target) != "1.1.110" {
		t.Errorf("current -> %q, want install dir for 1.1.110", target)
	}
}

func TestInstallReportsCancelledWhenContextAlreadyCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fake archive bytes"))
	}))
	defer srv.Close()

	resolver := fakeResolver{release: catalog.VersionRelease{Version: "1.1.110", DownloadURL: srv.URL}}
	in, _ := newTestInstaller(t, resolver, stubExtractor{})
	in.IsIdle = func() bool { return true }
	in.CurrentVersion = func() string { return "" }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := in.Install(ctx, "1.1.110", false, func(Phase) {})
	if !agenterr.Is(err, agenterr.Cancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
}

func TestInstallNoOpWhenVersionMatchesAndNotForced(t *testing.T) {
	resolver := fakeResolver{release: catalog.VersionRelease{Version: "1.1.110"}}
	in, _ := newTestInstaller(t, resolver, stubExtractor{})
	in.IsIdle = func() bool { return true }
	in.CurrentVersion = func() string { return "1.1.110" }

	var phases []string
	err := in.Install(context.Background(), "1.1.110", false, func(p Phase) {
		phases = append(phases, p.Name)
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(phases) != 1 || phases[0] != PhaseNoOp {
		t.Errorf("phases = %v, want [NoOp]", phases)
	}
}

func TestInstallRejectsWhenNotIdle(t *testing.T) {
	resolver := fakeResolver{release: catalog.VersionRelease{Version: "1.1.110"}}
	in, _ := newTestInstaller(t, resolver, stubExtractor{})
	in.IsIdle = func() bool { return false }

	err := in.Install(context.Background(), "1.1.110", false, func(Phase) {})
	if !agenterr.Is(err, agenterr.NotIdle) {
		t.Fatalf("expected NotIdle, got %v", err)
	}
}

func TestInstallUnknownVersion(t *testing.T) {
	resolver := fakeResolver{err: catalog.ErrNotFound}
	in, _ := newTestInstaller(t, resolver, stubExtractor{})
	in.IsIdle = func() bool { return true }

	err := in.Install(context.Background(), "9.9.9", false, func(Phase) {})
	if !agenterr.Is(err, agenterr.UnknownVersion) {
		t.Fatalf("expected UnknownVersion, got %v", err)
	}
}

func TestInstallFailsOnExtractorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	resolver := fakeResolver{release: catalog.VersionRelease{Version: "1.1.110", DownloadURL: srv.URL}}
	in, _ := newTestInstaller(t, resolver, errExtractor{err: errors.New("corrupt archive")})
	in.IsIdle = func() bool { return true }

	err := in.Install(context.Background(), "1.1.110", false, func(Phase) {})
	if !agenterr.Is(err, agenterr.InstallFailed) {
		t.Fatalf("expected InstallFailed, got %v", err)
	}
}

type errExtractor struct{ err error }

func (e errExtractor) Extract(ctx context.Context, r io.Reader, destDir string) error {
	return e.err
}
