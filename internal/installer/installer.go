// Package installer resolves, downloads, extracts and activates a
// Factorio headless server version. It is the only package that writes
// version installs under fsroot's installs/ tree; the gateway's upload
// stager also keeps its temporary files in installs/.staging.
package installer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/justapithecus/factorio-agent/internal/agenterr"
	"github.com/justapithecus/factorio-agent/internal/catalog"
	"github.com/justapithecus/factorio-agent/internal/fsroot"
)

// Phase names a progress boundary the Installer crosses. Bytes/Total
// are only meaningful while Name == Downloading; Total is nil when the
// upstream response carried no Content-Length.
type Phase struct {
	Name  string
	Bytes int64
	Total *int64
}

const (
	PhaseResolving   = "Resolving"
	PhaseDownloading = "Downloading"
	PhaseExtracting  = "Extracting"
	PhaseActivating  = "Activating"
	PhaseDone        = "Done"
	PhaseNoOp        = "NoOp"
)

// ProgressFunc receives ordered phase transitions for one Install call.
type ProgressFunc func(Phase)

// Extractor unpacks an archive read from r into destDir. Archive
// parsing itself is an out-of-scope external collaborator; this
// package depends only on the interface, with a concrete gzip+tar
// implementation in extractor.go.
type Extractor interface {
	Extract(ctx context.Context, r io.Reader, destDir string) error
}

// StallTimeout bounds how long a download may go without making
// forward progress before it is aborted.
const StallTimeout = 60 * time.Second

// ExecutablePath is the path to the factorio binary within an
// extracted install directory. The supervisor uses this to build the
// child process command line.
func ExecutablePath(installDir string) string {
	return filepath.Join(installDir, "factorio", "bin", "x64", "factorio")
}

// Installer implements the Install state machine: Resolving ->
// Downloading -> Extracting -> Activating -> Done.
type Installer struct {
	layout    fsroot.Layout
	resolver  catalog.VersionResolver
	extractor Extractor
	http      *http.Client

	// CurrentVersion reports the version currently marked current, or
	// "" if none. IsIdle reports whether the process lifecycle permits
	// a mutating install (i.e. NotRunning).
	CurrentVersion func() string
	IsIdle         func() bool
}

func New(layout fsroot.Layout, resolver catalog.VersionResolver, extractor Extractor) *Installer {
	return &Installer{
		layout:    layout,
		resolver:  resolver,
		extractor: extractor,
		http:      &http.Client{},
	}
}

// Install performs the full install state machine for version,
// reporting phase boundaries through progress. If version already
// matches the current install and force is false, it reports a single
// NoOp phase and returns immediately.
func (in *Installer) Install(ctx context.Context, version string, force bool, progress ProgressFunc) error {
	if in.IsIdle != nil && !in.IsIdle() {
		return agenterr.New(agenterr.NotIdle, "install requires the process to be NotRunning")
	}

	if !force && in.CurrentVersion != nil && in.CurrentVersion() == version {
		progress(Phase{Name: PhaseNoOp})
		return nil
	}

	progress(Phase{Name: PhaseResolving})
	release, err := in.resolver.ResolveVersion(ctx, version)
	if err != nil {
		return cancelledOr(ctx, agenterr.Wrap(agenterr.UnknownVersion, version, err))
	}

	stagingPath, err := in.download(ctx, release, progress)
	if err != nil {
		return cancelledOr(ctx, err)
	}
	defer os.Remove(stagingPath)

	progress(Phase{Name: PhaseExtracting})
	installDir := in.layout.InstallDir(release.Version)
	if err := in.extract(ctx, stagingPath, installDir); err != nil {
		return cancelledOr(ctx, err)
	}

	progress(Phase{Name: PhaseActivating})
	if err := fsroot.SwitchCurrent(in.layout.Root(), in.layout.CurrentLink(), installDir); err != nil {
		return cancelledOr(ctx, agenterr.Wrap(agenterr.InstallFailed, "activate", err))
	}

	progress(Phase{Name: PhaseDone})
	return nil
}

// cancelledOr reclassifies err as agenterr.Cancelled when ctx was the
// reason the call failed, so an explicit CancelOperation rolls the
// registry record to Failed(Cancelled) rather than a download/extract
// failure kind. It is a no-op when ctx is still live.
func cancelledOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return agenterr.New(agenterr.Cancelled, "install cancelled")
	}
	return err
}

func (in *Installer) download(ctx context.Context, release catalog.VersionRelease, progress ProgressFunc) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, release.DownloadURL, nil)
	if err != nil {
		return "", agenterr.Wrap(agenterr.InstallFailed, "build download request", err)
	}
	resp, err := in.http.Do(req)
	if err != nil {
		return "", agenterr.Wrap(agenterr.InstallFailed, "download request", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", agenterr.New(agenterr.InstallFailed, fmt.Sprintf("download returned HTTP %d", resp.StatusCode))
	}

	var total *int64
	if resp.ContentLength >= 0 {
		t := resp.ContentLength
		total = &t
	}

	stagingDir := in.layout.StagingDir()
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", agenterr.Wrap(agenterr.InstallFailed, "create staging dir", err)
	}
	tmp, err := os.CreateTemp(stagingDir, "download-*.tmp")
	if err != nil {
		return "", agenterr.Wrap(agenterr.InstallFailed, "create staging file", err)
	}
	defer tmp.Close()

	reader := &stallReader{ctx: ctx, r: resp.Body, timeout: StallTimeout}
	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return "", agenterr.Wrap(agenterr.InstallFailed, "write staging file", werr)
			}
			written += int64(n)
			progress(Phase{Name: PhaseDownloading, Bytes: written, Total: total})
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", agenterr.Wrap(agenterr.InstallFailed, "download stream", rerr)
		}
	}

	return tmp.Name(), nil
}

func (in *Installer) extract(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return agenterr.Wrap(agenterr.InstallFailed, "open staged archive", err)
	}
	defer f.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return agenterr.Wrap(agenterr.InstallFailed, "create install dir", err)
	}
	if err := in.extractor.Extract(ctx, f, destDir); err != nil {
		return agenterr.Wrap(agenterr.InstallFailed, "extract archive", err)
	}

	if _, err := os.Stat(ExecutablePath(destDir)); err != nil {
		return agenterr.Wrap(agenterr.InstallFailed, "executable missing after extraction", err)
	}
	return nil
}

// stallReader aborts the underlying read if no bytes arrive within
// timeout, resetting the deadline on every successful read.
type stallReader struct {
	ctx     context.Context
	r       io.Reader
	timeout time.Duration
}

func (s *stallReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.r.Read(p)
		done <- result{n, err}
	}()

	select {
	case res := <-done:
		return res.n, res.err
	case <-time.After(s.timeout):
		return 0, agenterr.New(agenterr.InstallFailed, "download stalled")
	case <-s.ctx.Done():
		return 0, s.ctx.Err()
	}
}
