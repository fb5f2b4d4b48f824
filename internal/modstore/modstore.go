// Package modstore reconciles the on-disk mods directory to a
// declared {name -> version} target set: download what's missing,
// delete what's no longer declared, then regenerate mod-list.json.
package modstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/justapithecus/factorio-agent/internal/agenterr"
	"github.com/justapithecus/factorio-agent/internal/catalog"
	"github.com/justapithecus/factorio-agent/internal/configstore"
	"github.com/justapithecus/factorio-agent/internal/fsroot"
)

// Spec names one declared mod and the version it must be pinned to.
type Spec struct {
	Name    string
	Version string
}

// Event reports one mod transitioning during Reconcile.
type Event struct {
	Phase   string // Downloading, Deleting, Regenerating, Done
	Name    string
	Version string
}

const (
	PhaseDownloading  = "Downloading"
	PhaseDeleting     = "Deleting"
	PhaseRegenerating = "Regenerating"
	PhaseDone         = "Done"
)

type ProgressFunc func(Event)

// Store reconciles the mods directory and owns the catalog credential
// and HTTP client used to fetch mod archives.
type Store struct {
	layout  fsroot.Layout
	catalog catalog.ModCatalog
	configs *configstore.Store
	http    *http.Client

	// IsIdle reports whether the process lifecycle permits a mutating
	// reconcile (i.e. NotRunning).
	IsIdle func() bool
}

func New(layout fsroot.Layout, cat catalog.ModCatalog, configs *configstore.Store) *Store {
	return &Store{layout: layout, catalog: cat, configs: configs, http: &http.Client{}}
}

var modFileName = regexp.MustCompile(`^(.+)_([0-9]+\.[0-9]+\.[0-9]+)\.zip$`)

// diskState scans the mods directory and returns the set of
// (name, version) pairs currently present on disk.
func (s *Store) diskState() (map[Spec]bool, error) {
	entries, err := os.ReadDir(s.layout.ModsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return map[Spec]bool{}, nil
		}
		return nil, agenterr.Wrap(agenterr.ConfigIoFailed, "scan mods directory", err)
	}
	out := make(map[Spec]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := modFileName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		out[Spec{Name: m[1], Version: m[2]}] = true
	}
	return out, nil
}

// Reconcile drives the three ordered phases against target. Phase 2
// (delete) only begins once every download in phase 1 has succeeded;
// a download failure aborts before any deletion happens.
func (s *Store) Reconcile(ctx context.Context, target []Spec, progress ProgressFunc) error {
	if s.IsIdle != nil && !s.IsIdle() {
		return agenterr.New(agenterr.NotIdle, "mod reconciliation requires the process to be NotRunning")
	}

	disk, err := s.diskState()
	if err != nil {
		return err
	}
	want := make(map[Spec]bool, len(target))
	for _, t := range target {
		want[t] = true
	}

	// Phase 1: download what's declared but missing. This is the only
	// phase spec.md 5 honors an explicit cancel during.
	for spec := range want {
		if disk[spec] {
			continue
		}
		if err := s.download(ctx, spec); err != nil {
			return cancelledOr(ctx, err)
		}
		progress(Event{Phase: PhaseDownloading, Name: spec.Name, Version: spec.Version})
	}

	// Phase 2: delete what's on disk but no longer declared.
	for spec := range disk {
		if want[spec] {
			continue
		}
		path := s.layout.ModPath(spec.Name, spec.Version)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return agenterr.Wrap(agenterr.ConfigIoFailed, "remove "+path, err)
		}
		progress(Event{Phase: PhaseDeleting, Name: spec.Name, Version: spec.Version})
	}

	// Phase 3: regenerate mod-list.json.
	progress(Event{Phase: PhaseRegenerating})
	list := configstore.ModList{Mods: make([]configstore.ModListEntry, 0, len(target)+1)}
	list.Mods = append(list.Mods, configstore.ModListEntry{Name: "base", Enabled: true})
	for _, t := range target {
		list.Mods = append(list.Mods, configstore.ModListEntry{Name: t.Name, Enabled: true})
	}
	if err := s.configs.WriteModList(list); err != nil {
		return err
	}

	progress(Event{Phase: PhaseDone})
	return nil
}

func (s *Store) download(ctx context.Context, spec Spec) error {
	if !sanitizeModName(spec.Name) {
		return agenterr.New(agenterr.ModDownloadFailed, fmt.Sprintf("%s: invalid mod name", spec.Name))
	}

	releases, err := s.catalog.ModReleases(ctx, spec.Name)
	if err != nil {
		return agenterr.Wrap(agenterr.ModDownloadFailed, fmt.Sprintf("%s@%s: lookup releases", spec.Name, spec.Version), err)
	}

	var downloadURL string
	for _, r := range releases {
		if r.Version == spec.Version {
			downloadURL = r.DownloadURL
			break
		}
	}
	if downloadURL == "" {
		return agenterr.New(agenterr.ModDownloadFailed, fmt.Sprintf("%s@%s: version not published", spec.Name, spec.Version))
	}

	secrets, err := s.configs.ReadSecretsInternal()
	if err != nil {
		return agenterr.Wrap(agenterr.ModDownloadFailed, fmt.Sprintf("%s@%s: read credential", spec.Name, spec.Version), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return agenterr.Wrap(agenterr.ModDownloadFailed, fmt.Sprintf("%s@%s: build request", spec.Name, spec.Version), err)
	}
	if secrets.Token != nil {
		req.Header.Set("Authorization", "Bearer "+*secrets.Token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return agenterr.Wrap(agenterr.ModDownloadFailed, fmt.Sprintf("%s@%s: download", spec.Name, spec.Version), err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return agenterr.New(agenterr.ModDownloadFailed, fmt.Sprintf("%s@%s: HTTP %d", spec.Name, spec.Version, resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return agenterr.Wrap(agenterr.ModDownloadFailed, fmt.Sprintf("%s@%s: read body", spec.Name, spec.Version), err)
	}

	filename := filepath.Base(s.layout.ModPath(spec.Name, spec.Version))
	if err := fsroot.WriteAtomic(s.layout.ModsDir(), filename, data); err != nil {
		return agenterr.Wrap(agenterr.ModDownloadFailed, fmt.Sprintf("%s@%s: write archive", spec.Name, spec.Version), err)
	}
	return nil
}

// sanitizeModName guards against a mod name containing path
// separators being used to build an on-disk filename.
func sanitizeModName(name string) bool {
	return !strings.ContainsAny(name, "/\\")
}

// cancelledOr reclassifies err as agenterr.Cancelled when ctx was the
// reason the call failed, so an explicit CancelOperation rolls the
// registry record to Failed(Cancelled) rather than a download failure
// kind. It is a no-op when ctx is still live.
func cancelledOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return agenterr.New(agenterr.Cancelled, "mod reconcile cancelled")
	}
	return err
}
