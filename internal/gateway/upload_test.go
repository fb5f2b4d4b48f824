package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/justapithecus/factorio-agent/internal/agenterr"
	"github.com/justapithecus/factorio-agent/internal/fsroot"
)

func newTestLayout(t *testing.T) fsroot.Layout {
	t.Helper()
	layout, err := fsroot.New(t.TempDir())
	if err != nil {
		t.Fatalf("fsroot.New: %v", err)
	}
	return layout
}

func TestParseRangeRoundTrip(t *testing.T) {
	r, err := parseRange("bytes 0-1023/4096")
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}
	if r.start != 0 || r.end != 1023 || r.total != 4096 {
		t.Fatalf("got %+v", r)
	}
	if r.String() != "bytes 0-1023/4096" {
		t.Errorf("String() = %q", r.String())
	}
}

func TestParseRangeRejectsMalformedHeader(t *testing.T) {
	if _, err := parseRange("nonsense"); !agenterr.Is(err, agenterr.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestSentinelRangeSignalsCompletion(t *testing.T) {
	r := byteRange{0, 0, 0}
	if !r.sentinel() {
		t.Error("expected sentinel range to report true")
	}
}

func TestUploadStagerAppendAndFinalize(t *testing.T) {
	layout := newTestLayout(t)
	stager := NewUploadStager(layout)

	chunk := []byte("hello world")
	done, err := stager.Append("peer-1", "my-save.zip", byteRange{start: 0, end: int64(len(chunk)), total: int64(len(chunk))}, chunk)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if done {
		t.Fatal("expected done=false before sentinel")
	}

	done, err = stager.Append("peer-1", "my-save.zip", byteRange{}, nil)
	if err != nil {
		t.Fatalf("Append sentinel: %v", err)
	}
	if !done {
		t.Fatal("expected done=true on sentinel")
	}

	got, err := os.ReadFile(layout.SavePath("my-save.zip"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q", got)
	}
}

func TestUploadStagerRejectsCrossPeerConflict(t *testing.T) {
	layout := newTestLayout(t)
	stager := NewUploadStager(layout)

	if _, err := stager.Append("peer-1", "shared.zip", byteRange{start: 0, end: 4, total: 100}, []byte("data")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := stager.Append("peer-2", "shared.zip", byteRange{start: 0, end: 4, total: 100}, []byte("data")); !agenterr.Is(err, agenterr.UploadConflict) {
		t.Fatalf("expected UploadConflict, got %v", err)
	}
}

func TestUploadStagerFinalizeRejectsInvalidSaveName(t *testing.T) {
	layout := newTestLayout(t)
	stager := NewUploadStager(layout)

	if _, err := stager.Append("peer-1", "../escape", byteRange{start: 0, end: 1, total: 1}, []byte("x")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := stager.Append("peer-1", "../escape", byteRange{}, nil); !agenterr.Is(err, agenterr.BadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(layout.SavesDir(), "escape")); err == nil {
		t.Error("expected no file to have been written outside saves dir")
	}
}
