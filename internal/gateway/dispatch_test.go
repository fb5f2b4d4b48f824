package gateway

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/justapithecus/factorio-agent/internal/agenterr"
	"github.com/justapithecus/factorio-agent/internal/configstore"
	"github.com/justapithecus/factorio-agent/internal/fsroot"
	"github.com/justapithecus/factorio-agent/internal/operation"
	"github.com/justapithecus/factorio-agent/internal/rcon"
	"github.com/justapithecus/factorio-agent/internal/supervisor"
)

// fakePeer records every envelope sent to it, standing in for the
// websocket-backed Peer in dispatch tests.
type fakePeer struct {
	*Peer
	got []Envelope
}

func newFakePeer() *fakePeer {
	p := &fakePeer{Peer: &Peer{id: "peer-1", send: make(chan Envelope, 64)}}
	return p
}

func (p *fakePeer) drain(t *testing.T, n int, timeout time.Duration) []Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for len(p.got) < n {
		select {
		case env := <-p.Peer.send:
			p.got = append(p.got, env)
		case <-deadline:
			t.Fatalf("timed out waiting for %d envelopes, got %d", n, len(p.got))
		}
	}
	return p.got
}

func newTestDispatcher(t *testing.T) (*Dispatcher, fsroot.Layout) {
	t.Helper()
	layout, err := fsroot.New(t.TempDir())
	if err != nil {
		t.Fatalf("fsroot.New: %v", err)
	}
	configs := configstore.New(layout)
	sup := supervisor.New(layout, configs, supervisor.DefaultReadyPatterns(), func(supervisor.Event) {})
	sess := rcon.NewSession("127.0.0.1", 1, "unused", 10*time.Millisecond)
	registry := operation.New(time.Minute)

	return &Dispatcher{
		Layout:     layout,
		Supervisor: sup,
		Rcon:       sess,
		Operations: registry,
		Stager:     NewUploadStager(layout),
		CurrentInstallDir: func() (string, error) {
			return "", agenterr.New(agenterr.UnknownVersion, "no version installed")
		},
	}, layout
}

func TestDispatchStatusReportsNotRunningWithoutRcon(t *testing.T) {
	d, _ := newTestDispatcher(t)
	peer := newFakePeer()

	d.Dispatch(context.Background(), peer.Peer, Envelope{
		Op: OpRequest,
		ID: "req-1",
		Body: mustMarshal(Request{Kind: KindStatus}),
	})

	envs := peer.drain(t, 1, time.Second)
	if envs[0].Op != OpResponse || envs[0].ID != "req-1" {
		t.Fatalf("got %+v", envs[0])
	}
	var status ServerStatus
	if err := json.Unmarshal(envs[0].Body, &status); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if status.State != "NotRunning" {
		t.Errorf("State = %q, want NotRunning", status.State)
	}
}

func TestDispatchConfigGetUnknownKindFails(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Configs = configstore.New(d.Layout)
	peer := newFakePeer()

	d.Dispatch(context.Background(), peer.Peer, Envelope{
		Op:   OpRequest,
		ID:   "req-2",
		Body: mustMarshal(Request{Kind: KindConfigGet, Payload: mustMarshal(ConfigGetPayload{Kind: "Nonsense"})}),
	})

	envs := peer.drain(t, 1, time.Second)
	var resp ErrorResponse
	if err := json.Unmarshal(envs[0].Body, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.Kind != string(agenterr.BadRequest) {
		t.Errorf("Kind = %q, want BadRequest", resp.Kind)
	}
}

func TestDispatchConfigPutAcksThenCompletes(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Configs = configstore.New(d.Layout)
	peer := newFakePeer()

	doc := mustMarshal(configstore.AdminList{Names: []string{"alice"}})
	d.Dispatch(context.Background(), peer.Peer, Envelope{
		Op: OpRequest,
		ID: "req-3",
		Body: mustMarshal(Request{
			Kind:    KindConfigPut,
			Payload: mustMarshal(ConfigPutPayload{Kind: "AdminList", Doc: doc}),
		}),
	})

	envs := peer.drain(t, 2, time.Second)
	if envs[0].Op != OpResponse || envs[0].ID != "req-3" {
		t.Fatalf("ack envelope = %+v", envs[0])
	}
	var ack Ack
	if err := json.Unmarshal(envs[0].Body, &ack); err != nil {
		t.Fatalf("Unmarshal ack: %v", err)
	}
	if ack.OperationID == "" {
		t.Fatal("expected a non-empty operation id")
	}

	if envs[1].Op != OpEvent || envs[1].ID != ack.OperationID {
		t.Fatalf("completed envelope = %+v", envs[1])
	}
	var completed Completed
	if err := json.Unmarshal(envs[1].Body, &completed); err != nil {
		t.Fatalf("Unmarshal completed: %v", err)
	}

	got, err := d.Configs.ReadAdminList()
	if err != nil {
		t.Fatalf("ReadAdminList: %v", err)
	}
	if len(got.Names) != 1 || got.Names[0] != "alice" {
		t.Errorf("got %+v", got)
	}
}

func TestDispatchServerStartFailsWithoutInstalledVersion(t *testing.T) {
	d, _ := newTestDispatcher(t)
	peer := newFakePeer()

	d.Dispatch(context.Background(), peer.Peer, Envelope{
		Op:   OpRequest,
		ID:   "req-4",
		Body: mustMarshal(Request{Kind: KindServerStart}),
	})

	envs := peer.drain(t, 2, time.Second)
	var ack Ack
	_ = json.Unmarshal(envs[0].Body, &ack)

	var failed Failed
	if err := json.Unmarshal(envs[1].Body, &failed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if failed.Kind != string(agenterr.UnknownVersion) {
		t.Errorf("Kind = %q, want UnknownVersion", failed.Kind)
	}
}

func TestDispatchModListApplyRejectsDuplicateNames(t *testing.T) {
	d, _ := newTestDispatcher(t)
	peer := newFakePeer()

	d.Dispatch(context.Background(), peer.Peer, Envelope{
		Op: OpRequest,
		ID: "req-6",
		Body: mustMarshal(Request{
			Kind: KindModListApply,
			Payload: mustMarshal(ModListApplyPayload{Target: []ModTarget{
				{Name: "bobs_mods", Version: "1.0.0"},
				{Name: "bobs_mods", Version: "2.0.0"},
			}}),
		}),
	})

	envs := peer.drain(t, 1, time.Second)
	var resp ErrorResponse
	if err := json.Unmarshal(envs[0].Body, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.Kind != string(agenterr.BadRequest) {
		t.Errorf("Kind = %q, want BadRequest", resp.Kind)
	}
}

func TestDispatchSaveDownloadRoundTripsUploadedBytes(t *testing.T) {
	d, layout := newTestDispatcher(t)
	peer := newFakePeer()

	want := []byte("save file contents")
	if err := os.WriteFile(layout.SavePath("my-save"), want, 0o644); err != nil {
		t.Fatal(err)
	}

	d.Dispatch(context.Background(), peer.Peer, Envelope{
		Op:   OpRequest,
		ID:   "req-7",
		Body: mustMarshal(Request{Kind: KindSaveDownload, Payload: mustMarshal(SaveDownloadPayload{ID: "my-save"})}),
	})

	envs := peer.drain(t, 1, time.Second)
	var resp SaveBytesResponse
	if err := json.Unmarshal(envs[0].Body, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(resp.Bytes) != string(want) {
		t.Errorf("Bytes = %q, want %q", resp.Bytes, want)
	}
}

func TestDispatchSaveDownloadUnknownIDFails(t *testing.T) {
	d, _ := newTestDispatcher(t)
	peer := newFakePeer()

	d.Dispatch(context.Background(), peer.Peer, Envelope{
		Op:   OpRequest,
		ID:   "req-8",
		Body: mustMarshal(Request{Kind: KindSaveDownload, Payload: mustMarshal(SaveDownloadPayload{ID: "missing"})}),
	})

	envs := peer.drain(t, 1, time.Second)
	var resp ErrorResponse
	if err := json.Unmarshal(envs[0].Body, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.Kind != string(agenterr.BadRequest) {
		t.Errorf("Kind = %q, want BadRequest", resp.Kind)
	}
}

func TestDispatchCancelOperationRejectsUnknownID(t *testing.T) {
	d, _ := newTestDispatcher(t)
	peer := newFakePeer()

	d.Dispatch(context.Background(), peer.Peer, Envelope{
		Op:   OpRequest,
		ID:   "req-9",
		Body: mustMarshal(Request{Kind: KindCancelOperation, Payload: mustMarshal(CancelOperationPayload{ID: uuid.New().String()})}),
	})

	envs := peer.drain(t, 1, time.Second)
	var resp ErrorResponse
	if err := json.Unmarshal(envs[0].Body, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.Kind != string(agenterr.BadRequest) {
		t.Errorf("Kind = %q, want BadRequest", resp.Kind)
	}
}

func TestDispatchServerStopWhileNotRunningReportsNoOp(t *testing.T) {
	d, _ := newTestDispatcher(t)
	peer := newFakePeer()

	d.Dispatch(context.Background(), peer.Peer, Envelope{
		Op:   OpRequest,
		ID:   "req-10",
		Body: mustMarshal(Request{Kind: KindServerStop}),
	})

	envs := peer.drain(t, 2, time.Second)
	var completed Completed
	if err := json.Unmarshal(envs[1].Body, &completed); err != nil {
		t.Fatalf("Unmarshal completed: %v", err)
	}
	result, ok := completed.Result.(map[string]interface{})
	if !ok || result["result"] != "NoOp" {
		t.Errorf("Result = %+v, want {result: NoOp}", completed.Result)
	}
}

func TestDispatchUnknownRequestKind(t *testing.T) {
	d, _ := newTestDispatcher(t)
	peer := newFakePeer()

	d.Dispatch(context.Background(), peer.Peer, Envelope{
		Op:   OpRequest,
		ID:   "req-5",
		Body: mustMarshal(Request{Kind: "Bogus"}),
	})

	envs := peer.drain(t, 1, time.Second)
	var resp ErrorResponse
	if err := json.Unmarshal(envs[0].Body, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.Kind != string(agenterr.BadRequest) {
		t.Errorf("Kind = %q, want BadRequest", resp.Kind)
	}
}
