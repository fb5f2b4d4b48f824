package gateway

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/justapithecus/factorio-agent/internal/agenterr"
	"github.com/justapithecus/factorio-agent/internal/configstore"
	"github.com/justapithecus/factorio-agent/internal/fsroot"
	"github.com/justapithecus/factorio-agent/internal/installer"
	"github.com/justapithecus/factorio-agent/internal/modstore"
	"github.com/justapithecus/factorio-agent/internal/operation"
	"github.com/justapithecus/factorio-agent/internal/rcon"
	"github.com/justapithecus/factorio-agent/internal/supervisor"
	"github.com/justapithecus/factorio-agent/internal/telemetry"
)

// Dispatcher wires the gateway's request handling to every Agent
// subsystem. Read requests are answered inline; mutating requests are
// acked immediately and run to completion on a goroutine, streaming
// progress and a terminal frame back to the peer.
type Dispatcher struct {
	Layout     fsroot.Layout
	Installer  *installer.Installer
	Mods       *modstore.Store
	Configs    *configstore.Store
	Supervisor *supervisor.Supervisor
	Rcon       *rcon.Session
	Operations *operation.Registry
	Stager     *UploadStager
	Peers      *PeerRegistry

	BindAddr string
	RconHost string
	RconPort int

	// CurrentInstallDir resolves the install directory ServerStart
	// should spawn, or an error if no version is currently active.
	CurrentInstallDir func() (string, error)
}

// Dispatch routes one request envelope for peer, sending its
// response(s) via peer.Send. ctx bounds any work started synchronously;
// goroutines spawned for mutating requests run detached from it since
// an operation outlives the request that started it.
func (d *Dispatcher) Dispatch(ctx context.Context, peer *Peer, env Envelope) {
	if env.Op != OpRequest {
		return
	}
	var req Request
	if err := json.Unmarshal(env.Body, &req); err != nil {
		peer.Send(responseEnvelope(env.ID, ErrorResponse{Kind: string(agenterr.BadRequest), Detail: "malformed request body"}))
		return
	}

	switch req.Kind {
	case KindStatus:
		d.handleStatus(peer, env)
	case KindVersionGet:
		d.handleVersionGet(peer, env)
	case KindSaveList:
		d.handleSaveList(peer, env)
	case KindModList:
		d.handleModList(peer, env)
	case KindConfigGet:
		d.handleConfigGet(peer, env, req.Payload)
	case KindModSettingsGet:
		d.handleModSettingsGet(peer, env)
	case KindOperationAttach:
		d.handleOperationAttach(peer, env, req.Payload)
	case KindCancelOperation:
		d.handleCancelOperation(peer, env, req.Payload)
	case KindLogSubscribe:
		d.handleLogSubscribe(peer, env, req.Payload)
	case KindSaveDownload:
		d.handleSaveDownload(peer, env, req.Payload)

	case KindVersionInstall:
		d.handleVersionInstall(peer, env, req.Payload)
	case KindModListApply:
		d.handleModListApply(peer, env, req.Payload)
	case KindConfigPut:
		d.handleConfigPut(peer, env, req.Payload)
	case KindModSettingsPut:
		d.handleModSettingsPut(peer, env, req.Payload)
	case KindServerStart:
		d.handleServerStart(peer, env, req.Payload)
	case KindServerStop:
		d.handleServerStop(peer, env)
	case KindSaveCreate:
		d.handleSaveCreate(peer, env, req.Payload)
	case KindSaveDelete:
		d.handleSaveDelete(peer, env, req.Payload)
	case KindSaveUpload:
		d.handleSaveUpload(peer, env, req.Payload)
	case KindRconCommand:
		d.handleRconCommand(peer, env, req.Payload)

	default:
		peer.Send(responseEnvelope(env.ID, ErrorResponse{Kind: string(agenterr.BadRequest), Detail: "unknown request kind: " + string(req.Kind)}))
	}
}

func (d *Dispatcher) fail(peer *Peer, id string, err error) {
	peer.Send(responseEnvelope(id, ErrorResponse{Kind: string(agenterr.KindOf(err)), Detail: err.Error()}))
}

// --- read requests ---

func (d *Dispatcher) handleStatus(peer *Peer, env Envelope) {
	status := ServerStatus{State: string(d.Supervisor.State())}
	if d.Supervisor.State() == supervisor.Running && d.Rcon.Connected() {
		if resp, err := d.Rcon.Command("/silent-command rcon.print(#game.connected_players)"); err == nil {
			status.PlayerCount = parsePlayerCount(resp)
		}
	}
	peer.Send(responseEnvelope(env.ID, status))
}

func (d *Dispatcher) handleVersionGet(peer *Peer, env Envelope) {
	peer.Send(responseEnvelope(env.ID, map[string]string{"version": d.Installer.CurrentVersion()}))
}

func (d *Dispatcher) handleSaveList(peer *Peer, env Envelope) {
	entries, err := os.ReadDir(d.Layout.SavesDir())
	if err != nil {
		d.fail(peer, env.ID, agenterr.Wrap(agenterr.ConfigIoFailed, "list saves", err))
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	peer.Send(responseEnvelope(env.ID, map[string][]string{"saves": names}))
}

func (d *Dispatcher) handleModList(peer *Peer, env Envelope) {
	list, err := d.Configs.ReadModList()
	if err != nil {
		d.fail(peer, env.ID, err)
		return
	}
	peer.Send(responseEnvelope(env.ID, list))
}

func (d *Dispatcher) handleModSettingsGet(peer *Peer, env Envelope) {
	settings, err := d.Configs.ReadModSettingsJSON()
	if err != nil {
		d.fail(peer, env.ID, err)
		return
	}
	peer.Send(responseEnvelope(env.ID, settings))
}

func (d *Dispatcher) handleConfigGet(peer *Peer, env Envelope, payload json.RawMessage) {
	var p ConfigGetPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "invalid ConfigGet payload"))
		return
	}
	doc, err := d.readConfigDoc(p.Kind)
	if err != nil {
		d.fail(peer, env.ID, err)
		return
	}
	peer.Send(responseEnvelope(env.ID, doc))
}

func (d *Dispatcher) readConfigDoc(kind string) (interface{}, error) {
	switch kind {
	case "AdminList":
		return d.Configs.ReadAdminList()
	case "BanList":
		return d.Configs.ReadBanList()
	case "WhiteList":
		return d.Configs.ReadWhiteList()
	case "RconConfig":
		return d.Configs.ReadRconConfig()
	case "Secrets":
		return d.Configs.ReadSecrets()
	case "ServerSettings":
		return d.Configs.ReadServerSettings()
	default:
		return nil, agenterr.New(agenterr.BadRequest, "unknown config kind: "+kind)
	}
}

func (d *Dispatcher) handleOperationAttach(peer *Peer, env Envelope, payload json.RawMessage) {
	var p OperationAttachPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "invalid OperationAttach payload"))
		return
	}
	id, err := uuid.Parse(p.ID)
	if err != nil {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "invalid operation id"))
		return
	}
	snap, ok := d.Operations.Get(id)
	if !ok {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "unknown or expired operation: "+p.ID))
		return
	}
	peer.Send(responseEnvelope(env.ID, snap))
}

func (d *Dispatcher) handleLogSubscribe(peer *Peer, env Envelope, payload json.RawMessage) {
	var p LogSubscribePayload
	_ = json.Unmarshal(payload, &p)
	sub := d.Supervisor.Subscribe()
	peer.attachLogSubscription(sub, p.Category)
	peer.Send(responseEnvelope(env.ID, map[string]string{"status": "subscribed"}))
}

func (d *Dispatcher) handleCancelOperation(peer *Peer, env Envelope, payload json.RawMessage) {
	var p CancelOperationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "invalid CancelOperation payload"))
		return
	}
	id, err := uuid.Parse(p.ID)
	if err != nil {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "invalid operation id"))
		return
	}
	if err := d.Operations.Cancel(id); err != nil {
		d.fail(peer, env.ID, err)
		return
	}
	peer.Send(responseEnvelope(env.ID, map[string]string{"status": "cancelling"}))
}

func (d *Dispatcher) handleSaveDownload(peer *Peer, env Envelope, payload json.RawMessage) {
	var p SaveDownloadPayload
	if err := json.Unmarshal(payload, &p); err != nil || !fsroot.ValidSavefileName(p.ID) {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "invalid save name"))
		return
	}
	data, err := os.ReadFile(d.Layout.SavePath(p.ID))
	if err != nil {
		if os.IsNotExist(err) {
			d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "unknown save: "+p.ID))
			return
		}
		d.fail(peer, env.ID, agenterr.Wrap(agenterr.ConfigIoFailed, "read save", err))
		return
	}
	peer.Send(responseEnvelope(env.ID, SaveBytesResponse{ID: p.ID, Bytes: data}))
}

// --- mutating requests ---

// doOperation begins the operation, acks, then runs fn on a goroutine,
// translating its outcome into Completed/Failed event frames and the
// registry's terminal frame. fn receives a context that is cancelled
// the moment a CancelOperation request is honored against this
// operation's id.
func (d *Dispatcher) doOperation(peer *Peer, env Envelope, kind RequestKind, conflictKey string, fn func(ctx context.Context, progress func(interface{})) (interface{}, error)) {
	h, err := d.Operations.Begin(string(kind), conflictKey)
	if err != nil {
		if agenterr.Is(err, agenterr.Busy) {
			telemetry.IncOperationBusy(string(kind), err.Error())
		}
		d.fail(peer, env.ID, err)
		return
	}
	telemetry.IncOperationStarted(string(kind))
	opID := h.ID().String()
	ctx, cancel := context.WithCancel(context.Background())
	h.SetCancel(cancel)
	peer.Send(responseEnvelope(env.ID, Ack{OperationID: opID}))

	go func() {
		defer cancel()
		progress := func(body interface{}) {
			h.Progress(body)
			peer.Send(eventEnvelope(opID, body))
		}
		result, err := fn(ctx, progress)
		if err != nil {
			h.Fail(Failed{Kind: string(agenterr.KindOf(err)), Detail: err.Error()})
			peer.Send(eventEnvelope(opID, Failed{Kind: string(agenterr.KindOf(err)), Detail: err.Error()}))
			telemetry.IncOperationTerminal(string(kind), "Failed")
			return
		}
		h.Complete(result)
		peer.Send(eventEnvelope(opID, Completed{Result: result}))
		telemetry.IncOperationTerminal(string(kind), "Completed")
	}()
}

func (d *Dispatcher) handleVersionInstall(peer *Peer, env Envelope, payload json.RawMessage) {
	var p VersionInstallPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "invalid VersionInstall payload"))
		return
	}
	d.doOperation(peer, env, KindVersionInstall, "Install", func(ctx context.Context, progress func(interface{})) (interface{}, error) {
		err := d.Installer.Install(ctx, p.Version, p.Force, func(ph installer.Phase) { progress(ph) })
		return map[string]string{"version": p.Version}, err
	})
}

func (d *Dispatcher) handleModListApply(peer *Peer, env Envelope, payload json.RawMessage) {
	var p ModListApplyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "invalid ModListApply payload"))
		return
	}
	seen := make(map[string]bool, len(p.Target))
	for _, t := range p.Target {
		if seen[t.Name] {
			d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "duplicate mod name: "+t.Name))
			return
		}
		seen[t.Name] = true
	}
	specs := make([]modstore.Spec, len(p.Target))
	for i, t := range p.Target {
		specs[i] = modstore.Spec{Name: t.Name, Version: t.Version}
	}
	d.doOperation(peer, env, KindModListApply, "ModReconcile", func(ctx context.Context, progress func(interface{})) (interface{}, error) {
		err := d.Mods.Reconcile(ctx, specs, func(e modstore.Event) { progress(e) })
		return nil, err
	})
}

func (d *Dispatcher) handleConfigPut(peer *Peer, env Envelope, payload json.RawMessage) {
	var p ConfigPutPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "invalid ConfigPut payload"))
		return
	}
	d.doOperation(peer, env, KindConfigPut, "ConfigWrite:"+p.Kind, func(ctx context.Context, progress func(interface{})) (interface{}, error) {
		return nil, d.writeConfigDoc(p.Kind, p.Doc)
	})
}

func (d *Dispatcher) writeConfigDoc(kind string, doc json.RawMessage) error {
	switch kind {
	case "AdminList":
		var v configstore.AdminList
		if err := json.Unmarshal(doc, &v); err != nil {
			return agenterr.New(agenterr.ConfigInvalid, err.Error())
		}
		return d.Configs.WriteAdminList(v)
	case "BanList":
		var v configstore.BanList
		if err := json.Unmarshal(doc, &v); err != nil {
			return agenterr.New(agenterr.ConfigInvalid, err.Error())
		}
		return d.Configs.WriteBanList(v)
	case "WhiteList":
		var v configstore.WhiteList
		if err := json.Unmarshal(doc, &v); err != nil {
			return agenterr.New(agenterr.ConfigInvalid, err.Error())
		}
		return d.Configs.WriteWhiteList(v)
	case "RconConfig":
		var v configstore.RconConfig
		if err := json.Unmarshal(doc, &v); err != nil {
			return agenterr.New(agenterr.ConfigInvalid, err.Error())
		}
		return d.Configs.WriteRconConfig(v)
	case "Secrets":
		var v configstore.Secrets
		if err := json.Unmarshal(doc, &v); err != nil {
			return agenterr.New(agenterr.ConfigInvalid, err.Error())
		}
		return d.Configs.WriteSecrets(v)
	case "ServerSettings":
		var v configstore.ServerSettings
		if err := json.Unmarshal(doc, &v); err != nil {
			return agenterr.New(agenterr.ConfigInvalid, err.Error())
		}
		return d.Configs.WriteServerSettings(v)
	default:
		return agenterr.New(agenterr.BadRequest, "unknown config kind: "+kind)
	}
}

func (d *Dispatcher) handleModSettingsPut(peer *Peer, env Envelope, payload json.RawMessage) {
	var v configstore.ModSettingsJSON
	if err := json.Unmarshal(payload, &v); err != nil {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "invalid ModSettingsPut payload"))
		return
	}
	d.doOperation(peer, env, KindModSettingsPut, "ConfigWrite:ModSettings", func(ctx context.Context, progress func(interface{})) (interface{}, error) {
		return nil, d.Configs.WriteModSettingsJSON(v)
	})
}

func (d *Dispatcher) handleServerStart(peer *Peer, env Envelope, payload json.RawMessage) {
	var p ServerStartPayload
	_ = json.Unmarshal(payload, &p)
	d.doOperation(peer, env, KindServerStart, "Start", func(ctx context.Context, progress func(interface{})) (interface{}, error) {
		installDir, err := d.CurrentInstallDir()
		if err != nil {
			return nil, err
		}
		err = d.Supervisor.Start(supervisor.StartSpec{
			InstallDir: installDir,
			SaveName:   p.Save,
			BindAddr:   d.BindAddr,
			RconHost:   d.RconHost,
			RconPort:   d.RconPort,
		})
		return nil, err
	})
}

func (d *Dispatcher) handleServerStop(peer *Peer, env Envelope) {
	d.doOperation(peer, env, KindServerStop, "Stop", func(ctx context.Context, progress func(interface{})) (interface{}, error) {
		alreadyStopped := d.Supervisor.State() == supervisor.NotRunning
		if err := d.Supervisor.Stop(); err != nil {
			return nil, err
		}
		if alreadyStopped {
			return map[string]string{"result": "NoOp"}, nil
		}
		return nil, nil
	})
}

func (d *Dispatcher) handleSaveCreate(peer *Peer, env Envelope, payload json.RawMessage) {
	var p SaveNamePayload
	if err := json.Unmarshal(payload, &p); err != nil || !fsroot.ValidSavefileName(p.Name) {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "invalid save name"))
		return
	}
	d.doOperation(peer, env, KindSaveCreate, "CreateSave", func(ctx context.Context, progress func(interface{})) (interface{}, error) {
		resp, err := d.Rcon.Command("/server-save " + p.Name)
		return resp, err
	})
}

func (d *Dispatcher) handleSaveDelete(peer *Peer, env Envelope, payload json.RawMessage) {
	var p SaveNamePayload
	if err := json.Unmarshal(payload, &p); err != nil || !fsroot.ValidSavefileName(p.Name) {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "invalid save name"))
		return
	}
	d.doOperation(peer, env, KindSaveDelete, "DeleteSave", func(ctx context.Context, progress func(interface{})) (interface{}, error) {
		return nil, os.Remove(d.Layout.SavePath(p.Name))
	})
}

func (d *Dispatcher) handleSaveUpload(peer *Peer, env Envelope, payload json.RawMessage) {
	var p SaveUploadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "invalid SaveUpload payload"))
		return
	}
	rng, err := parseRange(p.Range)
	if err != nil {
		d.fail(peer, env.ID, err)
		return
	}
	d.doOperation(peer, env, KindSaveUpload, "UploadSave:"+p.ID, func(ctx context.Context, progress func(interface{})) (interface{}, error) {
		done, err := d.Stager.Append(peer.id, p.ID, rng, p.Bytes)
		if err != nil {
			return nil, err
		}
		progress(map[string]interface{}{"id": p.ID, "range": p.Range, "done": done})
		return map[string]bool{"done": done}, nil
	})
}

// parsePlayerCount extracts the integer rcon.print result of a
// game.connected_players count query, defaulting to 0 on anything
// that doesn't parse cleanly.
func parsePlayerCount(resp string) int {
	n, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil {
		return 0
	}
	return n
}

func (d *Dispatcher) handleRconCommand(peer *Peer, env Envelope, payload json.RawMessage) {
	var p RconCommandPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.fail(peer, env.ID, agenterr.New(agenterr.BadRequest, "invalid RconCommand payload"))
		return
	}
	d.doOperation(peer, env, KindRconCommand, "RconCommand", func(ctx context.Context, progress func(interface{})) (interface{}, error) {
		return d.Rcon.Command(p.Command)
	})
}
