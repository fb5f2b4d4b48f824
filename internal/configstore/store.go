package configstore

import (
	"encoding/json"
	"os"

	"github.com/justapithecus/factorio-agent/internal/agenterr"
	"github.com/justapithecus/factorio-agent/internal/fsroot"
)

// Store reads and writes ConfigDocuments under a fsroot.Layout.
type Store struct {
	layout fsroot.Layout
}

func New(layout fsroot.Layout) *Store {
	return &Store{layout: layout}
}

func readJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return agenterr.Wrap(agenterr.ConfigIoFailed, path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return agenterr.Wrap(agenterr.ConfigInvalid, path, err)
	}
	return nil
}

func writeJSON(dir, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return agenterr.Wrap(agenterr.ConfigInvalid, name, err)
	}
	if err := fsroot.WriteAtomic(dir, name, data); err != nil {
		return agenterr.Wrap(agenterr.ConfigIoFailed, name, err)
	}
	return nil
}

func (s *Store) ReadAdminList() (AdminList, error) {
	var v AdminList
	err := readJSON(s.layout.AdminListPath(), &v)
	return v, err
}

func (s *Store) WriteAdminList(v AdminList) error {
	return writeJSON(s.layout.ConfigDir(), "server-adminlist.json", v)
}

func (s *Store) ReadBanList() (BanList, error) {
	var v BanList
	err := readJSON(s.layout.BanListPath(), &v)
	return v, err
}

func (s *Store) WriteBanList(v BanList) error {
	return writeJSON(s.layout.ConfigDir(), "server-banlist.json", v)
}

func (s *Store) ReadWhiteList() (WhiteList, error) {
	var v WhiteList
	err := readJSON(s.layout.WhiteListPath(), &v)
	return v, err
}

func (s *Store) WriteWhiteList(v WhiteList) error {
	return writeJSON(s.layout.ConfigDir(), "server-whitelist.json", v)
}

func (s *Store) ReadRconConfig() (RconConfig, error) {
	var v RconConfig
	err := readJSON(s.layout.RconPasswordPath(), &v)
	return v, err
}

func (s *Store) WriteRconConfig(v RconConfig) error {
	if v.Password == "" {
		return agenterr.New(agenterr.ConfigInvalid, "rcon password must not be empty")
	}
	return writeJSON(s.layout.ConfigDir(), "rconpw", v)
}

// ReadSecrets returns the stored username with the token field always
// erased, per spec.md's Config Store read contract.
func (s *Store) ReadSecrets() (Secrets, error) {
	var v Secrets
	if err := readJSON(s.layout.SecretsPath(), &v); err != nil {
		return Secrets{}, err
	}
	v.Token = nil
	return v, nil
}

// ReadSecretsInternal returns Secrets with the token intact, for
// Agent-internal callers (the Mod Store's catalog credential) that
// are not the gateway's Secrets read path and must not be subject to
// its erase-on-read contract.
func (s *Store) ReadSecretsInternal() (Secrets, error) {
	return s.readSecretsRaw()
}

// WriteSecrets writes Username and, if Token is non-nil, replaces the
// stored token; a nil Token preserves whatever token is already on
// disk (read-modify-write under the path's operation lock).
func (s *Store) WriteSecrets(v Secrets) error {
	if v.Token == nil {
		existing, err := s.readSecretsRaw()
		if err != nil {
			return err
		}
		v.Token = existing.Token
	}
	return writeJSON(s.layout.ConfigDir(), "secrets.json", v)
}

func (s *Store) readSecretsRaw() (Secrets, error) {
	var v Secrets
	err := readJSON(s.layout.SecretsPath(), &v)
	return v, err
}

func (s *Store) ReadServerSettings() (ServerSettings, error) {
	var v ServerSettings
	err := readJSON(s.layout.ServerSettingsPath(), &v)
	return v, err
}

func (s *Store) WriteServerSettings(v ServerSettings) error {
	if v.MaxPlayers < 0 {
		return agenterr.New(agenterr.ConfigInvalid, "max_players must not be negative")
	}
	return writeJSON(s.layout.ConfigDir(), "server-settings.json", v)
}

func (s *Store) ReadModList() (ModList, error) {
	var v ModList
	err := readJSON(s.layout.ModListPath(), &v)
	return v, err
}

func (s *Store) WriteModList(v ModList) error {
	return writeJSON(s.layout.ModsDir(), "mod-list.json", v)
}

func (s *Store) ReadModSettingsJSON() (ModSettingsJSON, error) {
	var v ModSettingsJSON
	err := readJSON(s.layout.ModSettingsJSONPath(), &v)
	return v, err
}

func (s *Store) WriteModSettingsJSON(v ModSettingsJSON) error {
	return writeJSON(s.layout.ModsDir(), "mod-settings.json", v)
}

// ReadModSettingsBinary returns the opaque mod-settings.dat bytes
// unparsed: interpreting Factorio's binary property-tree format is an
// out-of-scope archive/binary-parsing concern.
func (s *Store) ReadModSettingsBinary() ([]byte, error) {
	data, err := os.ReadFile(s.layout.ModSettingsBinaryPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, agenterr.Wrap(agenterr.ConfigIoFailed, "mod-settings.dat", err)
	}
	return data, nil
}

func (s *Store) WriteModSettingsBinary(data []byte) error {
	if err := fsroot.WriteAtomic(s.layout.ModsDir(), "mod-settings.dat", data); err != nil {
		return agenterr.Wrap(agenterr.ConfigIoFailed, "mod-settings.dat", err)
	}
	return nil
}
