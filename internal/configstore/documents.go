// Package configstore reads and writes the Agent's typed
// ConfigDocuments: admin/ban/white lists, RCON credentials, catalog
// secrets, server settings, and mod settings in both JSON and opaque
// binary form. Every writer goes through fsroot.WriteAtomic.
package configstore

// AdminList is the set of player names granted in-game admin rights.
type AdminList struct {
	Names []string `json:"names"`
}

// BanList is the set of banned player names.
type BanList struct {
	Names []string `json:"names"`
}

// WhiteList gates join access to a fixed user set when Enabled.
type WhiteList struct {
	Enabled bool     `json:"enabled"`
	Users   []string `json:"users"`
}

// RconConfig holds the administrative socket's bind port and password.
type RconConfig struct {
	Port     int    `json:"port"`
	Password string `json:"password"`
}

// Secrets holds the catalog credential. Reading always erases Token;
// writing with a nil Token preserves whatever token is already stored.
type Secrets struct {
	Username string  `json:"username"`
	Token    *string `json:"token,omitempty"`
}

// ServerSettings is the structured Factorio server-settings.json
// document.
type ServerSettings struct {
	Name                    string     `json:"name"`
	Description             string     `json:"description"`
	Tags                    []string   `json:"tags,omitempty"`
	MaxPlayers              int        `json:"max_players"`
	Visibility              Visibility `json:"visibility"`
	GamePassword            string     `json:"game_password,omitempty"`
	RequireUserVerification bool       `json:"require_user_verification"`
	AutosaveInterval        int        `json:"autosave_interval"`
	AutosaveSlots           int        `json:"autosave_slots"`
}

type Visibility struct {
	Public bool `json:"public"`
	LAN    bool `json:"lan"`
}

// ModListEntry is one declared mod in mod-list.json.
type ModListEntry struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// ModList is the mods/mod-list.json document.
type ModList struct {
	Mods []ModListEntry `json:"mods"`
}

// ModSettingsJSON is the mod-list-adjacent JSON form of per-mod
// startup/runtime settings; distinct from ModSettingsBinary.
type ModSettingsJSON struct {
	Settings map[string]interface{} `json:"settings"`
}
