package telemetry

import (
	"encoding/json"
	"slices"
)

// SchemaVersion is the telemetry schema this build understands. Envelopes
// without a version are assumed to carry this one.
const SchemaVersion = "1.0"

// Player count bounds enforced by validation.
const (
	MinPlayers = 0
	MaxPlayers = 32
)

// TriState distinguishes "confirmed unchanged" from "not reported" for the
// per-tick update flags.
type TriState int8

const (
	Unknown TriState = iota
	True
	False
)

func triStateOf(b bool) TriState {
	if b {
		return True
	}
	return False
}

func (s TriState) String() string {
	switch s {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

func (s TriState) MarshalJSON() ([]byte, error) {
	switch s {
	case True:
		return []byte("true"), nil
	case False:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

func (s *TriState) UnmarshalJSON(data []byte) error {
	var b *bool
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	if b == nil {
		*s = Unknown
		return nil
	}
	*s = triStateOf(*b)
	return nil
}

// Payload is the normalized game state. Every field is typed; no raw JSON
// crosses this boundary except the opaque Debug blob.
type Payload struct {
	IsActiveSession bool            `json:"isActiveSession"`
	MapName         string          `json:"mapName"`
	ModeName        string          `json:"modeName"`
	PlaylistName    string          `json:"playlistName"`
	CurrentPlayers  int             `json:"currentPlayers"`
	MaxPlayers      int             `json:"maxPlayers"`
	HostName        string          `json:"hostName"`
	Mods            []string        `json:"mods"`
	IsModded        bool            `json:"isModded"`
	SessionID       string          `json:"sessionId"`
	Timestamp       string          `json:"timestamp,omitempty"`
	Sequence        int64           `json:"sequence"`
	MapUpdated      TriState        `json:"mapUpdatedThisTick"`
	ModeUpdated     TriState        `json:"modeUpdatedThisTick"`
	PlayersUpdated  TriState        `json:"playersUpdatedThisTick"`
	Debug           json.RawMessage `json:"debug,omitempty"`
}

// DefaultPayload is the inactive, unknown state served before the first
// good read and whenever the provider is stale.
func DefaultPayload() Payload {
	return Payload{Mods: []string{}}
}

// Clone returns a copy whose slices can be mutated independently.
func (p Payload) Clone() Payload {
	c := p
	c.Mods = slices.Clone(p.Mods)
	if c.Mods == nil {
		c.Mods = []string{}
	}
	if p.Debug != nil {
		c.Debug = slices.Clone(p.Debug)
	}
	return c
}

// Envelope pairs a payload with the schema version it was read under.
type Envelope struct {
	SchemaVersion string  `json:"schemaVersion"`
	Payload       Payload `json:"payload"`
}

// DefaultEnvelope is the envelope that exists before the first read.
func DefaultEnvelope() Envelope {
	return Envelope{SchemaVersion: SchemaVersion, Payload: DefaultPayload()}
}
