package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrNotObject is returned when the document is valid JSON but not an
	// object.
	ErrNotObject = errors.New("telemetry document is not a JSON object")
	// ErrNoPayload is returned when an envelope's data member is not an
	// object.
	ErrNoPayload = errors.New("telemetry envelope has no payload object")
)

// Field names a semantic payload field. The value is the canonical wire key.
type Field string

const (
	FieldActive         Field = "isCustomGame"
	FieldMap            Field = "mapName"
	FieldMode           Field = "gameMode"
	FieldPlaylist       Field = "playlist"
	FieldPlayers        Field = "playerCount"
	FieldMaxPlayers     Field = "maxPlayers"
	FieldHost           Field = "hostName"
	FieldMods           Field = "mods"
	FieldModded         Field = "isModded"
	FieldSessionID      Field = "sessionID"
	FieldTimestamp      Field = "timestamp"
	FieldSequence       Field = "seq"
	FieldMapUpdated     Field = "mapUpdatedThisTick"
	FieldModeUpdated    Field = "modeUpdatedThisTick"
	FieldPlayersUpdated Field = "playersUpdatedThisTick"
	FieldDebug          Field = "debug"
)

// fieldAliases lists the accepted keys per field, canonical key first.
// Older writers used the short names.
var fieldAliases = map[Field][]string{
	FieldActive:         {"isCustomGame", "isActiveSession"},
	FieldMap:            {"mapName", "map"},
	FieldMode:           {"gameMode", "mode", "modeName"},
	FieldPlaylist:       {"playlist", "playlistName"},
	FieldPlayers:        {"playerCount", "players", "currentPlayers"},
	FieldMaxPlayers:     {"maxPlayers"},
	FieldHost:           {"hostName", "host"},
	FieldMods:           {"mods"},
	FieldModded:         {"isModded"},
	FieldSessionID:      {"sessionID", "sessionId", "session_id"},
	FieldTimestamp:      {"timestamp"},
	FieldSequence:       {"seq", "sequence"},
	FieldMapUpdated:     {"mapUpdatedThisTick"},
	FieldModeUpdated:    {"modeUpdatedThisTick"},
	FieldPlayersUpdated: {"playersUpdatedThisTick"},
	FieldDebug:          {"debug"},
}

// Fields is a raw, not yet typed payload as it appeared on disk.
type Fields map[string]json.RawMessage

// Lookup returns the raw value for f under any of its aliases. Explicit
// JSON nulls count as absent.
func (fs Fields) Lookup(f Field) (json.RawMessage, bool) {
	for _, key := range fieldAliases[f] {
		raw, ok := fs[key]
		if !ok || isNull(raw) {
			continue
		}
		return raw, true
	}
	return nil, false
}

// Has reports whether f was reported in this tick.
func (fs Fields) Has(f Field) bool {
	_, ok := fs.Lookup(f)
	return ok
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

// Issue is a validation finding. Issues never block normalization.
type Issue struct {
	Field   Field
	Message string
}

func (i Issue) String() string {
	return string(i.Field) + ": " + i.Message
}

// UnwrapEnvelope accepts either a versioned envelope ({version, data}) or a
// bare legacy payload. A missing version means SchemaVersion. fields is nil
// when the envelope's data member is not an object.
func UnwrapEnvelope(raw []byte) (string, Fields, error) {
	raw = bytes.TrimPrefix(bytes.TrimSpace(raw), []byte("\xef\xbb\xbf"))

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return SchemaVersion, nil, ErrNotObject
		}
		return SchemaVersion, nil, fmt.Errorf("decoding telemetry: %w", err)
	}
	if doc == nil {
		return SchemaVersion, nil, ErrNotObject
	}

	data, enveloped := doc["data"]
	if !enveloped {
		return SchemaVersion, Fields(doc), nil
	}

	version := SchemaVersion
	if v, ok := doc["version"]; ok && !isNull(v) {
		if s, ok := asString(v); ok && s != "" {
			version = s
		}
	}

	var fields Fields
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return version, nil, nil
	}
	return version, fields, nil
}

// Validate type- and range-checks a raw payload.
func Validate(fields Fields) []Issue {
	var issues []Issue
	add := func(f Field, format string, args ...any) {
		issues = append(issues, Issue{Field: f, Message: fmt.Sprintf(format, args...)})
	}

	active := false
	if raw, ok := fields.Lookup(FieldActive); ok {
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			add(FieldActive, "expected boolean, got %s", kindOf(raw))
		} else {
			active = b
		}
	}

	if active {
		if s, _ := lookupString(fields, FieldMap); s == "" {
			add(FieldMap, "required while a session is active")
		}
		if s, _ := lookupString(fields, FieldMode); s == "" {
			add(FieldMode, "required while a session is active")
		}
	}

	current, currentOK := checkPlayerCount(fields, FieldPlayers, add)
	limit, limitOK := checkPlayerCount(fields, FieldMaxPlayers, add)
	if currentOK && limitOK && limit > 0 && current > limit {
		add(FieldPlayers, "%d exceeds maxPlayers %d", current, limit)
	}

	if raw, ok := fields.Lookup(FieldMods); ok {
		var mods []json.RawMessage
		if err := json.Unmarshal(raw, &mods); err != nil {
			add(FieldMods, "expected array of strings, got %s", kindOf(raw))
		} else {
			for i, m := range mods {
				var s string
				if err := json.Unmarshal(m, &s); err != nil {
					add(FieldMods, "element %d: expected string, got %s", i, kindOf(m))
				}
			}
		}
	}

	return issues
}

func checkPlayerCount(fields Fields, f Field, add func(Field, string, ...any)) (int, bool) {
	raw, ok := fields.Lookup(f)
	if !ok {
		return 0, false
	}
	n, ok := asInt(raw)
	if !ok {
		add(f, "expected integer, got %s", kindOf(raw))
		return 0, false
	}
	if n < MinPlayers || n > MaxPlayers {
		add(f, "%d out of range [%d, %d]", n, MinPlayers, MaxPlayers)
		return n, false
	}
	return n, true
}

// Normalize fills every field with a typed value. Absent fields take their
// type default and the update flags stay Unknown; carry-forward across ticks
// is the provider's job.
func Normalize(fields Fields, version string) Payload {
	_ = version // every 1.x schema shares this shape

	p := DefaultPayload()
	p.IsActiveSession, _ = lookupBool(fields, FieldActive)
	p.MapName, _ = lookupString(fields, FieldMap)
	p.ModeName, _ = lookupString(fields, FieldMode)
	p.PlaylistName, _ = lookupString(fields, FieldPlaylist)
	p.HostName, _ = lookupString(fields, FieldHost)
	p.SessionID, _ = lookupString(fields, FieldSessionID)
	p.Timestamp, _ = lookupString(fields, FieldTimestamp)

	if n, ok := lookupInt(fields, FieldPlayers); ok {
		p.CurrentPlayers = clampPlayers(n)
	}
	if n, ok := lookupInt(fields, FieldMaxPlayers); ok {
		p.MaxPlayers = clampPlayers(n)
	}
	if raw, ok := fields.Lookup(FieldSequence); ok {
		if n, ok := asInt64(raw); ok {
			p.Sequence = n
		}
	}

	if raw, ok := fields.Lookup(FieldMods); ok {
		p.Mods = normalizeMods(raw)
	}
	if modded, ok := lookupBool(fields, FieldModded); ok {
		p.IsModded = modded
	} else {
		p.IsModded = len(p.Mods) > 0
	}

	p.MapUpdated = lookupTriState(fields, FieldMapUpdated)
	p.ModeUpdated = lookupTriState(fields, FieldModeUpdated)
	p.PlayersUpdated = lookupTriState(fields, FieldPlayersUpdated)

	if raw, ok := fields.Lookup(FieldDebug); ok {
		p.Debug = slices.Clone(raw)
	}
	return p
}

func clampPlayers(n int) int {
	return min(max(n, MinPlayers), MaxPlayers)
}

// normalizeMods lower-cases and trims names, drops empties and duplicates,
// and returns them sorted.
func normalizeMods(raw json.RawMessage) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []string{}
	}
	seen := make(map[string]bool, len(items))
	mods := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			continue
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		mods = append(mods, s)
	}
	slices.Sort(mods)
	return mods
}

func lookupBool(fields Fields, f Field) (bool, bool) {
	raw, ok := fields.Lookup(f)
	if !ok {
		return false, false
	}
	return asBool(raw)
}

func lookupString(fields Fields, f Field) (string, bool) {
	raw, ok := fields.Lookup(f)
	if !ok {
		return "", false
	}
	return asString(raw)
}

func lookupInt(fields Fields, f Field) (int, bool) {
	raw, ok := fields.Lookup(f)
	if !ok {
		return 0, false
	}
	return asInt(raw)
}

func lookupTriState(fields Fields, f Field) TriState {
	b, ok := lookupBool(fields, f)
	if !ok {
		return Unknown
	}
	return triStateOf(b)
}

func asBool(raw json.RawMessage) (bool, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	}
	return false, false
}

func asString(raw json.RawMessage) (string, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

func asInt(raw json.RawMessage) (int, bool) {
	n, ok := asInt64(raw)
	if !ok || n > math.MaxInt32 || n < math.MinInt32 {
		return 0, false
	}
	return int(n), true
}

func asInt64(raw json.RawMessage) (int64, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func kindOf(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "invalid"
	}
	switch v.(type) {
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return "null"
}

// WirePayload is the canonical on-disk shape written by tooling.
type WirePayload struct {
	IsCustomGame           bool            `json:"isCustomGame"`
	MapName                string          `json:"mapName"`
	GameMode               string          `json:"gameMode"`
	Playlist               string          `json:"playlist"`
	PlayerCount            int             `json:"playerCount"`
	MaxPlayers             int             `json:"maxPlayers"`
	HostName               string          `json:"hostName"`
	Mods                   []string        `json:"mods"`
	IsModded               bool            `json:"isModded"`
	SessionID              string          `json:"sessionID"`
	Timestamp              string          `json:"timestamp,omitempty"`
	Seq                    int64           `json:"seq"`
	MapUpdatedThisTick     TriState        `json:"mapUpdatedThisTick"`
	ModeUpdatedThisTick    TriState        `json:"modeUpdatedThisTick"`
	PlayersUpdatedThisTick TriState        `json:"playersUpdatedThisTick"`
	Debug                  json.RawMessage `json:"debug,omitempty"`
}

// CanonicalEnvelope is the versioned wrapper as written to disk.
type CanonicalEnvelope struct {
	Version string      `json:"version"`
	Data    WirePayload `json:"data"`
}

// Canonical converts a normalized payload back to the wire shape.
func Canonical(p Payload, version string) CanonicalEnvelope {
	if version == "" {
		version = SchemaVersion
	}
	mods := slices.Clone(p.Mods)
	if mods == nil {
		mods = []string{}
	}
	return CanonicalEnvelope{
		Version: version,
		Data: WirePayload{
			IsCustomGame:           p.IsActiveSession,
			MapName:                p.MapName,
			GameMode:               p.ModeName,
			Playlist:               p.PlaylistName,
			PlayerCount:            p.CurrentPlayers,
			MaxPlayers:             p.MaxPlayers,
			HostName:               p.HostName,
			Mods:                   mods,
			IsModded:               p.IsModded,
			SessionID:              p.SessionID,
			Timestamp:              p.Timestamp,
			Seq:                    p.Sequence,
			MapUpdatedThisTick:     p.MapUpdated,
			ModeUpdatedThisTick:    p.ModeUpdated,
			PlayersUpdatedThisTick: p.PlayersUpdated,
			Debug:                  p.Debug,
		},
	}
}

// ToCanonicalEnvelope parses any accepted telemetry document and returns its
// normalized canonical form.
func ToCanonicalEnvelope(raw []byte) (CanonicalEnvelope, error) {
	version, fields, err := UnwrapEnvelope(raw)
	if err != nil {
		return CanonicalEnvelope{}, err
	}
	if fields == nil {
		return CanonicalEnvelope{}, ErrNoPayload
	}
	return Canonical(Normalize(fields, version), version), nil
}

// MarshalCanonical renders p as an indented canonical envelope under the
// current schema version.
func MarshalCanonical(p Payload) ([]byte, error) {
	data, err := json.MarshalIndent(Canonical(p, SchemaVersion), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
