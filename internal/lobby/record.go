package lobby

import (
	"encoding/json"
	"slices"
	"time"
)

type Status int

const (
	Active Status = iota
	Closed
)

var statusNames = map[Status]string{
	Active: "active",
	Closed: "closed",
}

var statusFromName = map[string]Status{
	"active": Active,
	"closed": Closed,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := statusFromName[n]; ok {
		*s = v
	}
	return nil
}

// Mod is a required mod as shown in the lobby, resolved against the catalog.
type Mod struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	URL   string `json:"url,omitempty"`
	Known bool   `json:"known"`
}

// Record is the local view of one game session. Only the session monitor
// mutates records.
type Record struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"sessionId"`
	Title           string     `json:"title"`
	Map             string     `json:"map"`
	Mode            string     `json:"mode"`
	Playlist        string     `json:"playlist,omitempty"`
	HostName        string     `json:"hostName,omitempty"`
	CurrentPlayers  int        `json:"currentPlayers"`
	MaxPlayers      int        `json:"maxPlayers"`
	IsModded        bool       `json:"isModded"`
	RequiredMods    []Mod      `json:"requiredMods"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	LastHeartbeatAt time.Time  `json:"lastHeartbeatAt"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
}

// Clone returns a deep copy of the Record, duplicating pointer and slice
// fields so the copy can be mutated independently of the original.
func (r *Record) Clone() *Record {
	c := *r
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		c.ClosedAt = &t
	}
	c.RequiredMods = slices.Clone(r.RequiredMods)
	return &c
}

func (r *Record) IsClosed() bool {
	return r.Status == Closed
}

// SameContent reports whether two records carry the same lobby details,
// ignoring identity and timestamps.
func (r *Record) SameContent(o *Record) bool {
	return r.SessionID == o.SessionID &&
		r.Title == o.Title &&
		r.Map == o.Map &&
		r.Mode == o.Mode &&
		r.Playlist == o.Playlist &&
		r.HostName == o.HostName &&
		r.CurrentPlayers == o.CurrentPlayers &&
		r.MaxPlayers == o.MaxPlayers &&
		r.IsModded == o.IsModded &&
		slices.Equal(r.RequiredMods, o.RequiredMods)
}
