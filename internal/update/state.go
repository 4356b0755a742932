// Package update checks for, downloads and installs new overlay releases.
package update

import (
	"encoding/json"
	"fmt"
)

type Status int

const (
	StatusIdle Status = iota
	StatusChecking
	StatusAvailable
	StatusNotAvailable
	StatusDownloading
	StatusDownloaded
	StatusInstalling
	StatusError
)

var statusNames = map[Status]string{
	StatusIdle:         "idle",
	StatusChecking:     "checking",
	StatusAvailable:    "available",
	StatusNotAvailable: "not_available",
	StatusDownloading:  "downloading",
	StatusDownloaded:   "downloaded",
	StatusInstalling:   "installing",
	StatusError:        "error",
}

var statusFromName = func() map[string]Status {
	m := make(map[string]Status, len(statusNames))
	for k, v := range statusNames {
		m[v] = k
	}
	return m
}()

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
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, ok := statusFromName[str]
	if !ok {
		return fmt.Errorf("unknown update status: %q", str)
	}
	*s = v
	return nil
}

type State struct {
	Status          Status  `json:"status"`
	Version         string  `json:"version,omitempty"`
	ReleaseNotes    string  `json:"releaseNotes,omitempty"`
	ProgressPercent float64 `json:"progressPercent"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
}

// Release describes an available version.
type Release struct {
	Version string `json:"version"`
	Notes   string `json:"notes,omitempty"`
	URL     string `json:"url"`
}
