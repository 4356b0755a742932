package telemetry

import "time"

// Status is the provider's view of the file, served alongside the payload.
type Status struct {
	SourcePath string     `json:"sourcePath"`
	FileExists bool       `json:"fileExists"`
	ParseOK    bool       `json:"parseOk"`
	Stale      bool       `json:"stale"`
	LastGoodAt *time.Time `json:"lastGoodAt,omitempty"`
	// LastChangeAt is when the writer last produced new valid content.
	LastChangeAt *time.Time `json:"lastChangeAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	LastErrorAt  *time.Time `json:"lastErrorAt,omitempty"`
	// ConsecutiveParseErrors counts failed reads since the last good one.
	ConsecutiveParseErrors int `json:"consecutiveParseErrors"`
	Reads                  int `json:"reads"`
}

// readHealth tracks the outcome of successive reads. Not safe for concurrent
// use; the provider guards it with its own mutex.
type readHealth struct {
	fileExists bool
	parseOK    bool
	hasGood    bool
	lastGoodAt time.Time
	failures   int
	lastErr    string
	lastErrAt  time.Time
	reads      int
	lastIssues string
	wasStale   bool
	// lastChangeAt only moves when the content changed; it measures writer
	// liveness while lastGoodAt is the baseline for the hold window.
	lastChangeAt time.Time
}

func (h *readHealth) recordSuccess(now time.Time) {
	h.fileExists = true
	h.parseOK = true
	h.hasGood = true
	h.lastGoodAt = now
	h.lastChangeAt = now
	h.failures = 0
	h.lastErr = ""
	h.reads++
}

// recordUnchanged notes a poll that found the same bytes as the last good
// read. It is a good read, but the writer has not moved, so the change
// timestamp keeps aging.
func (h *readHealth) recordUnchanged(now time.Time) {
	h.fileExists = true
	h.parseOK = true
	h.lastGoodAt = now
	h.failures = 0
	h.lastErr = ""
}

func (h *readHealth) recordFailure(now time.Time, fileExists bool, err error) {
	h.fileExists = fileExists
	h.parseOK = false
	h.failures++
	h.lastErr = err.Error()
	h.lastErrAt = now
	h.reads++
}

// stale reports whether the cached payload must not be served: no new
// content for staleAfter, or no good read for hold while the file is
// currently unreadable.
func (h *readHealth) stale(now time.Time, staleAfter, hold time.Duration) bool {
	if !h.hasGood {
		return true
	}
	if now.Sub(h.lastChangeAt) > staleAfter {
		return true
	}
	return !h.parseOK && now.Sub(h.lastGoodAt) > hold
}

func (h *readHealth) snapshot(path string, stale bool) Status {
	st := Status{
		SourcePath:             path,
		FileExists:             h.fileExists,
		ParseOK:                h.parseOK,
		Stale:                  stale,
		LastError:              h.lastErr,
		ConsecutiveParseErrors: h.failures,
		Reads:                  h.reads,
	}
	if h.hasGood {
		t, c := h.lastGoodAt, h.lastChangeAt
		st.LastGoodAt = &t
		st.LastChangeAt = &c
	}
	if !h.lastErrAt.IsZero() {
		t := h.lastErrAt
		st.LastErrorAt = &t
	}
	return st
}
