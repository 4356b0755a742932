package lobby

import (
	"crypto/sha256"
	"fmt"
)

// PrivacyFilter masks identifying fields before a record leaves the machine.
// The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskHostNames  bool
	MaskSessionIDs bool
}

// Apply returns a copy of the record with sensitive fields masked according
// to the filter configuration. The original record is never modified.
func (f *PrivacyFilter) Apply(r *Record) *Record {
	masked := r.Clone()

	if f.MaskHostNames && masked.HostName != "" {
		masked.HostName = shortHash(masked.HostName)
	}

	if f.MaskSessionIDs && masked.SessionID != "" {
		masked.SessionID = shortHash(masked.SessionID)
	}

	return masked
}

// IsNoop reports whether the filter masks nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskHostNames && !f.MaskSessionIDs
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
