package revision

import (
	"encoding/hex"
	"strings"
	"time"
)

// Lane names a selection strategy whose consecutive builds are tracked together.
type Lane string

// LaneTimeBased is the lane used by the commit-time build chooser.
const LaneTimeBased Lane = "timebased"

// IDLength is the length of a hex encoded commit identifier.
const IDLength = 40

// Commit is a single entry of a repository history dump.
type Commit struct {
	ID   string    `json:"id"`
	When time.Time `json:"when"`
}

// Equal reports whether both commits name the same revision.
func (c Commit) Equal(other Commit) bool {
	return c.ID == other.ID
}

// Short returns the abbreviated identifier used in log output.
func (c Commit) Short() string {
	if len(c.ID) <= 8 {
		return c.ID
	}
	return c.ID[:8]
}

// Candidate is a commit selected for building, tagged with the lane that selected it.
type Candidate struct {
	Commit
	Lane Lane `json:"lane"`
}

// ValidID reports whether s is a 40 character hex commit identifier.
func ValidID(s string) bool {
	if len(s) != IDLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// NormalizeID lower-cases a commit identifier so that identity comparisons are exact.
func NormalizeID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
