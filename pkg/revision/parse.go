package revision

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Separator joins the identifier and the commit time on every log line.
const Separator = "#"

const quote = "'"

var (
	ErrMissingSeparator = errors.New("missing separator")
	ErrInvalidID        = errors.New("invalid commit id")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// ParseError reports the first malformed line of a history dump.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse log line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseLog parses a dump with one "<id>#<epochSeconds>" record per line.
// Any malformed line fails the whole dump; no partial result is returned.
func ParseLog(dump string) ([]Commit, error) {
	lines := strings.Split(dump, "\n")
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == "" {
		lines = lines[:n-1]
	}

	commits := make([]Commit, 0, len(lines))
	for idx, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		commit, err := ParseLine(line)
		if err != nil {
			return nil, &ParseError{Line: idx + 1, Text: line, Err: err}
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

// ParseLine parses a single log record.
func ParseLine(line string) (Commit, error) {
	id, stamp, err := splitRecord(line)
	if err != nil {
		return Commit{}, err
	}
	if !ValidID(id) {
		return Commit{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	seconds, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return Commit{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, stamp)
	}
	return Commit{
		ID:   NormalizeID(id),
		When: time.UnixMilli(seconds * 1000).UTC(),
	}, nil
}

// splitRecord separates the two fields. A quote pair is removed only when it
// wraps the whole record or a whole field; an unpaired quote stays attached.
func splitRecord(line string) (string, string, error) {
	idx := strings.Index(line, Separator)
	if idx < 0 {
		return "", "", ErrMissingSeparator
	}
	id, stamp := line[:idx], line[idx+len(Separator):]

	if quoted(line) && !quoted(id) && !quoted(stamp) {
		return strings.TrimPrefix(id, quote), strings.TrimSuffix(stamp, quote), nil
	}
	return unquote(id), unquote(stamp), nil
}

func quoted(s string) bool {
	return len(s) >= 2 && strings.HasPrefix(s, quote) && strings.HasSuffix(s, quote)
}

func unquote(s string) string {
	if quoted(s) {
		return s[1 : len(s)-1]
	}
	return s
}
