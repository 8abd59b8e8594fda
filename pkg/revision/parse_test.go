package revision

import (
	"errors"
	"strings"
	"testing"
)

const (
	idA = "1111111111111111111111111111111111111111"
	idB = "2222222222222222222222222222222222222222"
	idC = "3333333333333333333333333333333333333333"
	idD = "4444444444444444444444444444444444444444"
)

func TestParseLogQuotedRecords(t *testing.T) {
	dump := "'" + idA + "#1300000300'\n'" + idB + "#1300000200'\n'" + idC + "#1300000100'\n"

	commits, err := ParseLog(dump)
	if err != nil {
		t.Fatalf("ParseLog returned error: %v", err)
	}
	if len(commits) != 3 {
		t.Fatalf("expected 3 commits, got %d", len(commits))
	}
	if commits[0].ID != idA || commits[2].ID != idC {
		t.Fatalf("unexpected ids: %#v", commits)
	}
	if got := commits[1].When.UnixMilli(); got != 1300000200*1000 {
		t.Fatalf("expected millisecond timestamp, got %d", got)
	}
}

func TestParseLogQuoteVariants(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"bare", idA + "#42"},
		{"record wrapped", "'" + idA + "#42'"},
		{"fields wrapped", "'" + idA + "'#'42'"},
		{"only id wrapped", "'" + idA + "'#42"},
		{"only timestamp wrapped", idA + "#'42'"},
		{"crlf", idA + "#42\r"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			commits, err := ParseLog(tc.line)
			if err != nil {
				t.Fatalf("ParseLog(%q) returned error: %v", tc.line, err)
			}
			if len(commits) != 1 || commits[0].ID != idA || commits[0].When.Unix() != 42 {
				t.Fatalf("unexpected commits: %#v", commits)
			}
		})
	}
}

func TestParseLogUnpairedQuoteIsKept(t *testing.T) {
	cases := []struct {
		name string
		line string
		want error
	}{
		{"leading quote on id only", "'" + idA + "#42", ErrInvalidID},
		{"trailing quote on timestamp only", idA + "#42'", ErrInvalidTimestamp},
		{"quote before separator", idA + "'#42", ErrInvalidID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseLog(tc.line)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestParseLogMalformed(t *testing.T) {
	cases := []struct {
		name string
		dump string
		line int
		want error
	}{
		{"missing separator", idA + "#1\n" + idB + " 2\n", 2, ErrMissingSeparator},
		{"non numeric timestamp", idA + "#yesterday", 1, ErrInvalidTimestamp},
		{"short id", "abc123#1", 1, ErrInvalidID},
		{"non hex id", strings.Repeat("z", IDLength) + "#1", 1, ErrInvalidID},
		{"blank line inside dump", idA + "#1\n\n" + idB + "#2", 2, ErrMissingSeparator},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			commits, err := ParseLog(tc.dump)
			if commits != nil {
				t.Fatalf("expected no partial result, got %#v", commits)
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParseError, got %T (%v)", err, err)
			}
			if perr.Line != tc.line {
				t.Fatalf("expected failure on line %d, got %d", tc.line, perr.Line)
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestParseLogEmpty(t *testing.T) {
	commits, err := ParseLog("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(commits) != 0 {
		t.Fatalf("expected no commits, got %d", len(commits))
	}
}

func TestParseLogNormalizesCase(t *testing.T) {
	upper := strings.ToUpper("abcdefabcdefabcdefabcdefabcdefabcdefabcd")
	commits, err := ParseLog(upper + "#5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if commits[0].ID != strings.ToLower(upper) {
		t.Fatalf("expected lower-case id, got %s", commits[0].ID)
	}
}

func TestParseLogKeepsDuplicates(t *testing.T) {
	commits, err := ParseLog(idA + "#1\n" + idA + "#1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("duplicates must not be removed, got %d commits", len(commits))
	}
}
