// Package artifact encodes a backup's kind and creation time into its filename.
// No other package parses backup filenames.
package artifact

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type Kind string

const (
	KindDatabase Kind = "database"
	KindFiles    Kind = "files"
	KindComplete Kind = "complete"
)

// TimeLayout is the timestamp segment of every artifact name, always UTC.
const TimeLayout = "20060102150405"

const marker = "_backup_"

var namePattern = regexp.MustCompile(`^(database|files|complete)_backup_([0-9]{14})\.([a-z0-9]+(?:\.[a-z0-9]+)*)$`)

// Valid reports whether k is a known artifact kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDatabase, KindFiles, KindComplete:
		return true
	}
	return false
}

// DefaultExt is the extension used by Encode.
func (k Kind) DefaultExt() string {
	if k == KindDatabase {
		return "sql"
	}
	return "zip"
}

// Name is a decoded artifact filename.
type Name struct {
	Kind      Kind
	CreatedAt time.Time
	Ext       string
}

func (n Name) String() string {
	return EncodeExt(n.Kind, n.CreatedAt, n.Ext)
}

type ParseError struct {
	Filename string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecognized backup name %q: %s", e.Filename, e.Reason)
}

// Encode names an artifact of kind k created at t using the kind's default extension.
func Encode(k Kind, t time.Time) string {
	return EncodeExt(k, t, k.DefaultExt())
}

// EncodeExt names an artifact with an explicit extension (without the leading dot).
// Sub-second precision is dropped.
func EncodeExt(k Kind, t time.Time, ext string) string {
	return string(k) + marker + t.UTC().Format(TimeLayout) + "." + strings.TrimPrefix(strings.ToLower(ext), ".")
}

// Decode parses a filename produced by Encode or EncodeExt.
func Decode(filename string) (Name, error) {
	m := namePattern.FindStringSubmatch(filename)
	if m == nil {
		return Name{}, &ParseError{Filename: filename, Reason: "does not match <kind>_backup_<timestamp>.<ext>"}
	}
	ts, err := time.ParseInLocation(TimeLayout, m[2], time.UTC)
	if err != nil {
		return Name{}, &ParseError{Filename: filename, Reason: "invalid timestamp"}
	}
	return Name{Kind: Kind(m[1]), CreatedAt: ts, Ext: m[3]}, nil
}
