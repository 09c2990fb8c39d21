// Package bucket describes the upload namespaces: how stored names are chosen and how an
// upload is acknowledged.
package bucket

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Policy decides the stored filename for an upload.
type Policy int

const (
	// Randomized stores 16 random bytes in hex followed by the original extension.
	Randomized Policy = iota
	// PreserveOriginal stores the client's filename verbatim.
	PreserveOriginal
)

// ErrEmptyName is returned when an upload carries no usable filename.
var ErrEmptyName = errors.New("empty filename")

func (p Policy) String() string {
	switch p {
	case Randomized:
		return "random"
	case PreserveOriginal:
		return "original"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts the config spellings "random" and "original".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "random", "randomized":
		return Randomized, nil
	case "original", "preserve", "preserve-original":
		return PreserveOriginal, nil
	}
	return 0, fmt.Errorf("unknown naming policy %q", s)
}

// StoredName maps the client-supplied name to the name recorded in the store.
func (p Policy) StoredName(original string) (string, error) {
	base := baseName(original)
	switch p {
	case Randomized:
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("random name: %w", err)
		}
		return hex.EncodeToString(buf) + Ext(base), nil
	case PreserveOriginal:
		if base == "" || base == "." || base == ".." {
			return "", ErrEmptyName
		}
		return base, nil
	}
	return "", fmt.Errorf("unknown naming policy %d", int(p))
}

// baseName strips any directory part a client may send, with either separator.
func baseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Ext returns the extension of a base name including the dot, case preserved.
// Leading dots do not start an extension: ".env" has none, "archive.tar.gz" has ".gz".
func Ext(base string) string {
	dot := strings.LastIndexByte(base, '.')
	if dot <= 0 {
		return ""
	}
	if strings.Trim(base[:dot], ".") == "" && dot == len(base)-1 && dot == 1 {
		// ".."
		return ""
	}
	return base[dot:]
}
