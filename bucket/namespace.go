package bucket

import (
	"fmt"
	"strings"
)

// ResponseMode is how a successful upload is acknowledged.
type ResponseMode string

const (
	// RespondRedirect sends the browser back to the namespace root.
	RespondRedirect ResponseMode = "redirect"
	// RespondJSON returns {"file": record}.
	RespondJSON ResponseMode = "json"
)

// ParseResponseMode accepts "redirect" and "json".
func ParseResponseMode(s string) (ResponseMode, error) {
	switch m := ResponseMode(strings.ToLower(strings.TrimSpace(s))); m {
	case RespondRedirect, RespondJSON:
		return m, nil
	}
	return "", fmt.Errorf("unknown upload response %q", s)
}

// Namespace is one isolated bucket with its own naming policy and URL prefix.
type Namespace struct {
	Name       string
	Policy     Policy
	Response   ResponseMode
	PathPrefix string
}

// New validates the config spellings and builds a namespace.
func New(name, policy, response, prefix string) (Namespace, error) {
	if name == "" {
		return Namespace{}, fmt.Errorf("bucket name is required")
	}
	p, err := ParsePolicy(policy)
	if err != nil {
		return Namespace{}, fmt.Errorf("bucket %s: %w", name, err)
	}
	r, err := ParseResponseMode(response)
	if err != nil {
		return Namespace{}, fmt.Errorf("bucket %s: %w", name, err)
	}
	return Namespace{Name: name, Policy: p, Response: r, PathPrefix: normalizePrefix(prefix)}, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return "/" + prefix
}

// Root is the listing page of the namespace, where uploads and deletes redirect to.
func (n Namespace) Root() string {
	return n.PathPrefix + "/"
}

var inlineImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// IsImage reports whether a stored content type may be rendered inline. Matching is exact.
func IsImage(contentType string) bool {
	return inlineImageTypes[contentType]
}
