package federation

import (
	"fmt"
	"strings"

	"postbox/pkg/types"
)

// Handle is a federated identity in webfinger style
// Examples:
//   - alice@pod.example
//   - acct:bob@social.example:8443
type Handle struct {
	User   string
	Domain string
}

// ParseHandle parses "user@domain", optionally prefixed with "acct:".
// The domain is lowercased; the user part is kept as given.
func ParseHandle(s string) (*Handle, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "acct:")
	if s == "" {
		return nil, fmt.Errorf("handle cannot be empty")
	}

	parts := strings.Split(s, "@")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid handle %q: must contain exactly one @ symbol", s)
	}

	user, domain := parts[0], strings.ToLower(parts[1])
	if user == "" {
		return nil, fmt.Errorf("invalid handle %q: user part cannot be empty", s)
	}
	if domain == "" {
		return nil, fmt.Errorf("invalid handle %q: domain cannot be empty", s)
	}
	if strings.ContainsAny(user, " \t/") || strings.ContainsAny(domain, " \t/") {
		return nil, fmt.Errorf("invalid handle %q: whitespace or slash not allowed", s)
	}
	if !strings.Contains(domain, ".") && !strings.Contains(domain, ":") && domain != "localhost" {
		return nil, fmt.Errorf("invalid handle %q: domain must contain at least one dot", s)
	}

	return &Handle{User: user, Domain: domain}, nil
}

// String returns the canonical user@domain form.
func (h *Handle) String() string {
	if h == nil {
		return ""
	}
	return h.User + "@" + h.Domain
}

// ServerID is the https base URL of the node hosting the handle.
func (h *Handle) ServerID() types.ServerID {
	return types.ServerID("https://" + h.Domain)
}

// IsLocal reports whether the handle belongs to the given domain.
func (h *Handle) IsLocal(domain string) bool {
	return h != nil && h.Domain == strings.ToLower(domain)
}

// CanonicalHandle normalizes s, returning an error for anything that is not
// a valid handle.
func CanonicalHandle(s string) (string, error) {
	h, err := ParseHandle(s)
	if err != nil {
		return "", err
	}
	return h.String(), nil
}
