package proxy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidSubdomain covers both malformed and reserved subdomains.
var ErrInvalidSubdomain = errors.New("proxy: invalid subdomain")

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Policy validates subdomains against a reserved list and a strict charset.
type Policy struct {
	reserved map[string]struct{}
}

// NewPolicy builds a Policy; reserved entries are compared case-insensitively.
func NewPolicy(reserved []string) Policy {
	set := make(map[string]struct{}, len(reserved))
	for _, r := range reserved {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	return Policy{reserved: set}
}

// Validate accepts lowercase alphanumerics and inner hyphens only.
func (p Policy) Validate(sub string) error {
	if !subdomainPattern.MatchString(sub) {
		return fmt.Errorf("%w: %q must be lowercase letters, digits and inner hyphens", ErrInvalidSubdomain, sub)
	}
	if _, ok := p.reserved[sub]; ok {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidSubdomain, sub)
	}
	return nil
}
