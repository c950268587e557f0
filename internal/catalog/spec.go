// Package catalog implements the catalog lifecycle: creation with
// machine provisioning, growth, and deletion, each running detached
// under the calling administrator's identity.
package catalog

import (
	"fmt"
	"regexp"
	"strings"

	"vd-catalogd.io/catalogd/internal/broker"
)

// Catalog name and description limits. The name feeds the machine
// naming scheme, which the broker caps at 15 characters including the
// numeric suffix.
const (
	maxNameLen        = 12
	maxDescriptionLen = 140
	namingSuffixLen   = 3
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9$\-_]+$`)

// Spec describes a catalog to create.
type Spec struct {
	Name            string
	Description     string
	Count           int
	DesktopType     string
	Template        string
	Network         string
	SecurityGroup   string
	ComputeOffering string
	Users           []string

	// ProductBundleCode selects the billing bundle for the catalog's
	// machines. Empty skips billing.
	ProductBundleCode string
}

// Validate checks a Spec before any script is submitted.
func (s Spec) Validate() error {
	if s.Name == "" || !namePattern.MatchString(s.Name) {
		return fmt.Errorf("catalog name is required, limited to alphanumerics and $ - _")
	}
	if len(s.Name) > maxNameLen {
		return fmt.Errorf("catalog name limited to %d characters", maxNameLen)
	}
	if s.Description == "" || len(s.Description) > maxDescriptionLen {
		return fmt.Errorf("description is required, at most %d characters", maxDescriptionLen)
	}
	if s.Count < 1 {
		return fmt.Errorf("desktop count must be a whole number greater than zero")
	}
	if len(s.Users) == 0 {
		return fmt.Errorf("select at least one user or group")
	}
	switch s.DesktopType {
	case broker.DesktopTypePooled, broker.DesktopTypeDedicated, broker.DesktopTypeShared:
	default:
		return fmt.Errorf("unknown desktop type %q", s.DesktopType)
	}
	if s.Template == "" {
		return fmt.Errorf("template is required")
	}
	if s.Network == "" {
		return fmt.Errorf("network is required")
	}
	if s.ComputeOffering == "" {
		return fmt.Errorf("compute offering is required")
	}
	return nil
}

// NamingScheme derives the machine naming scheme from the catalog
// name: spaces removed, truncated to the name limit, with a three
// digit wildcard suffix.
func NamingScheme(catalogName string) string {
	scheme := strings.ReplaceAll(catalogName, " ", "")
	if len(scheme) > maxNameLen {
		scheme = scheme[:maxNameLen]
	}
	return scheme + strings.Repeat("#", namingSuffixLen)
}

// EnumDesktopNames lists the machine names the naming scheme produces
// for a catalog, in creation order.
func EnumDesktopNames(catalogName string, count int) []string {
	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		names = append(names, fmt.Sprintf("%s%03d", catalogName, i))
	}
	return names
}
