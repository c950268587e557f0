// Package broker is the read side of the desktop broker: typed views
// over the query scripts, plus the naming conventions that tie broker
// objects back to catalogs.
package broker

import "strings"

// Name conventions. The broker has no stable cross-object identifier
// for a catalog's desktop group and access policies; the scripts create
// them with these suffixes and every query joins on them.
const (
	DesktopGroupSuffix = "_desktopgrp"
	DirectPolicySuffix = "_Direct"
)

// Desktop types offered to administrators.
const (
	DesktopTypePooled    = "Pooled Random"
	DesktopTypeDedicated = "Dedicated"
	DesktopTypeShared    = "Hosted Shared"
)

// Error kinds the broker SDK raises during normal operation for some
// calls. Used in per-invocation ignore lists.
const (
	ErrKindPartialData  = "Citrix.Broker.Admin.SDK.PartialDataException"
	ErrKindSDKOperation = "Citrix.Broker.Admin.SDK.SdkOperationException"
)

// Catalog is the merged view of one catalog: broker catalog info,
// provisioning-scheme details, and desktop-group occupancy.
type Catalog struct {
	ID                   string
	Name                 string
	Description          string
	Count                int
	CountInUse           int
	Template             string
	DesktopType          string
	ComputeOffering      string
	DiskSize             int
	Network              string
	SecurityGroup        string
	Users                []string
	ProvisioningSchemeID string
	Status               string
	ProductBundleCode    string
}

// Machine is one desktop machine in a catalog.
type Machine struct {
	Name              string
	CatalogName       string
	DesktopGroupName  string
	DNSName           string
	VMResourceID      string
	PowerState        string
	RegistrationState string
	PersistUserChanges string
	InMaintenanceMode bool
	SessionCount      int
	AssociatedUsers   []string
	SupportedActions  []string
}

// HostName is the unqualified machine name: DOMAIN\HOST01 becomes
// HOST01. Billing subscriptions are keyed by it.
func (m Machine) HostName() string {
	if i := strings.LastIndex(m.Name, `\`); i >= 0 {
		return m.Name[i+1:]
	}
	return m.Name
}

// DesktopGroupName returns the desktop group created alongside a
// catalog.
func DesktopGroupName(catalogName string) string {
	return catalogName + DesktopGroupSuffix
}

// DirectPolicyName returns the access policy used for direct (non
// gateway) connections to a catalog's desktop group.
func DirectPolicyName(catalogName string) string {
	return catalogName + DesktopGroupSuffix + DirectPolicySuffix
}

// AllocationType maps a desktop type to the broker allocation type.
func AllocationType(desktopType string) string {
	switch desktopType {
	case DesktopTypeShared, DesktopTypePooled:
		return "Random"
	}
	return "Permanent"
}

// SessionSupport maps a desktop type to the broker session support.
func SessionSupport(desktopType string) string {
	if desktopType == DesktopTypeShared {
		return "MultiSession"
	}
	return "SingleSession"
}

// PersistUserChanges maps a desktop type to the broker persistence
// setting.
func PersistUserChanges(desktopType string) string {
	if desktopType == DesktopTypeShared {
		return "Discard"
	}
	return "Onlocal"
}

// CleanOnBoot reports whether machines of the desktop type reset to
// the template image on boot.
func CleanOnBoot(desktopType string) bool {
	return desktopType == DesktopTypeShared
}

// DesktopTypeFromBroker recovers the desktop type from the broker's
// allocation and session-support attributes.
func DesktopTypeFromBroker(allocationType, sessionSupport string) string {
	if sessionSupport == "MultiSession" {
		return DesktopTypeShared
	}
	if allocationType == "Static" {
		return DesktopTypeDedicated
	}
	return DesktopTypePooled
}
