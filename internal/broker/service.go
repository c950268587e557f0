package broker

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vd-catalogd.io/catalogd/internal/bridge"
	"vd-catalogd.io/catalogd/internal/identity"
	"vd-catalogd.io/catalogd/internal/pkg/logger"
)

// Service answers read queries against the broker.
type Service struct {
	inv          bridge.Invoker
	adminAddress string
	domain       string
}

// NewService builds a broker query service.
func NewService(inv bridge.Invoker, adminAddress, domain string) *Service {
	return &Service{inv: inv, adminAddress: adminAddress, domain: domain}
}

// GetCatalogs returns the merged catalog view. An empty catalogName
// returns all catalogs.
//
// Three queries contribute to each Catalog: broker catalog info,
// provisioning-scheme details (matched on provisioning-scheme id), and
// desktop-group occupancy (matched on the desktop-group name
// convention). A partial merge is survivable: scheme or group details
// that fail to load leave those fields zero and log the cause.
func (s *Service) GetCatalogs(ctx context.Context, id identity.Context, catalogName string) ([]Catalog, error) {
	correlationID := uuid.NewString()
	log := logger.With(
		zap.String("catalog", catalogName),
		zap.String("correlation_id", correlationID),
	)

	catalogs, err := s.catalogInfo(ctx, id, catalogName, correlationID)
	if err != nil {
		return nil, err
	}
	if err := s.provSchemeDetails(ctx, id, catalogName, correlationID, catalogs, log); err != nil {
		log.Error("provisioning scheme details unavailable", zap.Error(err))
	}
	if err := s.desktopGroupDetails(ctx, id, catalogName, correlationID, catalogs, log); err != nil {
		log.Error("desktop group details unavailable", zap.Error(err))
	}
	return catalogs, nil
}

// GetCatalogWithUsers returns the catalog view plus the user list from
// the direct access policy.
func (s *Service) GetCatalogWithUsers(ctx context.Context, id identity.Context, catalogName string) ([]Catalog, error) {
	catalogs, err := s.GetCatalogs(ctx, id, catalogName)
	if err != nil {
		return nil, err
	}
	correlationID := uuid.NewString()
	log := logger.With(
		zap.String("catalog", catalogName),
		zap.String("correlation_id", correlationID),
	)
	if err := s.catalogUsers(ctx, id, catalogName, correlationID, catalogs, log); err != nil {
		log.Error("catalog users unavailable", zap.Error(err))
	}
	return catalogs, nil
}

func (s *Service) catalogInfo(ctx context.Context, id identity.Context, catalogName, correlationID string) ([]Catalog, error) {
	inv := bridge.Invocation{
		Script:        bridge.ScriptGetCatalogs,
		CorrelationID: correlationID,
	}.
		WithParam("ddcAddress", s.adminAddress).
		WithParam("catalogName", catalogName)

	records, err := s.inv.Invoke(ctx, id, inv)
	if err != nil {
		return nil, err
	}

	var catalogs []Catalog
	for _, rec := range records {
		name, _ := rec.String("Name")
		description, _ := rec.String("Description")
		catalogID := stringOrNumber(rec, "Uid")
		provID, _ := rec.String("ProvisioningSchemeId")
		sessionSupport, _ := rec.String("SessionSupport")
		allocationType, _ := rec.String("AllocationType")
		unassigned, _ := rec.Int("UnassignedCount")
		assigned, _ := rec.Int("AssignedCount")

		status := "Undetermined"
		if meta, ok := rec["MetadataMap"].(map[string]any); ok {
			if v, ok := meta["DIaaS_Status"].(string); ok {
				status = v
			}
		}

		catalogs = append(catalogs, Catalog{
			ID:                   catalogID,
			Name:                 name,
			Description:          description,
			Count:                unassigned + assigned,
			DesktopType:          DesktopTypeFromBroker(allocationType, sessionSupport),
			ProvisioningSchemeID: provID,
			Status:               status,
		})
	}
	return catalogs, nil
}

func (s *Service) provSchemeDetails(ctx context.Context, id identity.Context, catalogName, correlationID string, catalogs []Catalog, log *zap.Logger) error {
	inv := bridge.Invocation{
		Script:        bridge.ScriptGetProvSchemes,
		CorrelationID: correlationID,
	}.
		WithParam("ddcAddress", s.adminAddress).
		WithParam("catalogName", catalogName)

	records, err := s.inv.Invoke(ctx, id, inv)
	if err != nil {
		return err
	}

	for _, rec := range records {
		schemeName, _ := rec.String("ProvisioningSchemeName")
		schemeID, ok := rec.String("ProvisioningSchemeUid")
		if !ok {
			log.Error("provisioning scheme without id", zap.String("scheme", schemeName))
			continue
		}
		templatePath, ok := rec.String("MasterImageVM")
		if !ok || templatePath == "" {
			log.Error("no template for provisioning scheme", zap.String("scheme", schemeName))
			continue
		}
		serviceOffering, ok := rec.String("ServiceOffering")
		if !ok || serviceOffering == "" {
			log.Error("no compute offering for provisioning scheme", zap.String("scheme", schemeName))
			continue
		}
		template, ok := trimPathLeaf(templatePath, ".template")
		if !ok {
			log.Error("template has wrong extension",
				zap.String("scheme", schemeName),
				zap.String("path", templatePath))
			continue
		}
		offering, _ := trimPathLeaf(serviceOffering, ".serviceoffering")
		diskSize, _ := rec.Int("DiskSize")
		securityGroups, _ := rec.Strings("SecurityGroups")
		securityGroup := ""
		if len(securityGroups) > 0 {
			securityGroup = securityGroups[0]
		}
		network := firstNetworkName(rec)

		matched := 0
		for i := range catalogs {
			if catalogs[i].ProvisioningSchemeID != schemeID {
				continue
			}
			matched++
			catalogs[i].Template = template
			catalogs[i].ComputeOffering = offering
			catalogs[i].DiskSize = diskSize
			catalogs[i].Network = network
			catalogs[i].SecurityGroup = securityGroup
		}
		if matched > 1 {
			log.Error("provisioning scheme matched multiple catalogs",
				zap.String("scheme", schemeName),
				zap.String("scheme_id", schemeID),
				zap.Int("matches", matched))
		}
	}
	return nil
}

func (s *Service) desktopGroupDetails(ctx context.Context, id identity.Context, catalogName, correlationID string, catalogs []Catalog, log *zap.Logger) error {
	groupName := ""
	if catalogName != "" {
		groupName = DesktopGroupName(catalogName)
	}
	inv := bridge.Invocation{
		Script:        bridge.ScriptGetDesktopGroups,
		CorrelationID: correlationID,
	}.
		WithParam("ddcAddress", s.adminAddress).
		WithParam("desktopGroupName", groupName)

	records, err := s.inv.Invoke(ctx, id, inv)
	if err != nil {
		return err
	}

	for _, rec := range records {
		name, _ := rec.String("Name")
		totalDesktops, _ := rec.Int("TotalDesktops")
		sessions, _ := rec.Int("Sessions")

		matched := 0
		for i := range catalogs {
			if DesktopGroupName(catalogs[i].Name) != name {
				continue
			}
			matched++
			catalogs[i].Count = totalDesktops
			catalogs[i].CountInUse = sessions
		}
		if matched > 1 {
			log.Error("desktop group matched multiple catalogs",
				zap.String("group", name),
				zap.Int("matches", matched))
		}
	}
	return nil
}

func (s *Service) catalogUsers(ctx context.Context, id identity.Context, catalogName, correlationID string, catalogs []Catalog, log *zap.Logger) error {
	policyName := ""
	if catalogName != "" {
		policyName = DirectPolicyName(catalogName)
	}
	inv := bridge.Invocation{
		Script:        bridge.ScriptGetAccessPolicies,
		CorrelationID: correlationID,
	}.
		WithParam("ddcAddress", s.adminAddress).
		WithParam("desktopGroupPolicyName", policyName)

	records, err := s.inv.Invoke(ctx, id, inv)
	if err != nil {
		return err
	}

	for _, rec := range records {
		name, _ := rec.String("Name")
		included, _ := rec.Strings("IncludedUsers")
		excluded, _ := rec.Strings("ExcludedUsers")

		if len(included) == 0 {
			log.Error("desktop group has no included users", zap.String("policy", name))
		}
		if len(excluded) > 0 {
			log.Error("desktop group has excluded users", zap.String("policy", name))
		}

		matched := 0
		for i := range catalogs {
			if DirectPolicyName(catalogs[i].Name) != name {
				continue
			}
			matched++
			catalogs[i].Users = included
		}
		if matched > 1 {
			log.Error("access policy matched multiple catalogs",
				zap.String("policy", name),
				zap.Int("matches", matched))
		}
	}

	for i := range catalogs {
		if catalogs[i].Users == nil {
			catalogs[i].Users = []string{}
			log.Warn("catalog has no users", zap.String("catalog", catalogs[i].Name))
		}
	}
	return nil
}

// stringOrNumber reads a field the scripts emit as either a string or
// a number, normalized to its decimal string form.
func stringOrNumber(rec bridge.Record, key string) string {
	if s, ok := rec.String(key); ok {
		return s
	}
	if n, ok := rec.Int(key); ok {
		return strconv.Itoa(n)
	}
	return ""
}

// trimPathLeaf takes the last backslash-separated element of a broker
// inventory path and strips the given extension. ok is false when the
// leaf does not carry the extension.
func trimPathLeaf(path, ext string) (string, bool) {
	leaf := path
	if i := strings.LastIndex(path, `\`); i >= 0 {
		leaf = path[i+1:]
	}
	if !strings.HasSuffix(leaf, ext) {
		return "", false
	}
	return strings.TrimSuffix(leaf, ext), true
}

// firstNetworkName extracts the network name from the first entry of a
// provisioning scheme's NetworkMaps.
func firstNetworkName(rec bridge.Record) string {
	maps, ok := rec["NetworkMaps"].([]any)
	if !ok || len(maps) == 0 {
		return ""
	}
	entry, ok := maps[0].(map[string]any)
	if !ok {
		return ""
	}
	path, ok := entry["NetworkPath"].(string)
	if !ok {
		return ""
	}
	name, _ := trimPathLeaf(path, ".network")
	return name
}

// GetMachines lists the machines of a catalog. The broker raises its
// partial-data error for machines mid-provisioning, which is expected
// here.
func (s *Service) GetMachines(ctx context.Context, id identity.Context, catalogName string) ([]Machine, error) {
	inv := bridge.Invocation{
		Script:        bridge.ScriptGetMachines,
		IgnoreKinds:   []string{ErrKindPartialData},
		CorrelationID: uuid.NewString(),
	}.
		WithParam("ddcAddress", s.adminAddress).
		WithParam("catalogName", catalogName)

	records, err := s.inv.Invoke(ctx, id, inv)
	if err != nil {
		return nil, err
	}

	machines := make([]Machine, 0, len(records))
	for _, rec := range records {
		name, _ := rec.String("MachineName")
		catalog, _ := rec.String("CatalogName")
		group, _ := rec.String("DesktopGroupName")
		dns, _ := rec.String("DNSName")
		vmID, _ := rec.String("HostedMachineId")
		power, _ := rec.String("PowerState")
		registration, _ := rec.String("RegistrationState")
		persist, _ := rec.String("PersistUserChanges")
		maintenance, _ := rec.Bool("InMaintenanceMode")
		sessions, _ := rec.Int("SessionCount")
		users, _ := rec.Strings("AssociatedUserNames")
		actions, _ := rec.Strings("SupportedPowerActions")

		machines = append(machines, Machine{
			Name:               name,
			CatalogName:        catalog,
			DesktopGroupName:   group,
			DNSName:            dns,
			VMResourceID:       vmID,
			PowerState:         power,
			RegistrationState:  registration,
			PersistUserChanges: persist,
			InMaintenanceMode:  maintenance,
			SessionCount:       sessions,
			AssociatedUsers:    users,
			SupportedActions:   actions,
		})
	}
	return machines, nil
}

// RestartMachine sends the Restart power action to one machine.
func (s *Service) RestartMachine(ctx context.Context, id identity.Context, machineName string) error {
	inv := bridge.Invocation{
		Script:        bridge.ScriptSetMachinePower,
		IgnoreKinds:   []string{ErrKindPartialData},
		CorrelationID: uuid.NewString(),
	}.
		WithParam("ddcAddress", s.adminAddress).
		WithParam("machineName", machineName).
		WithParam("powerAction", "Restart")

	_, err := s.inv.Invoke(ctx, id, inv)
	return err
}

// TestAccess probes whether the delegated identity can register machine
// accounts in the desktop domain. Creation fails late without this
// permission, so workflows check it up front.
func (s *Service) TestAccess(ctx context.Context, id identity.Context) error {
	inv := bridge.Invocation{
		Script:        bridge.ScriptTestAccess,
		CorrelationID: uuid.NewString(),
	}.
		WithParam("ddcAddress", s.adminAddress).
		WithParam("desktopDomain", s.domain)

	_, err := s.inv.Invoke(ctx, id, inv)
	return err
}
