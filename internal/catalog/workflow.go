package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vd-catalogd.io/catalogd/internal/billing"
	"vd-catalogd.io/catalogd/internal/bridge"
	"vd-catalogd.io/catalogd/internal/broker"
	"vd-catalogd.io/catalogd/internal/directory"
	"vd-catalogd.io/catalogd/internal/identity"
	"vd-catalogd.io/catalogd/internal/notification"
	"vd-catalogd.io/catalogd/internal/runner"
	"vd-catalogd.io/catalogd/internal/subscription"
)

// Task kinds recorded in the task log.
const (
	TaskCreate = "catalog.create"
	TaskGrow   = "catalog.grow"
	TaskDelete = "catalog.delete"
)

// Settings is the deployment-level configuration the workflows bake
// into script invocations.
type Settings struct {
	AdminAddress  string
	Domain        string
	HostingUnit   string
	StorefrontURL string
	MailFrom      string

	// AdminEmail, when set, receives the completion mail instead of the
	// calling administrator's directory address.
	AdminEmail string

	// DisableCreate substitutes SampleHosts for the creation script.
	// Integration-test hook.
	DisableCreate bool
	SampleHosts   []string
}

// Workflow drives catalog lifecycle operations.
type Workflow struct {
	inv      bridge.Invoker
	broker   *broker.Service
	subs     *subscription.Workflow
	dir      *directory.Service
	sender   notification.Sender
	runner   *runner.Runner
	settings Settings
}

// NewWorkflow wires a catalog workflow.
func NewWorkflow(inv bridge.Invoker, brokerSvc *broker.Service, subs *subscription.Workflow, dir *directory.Service, sender notification.Sender, run *runner.Runner, settings Settings) *Workflow {
	return &Workflow{
		inv:      inv,
		broker:   brokerSvc,
		subs:     subs,
		dir:      dir,
		sender:   sender,
		runner:   run,
		settings: settings,
	}
}

// Create validates the spec and schedules catalog creation. The script
// run and everything after it happen detached; the returned id is the
// task-log entry to watch.
//
// After the script succeeds: when the spec names a product bundle, one
// subscription per machine is created, activated and attached; then
// the administrator and users are mailed. Mail failure is logged, it
// never fails the task.
func (w *Workflow) Create(ctx context.Context, id identity.Context, spec Spec) (uuid.UUID, error) {
	if err := spec.Validate(); err != nil {
		return uuid.Nil, err
	}

	allocationType := broker.AllocationType(spec.DesktopType)
	sessionSupport := broker.SessionSupport(spec.DesktopType)
	persistChanges := broker.PersistUserChanges(spec.DesktopType)
	cleanOnBoot := broker.CleanOnBoot(spec.DesktopType)

	// Shared desktops must land in the broker as multi-session random
	// machines that discard changes. Anything else here is a bug in the
	// derivation above, caught before the script runs.
	if spec.DesktopType == broker.DesktopTypeShared {
		if allocationType != "Random" || sessionSupport != "MultiSession" || persistChanges != "Discard" || !cleanOnBoot {
			return uuid.Nil, fmt.Errorf("derived broker attributes are wrong for %s catalog %s", spec.DesktopType, spec.Name)
		}
	}

	run := func(ctx context.Context, id identity.Context, correlationID string, log *zap.Logger) error {
		if w.settings.DisableCreate {
			log.Warn("catalog creation script disabled, skipping")
			return nil
		}
		inv := bridge.Invocation{
			Script:        bridge.ScriptCreateCatalog,
			IgnoreKinds:   []string{broker.ErrKindSDKOperation},
			CorrelationID: correlationID,
		}.
			WithParam("ddcAddress", w.settings.AdminAddress).
			WithParam("catalogName", spec.Name).
			WithParam("catalogDesc", spec.Description).
			WithParam("catalogSessionSupport", sessionSupport).
			WithParam("desktopAllocationType", allocationType).
			WithParam("persistUserChanges", persistChanges).
			WithParam("desktopCleanOnBoot", strconv.FormatBool(cleanOnBoot)).
			WithParam("desktopDomain", w.settings.Domain).
			WithParam("templatePath", spec.Template).
			WithParam("networkPath", spec.Network).
			WithParam("hostingUnitName", w.settings.HostingUnit).
			WithParam("controllerAddress", w.settings.AdminAddress).
			WithParam("desktopCount", strconv.Itoa(spec.Count)).
			WithParam("computerOffering", spec.ComputeOffering).
			WithParam("desktopNamingScheme", NamingScheme(spec.Name)).
			WithParam("userNames", strings.Join(spec.Users, ",")).
			WithParam("desktopGrpName", broker.DesktopGroupName(spec.Name)).
			WithParam("machineCount", strconv.Itoa(spec.Count)).
			WithParam("securityGroups", spec.SecurityGroup)

		log.Info("creating catalog",
			zap.String("desktop_type", spec.DesktopType),
			zap.Int("count", spec.Count),
			zap.Int("users", len(spec.Users)))
		_, err := w.inv.Invoke(ctx, id, inv)
		return err
	}

	followUp := func(ctx context.Context, id identity.Context, _ string, log *zap.Logger) error {
		if spec.ProductBundleCode != "" {
			machines, err := w.catalogMachines(ctx, id, spec.Name, spec.Count)
			if err != nil {
				return err
			}
			if _, err := w.subs.Subscribe(ctx, log, spec.ProductBundleCode, spec.Count, machines); err != nil {
				return err
			}
		}
		w.notifyReady(ctx, id, spec.Name, spec.Users, log)
		return nil
	}

	return w.runner.RunDetached(ctx, TaskCreate, spec.Name, id, run, followUp), nil
}

// Grow adds machines to an existing catalog and its desktop group.
// The follow-up is notification only; billing for added machines is
// the administrator's call via the subscription workflow.
func (w *Workflow) Grow(ctx context.Context, id identity.Context, catalogName string, addCount int) (uuid.UUID, error) {
	if addCount < 1 {
		return uuid.Nil, fmt.Errorf("number of desktops to add must be greater than zero")
	}
	existing, err := w.broker.GetCatalogWithUsers(ctx, id, catalogName)
	if err != nil {
		return uuid.Nil, err
	}
	if len(existing) != 1 {
		return uuid.Nil, fmt.Errorf("found %d catalogs named %s", len(existing), catalogName)
	}
	users := existing[0].Users

	run := func(ctx context.Context, id identity.Context, correlationID string, log *zap.Logger) error {
		inv := bridge.Invocation{
			Script:        bridge.ScriptAddMachines,
			IgnoreKinds:   []string{broker.ErrKindSDKOperation},
			CorrelationID: correlationID,
		}.
			WithParam("ddcAddress", w.settings.AdminAddress).
			WithParam("catalogName", catalogName).
			WithParam("newDesktopCount", strconv.Itoa(addCount)).
			WithParam("desktopGrpName", broker.DesktopGroupName(catalogName))

		log.Info("adding machines to catalog", zap.Int("add_count", addCount))
		_, err := w.inv.Invoke(ctx, id, inv)
		return err
	}

	followUp := func(ctx context.Context, id identity.Context, _ string, log *zap.Logger) error {
		w.notifyReady(ctx, id, catalogName, users, log)
		return nil
	}

	return w.runner.RunDetached(ctx, TaskGrow, catalogName, id, run, followUp), nil
}

// Delete removes a catalog: subscriptions are torn down synchronously
// while the machine list still exists, then the catalog and desktop
// group deletion runs detached.
func (w *Workflow) Delete(ctx context.Context, id identity.Context, catalogName string, log *zap.Logger) (uuid.UUID, error) {
	catalogs, err := w.broker.GetCatalogs(ctx, id, catalogName)
	if err != nil {
		return uuid.Nil, err
	}
	if len(catalogs) == 0 {
		return uuid.Nil, fmt.Errorf("no catalog named %s", catalogName)
	}
	if len(catalogs) > 1 {
		log.Error("multiple catalogs share a name",
			zap.String("catalog", catalogName),
			zap.Int("count", len(catalogs)))
	}

	machines, err := w.catalogMachines(ctx, id, catalogName, 0)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := w.subs.Unsubscribe(ctx, log, catalogName, machines); err != nil {
		return uuid.Nil, fmt.Errorf("remove subscriptions for %s: %w", catalogName, err)
	}

	run := func(ctx context.Context, id identity.Context, correlationID string, log *zap.Logger) error {
		inv := bridge.Invocation{
			Script:        bridge.ScriptDeleteCatalog,
			IgnoreKinds:   []string{broker.ErrKindPartialData},
			CorrelationID: correlationID,
		}.
			WithParam("ddcAddress", w.settings.AdminAddress).
			WithParam("catalogName", catalogName).
			WithParam("desktopGrpName", broker.DesktopGroupName(catalogName))

		log.Info("deleting catalog")
		_, err := w.inv.Invoke(ctx, id, inv)
		return err
	}

	return w.runner.RunDetached(ctx, TaskDelete, catalogName, id, run, nil), nil
}

// catalogMachines lists a catalog's machines. When creation is
// disabled for integration tests the broker has nothing to report, so
// the configured sample hosts stand in; without samples the naming
// scheme enumerates the hosts a count-sized catalog would get.
func (w *Workflow) catalogMachines(ctx context.Context, id identity.Context, catalogName string, count int) ([]broker.Machine, error) {
	if w.settings.DisableCreate {
		hosts := w.settings.SampleHosts
		if len(hosts) == 0 && count > 0 {
			hosts = EnumDesktopNames(catalogName, count)
		}
		if len(hosts) > 0 {
			machines := make([]broker.Machine, 0, len(hosts))
			for _, host := range hosts {
				machines = append(machines, broker.Machine{
					Name:         host,
					CatalogName:  catalogName,
					VMResourceID: host,
				})
			}
			return machines, nil
		}
	}
	return w.broker.GetMachines(ctx, id, catalogName)
}

// notifyReady mails the administrator and the catalog's users. Missing
// addresses and delivery failures are logged only.
func (w *Workflow) notifyReady(ctx context.Context, id identity.Context, catalogName string, users []string, log *zap.Logger) {
	adminEmail := w.settings.AdminEmail
	if adminEmail == "" {
		var err error
		adminEmail, err = w.dir.LookupEmail(ctx, id, id.Qualified())
		if err != nil || adminEmail == "" {
			log.Error("no email for administrator", zap.Error(err))
			return
		}
	}

	var to []string
	for _, user := range users {
		email, err := w.dir.LookupEmail(ctx, id, user)
		if err != nil || email == "" {
			log.Error("no email for catalog user",
				zap.String("user", user),
				zap.Error(err))
			continue
		}
		to = append(to, email)
	}

	from := w.settings.MailFrom
	if from == "" {
		from = adminEmail
	}
	msg := notification.ReadyMessage(from, catalogName, w.settings.StorefrontURL, to, []string{adminEmail})
	if err := w.sender.Send(ctx, msg); err != nil {
		log.Error("completion mail not sent", zap.Error(err))
	}
}

// Bundles lists the product bundles offered for new catalogs.
func (w *Workflow) Bundles(ctx context.Context) ([]billing.ProductBundle, error) {
	return w.subs.Bundles(ctx)
}
