package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vd-catalogd.io/catalogd/internal/billing"
	"vd-catalogd.io/catalogd/internal/bridge"
	"vd-catalogd.io/catalogd/internal/broker"
	"vd-catalogd.io/catalogd/internal/directory"
	"vd-catalogd.io/catalogd/internal/identity"
	"vd-catalogd.io/catalogd/internal/notification"
	"vd-catalogd.io/catalogd/internal/pkg/logger"
	"vd-catalogd.io/catalogd/internal/pkg/worker"
	"vd-catalogd.io/catalogd/internal/runner"
	"vd-catalogd.io/catalogd/internal/subscription"
	"vd-catalogd.io/catalogd/internal/tasklog"
)

func TestMain(m *testing.M) {
	if err := logger.Init("error", "console"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type stubInvoker struct {
	mu        sync.Mutex
	responses map[string][]bridge.Record
	calls     []bridge.Invocation
}

func (s *stubInvoker) Invoke(_ context.Context, _ identity.Context, inv bridge.Invocation) ([]bridge.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, inv)
	return s.responses[inv.Script], nil
}

// lastCall returns the most recent invocation of script, with its
// parameters flattened for assertions.
func (s *stubInvoker) lastCall(t *testing.T, script string) (bridge.Invocation, map[string]string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].Script != script {
			continue
		}
		params := map[string]string{}
		for _, p := range s.calls[i].Params {
			params[p.Name] = p.Value
		}
		return s.calls[i], params
	}
	t.Fatalf("script %s was never invoked", script)
	return bridge.Invocation{}, nil
}

func (s *stubInvoker) invoked(script string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.Script == script {
			return true
		}
	}
	return false
}

type stubSender struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (s *stubSender) Send(_ context.Context, msg notification.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

// fakeBilling is a minimal billing service for the subscription
// follow-up. Subscriptions activate on the first list call.
type fakeBilling struct {
	mu       sync.Mutex
	subs     map[uuid.UUID]*fakeSub
	attached map[uuid.UUID]string
	deleted  []uuid.UUID

	srv *httptest.Server
}

type fakeSub struct {
	ID       uuid.UUID
	State    string
	HostName string
}

func newFakeBilling() *fakeBilling {
	f := &fakeBilling{
		subs:     make(map[uuid.UUID]*fakeSub),
		attached: make(map[uuid.UUID]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeBilling) Close() { f.srv.Close() }

func (f *fakeBilling) seed(hostName, state string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.subs[id] = &fakeSub{ID: id, State: state, HostName: hostName}
	return id
}

func (f *fakeBilling) subJSON(s *fakeSub) map[string]any {
	return map[string]any{
		"uuid":              s.ID.String(),
		"state":             s.State,
		"configurationData": map[string]string{"hostName": s.HostName},
	}
}

func (f *fakeBilling) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/subscriptions":
		var configData map[string]string
		if err := json.Unmarshal([]byte(r.URL.Query().Get("configurationdata")), &configData); err != nil {
			http.Error(w, "bad configurationdata", http.StatusBadRequest)
			return
		}
		sub := &fakeSub{ID: uuid.New(), State: billing.StateNew, HostName: configData["hostName"]}
		f.subs[sub.ID] = sub
		json.NewEncoder(w).Encode(map[string]any{"subscription": f.subJSON(sub)})

	case r.Method == http.MethodGet && r.URL.Path == "/subscriptions":
		var list []map[string]any
		for _, sub := range f.subs {
			if sub.State == billing.StateNew {
				sub.State = billing.StateActive
			}
			list = append(list, f.subJSON(sub))
		}
		if list == nil {
			list = []map[string]any{}
		}
		json.NewEncoder(w).Encode(map[string]any{"subscriptions": list})

	case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/attachresource"):
		id := uuid.MustParse(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/subscriptions/"), "/attachresource"))
		sub, ok := f.subs[id]
		if !ok {
			http.Error(w, "no such subscription", http.StatusNotFound)
			return
		}
		f.attached[id] = r.URL.Query().Get("resourceid")
		json.NewEncoder(w).Encode(map[string]any{"subscription": f.subJSON(sub)})

	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/subscriptions/"):
		id := uuid.MustParse(strings.TrimPrefix(r.URL.Path, "/subscriptions/"))
		if _, ok := f.subs[id]; !ok {
			http.Error(w, "no such subscription", http.StatusNotFound)
			return
		}
		delete(f.subs, id)
		f.deleted = append(f.deleted, id)
		fmt.Fprint(w, `{}`)

	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

type fixture struct {
	stub    *stubInvoker
	billing *fakeBilling
	sender  *stubSender
	store   *tasklog.MemoryStore
	wf      *Workflow
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pools, err := worker.NewPools(ctx, 4, 4)
	require.NoError(t, err)
	fake := newFakeBilling()
	t.Cleanup(func() {
		cancel()
		pools.Shutdown(time.Second)
		fake.Close()
	})

	stub := &stubInvoker{responses: map[string][]bridge.Record{
		bridge.ScriptGetDirectoryEmail: {{"Mail": "jdoe@example.com"}},
	}}
	store := tasklog.NewMemoryStore()
	sender := &stubSender{}

	settings.AdminAddress = "ddc.example"
	settings.Domain = "EXAMPLE"
	settings.HostingUnit = "cloud"
	settings.StorefrontURL = "https://storefront.example"

	subs := subscription.NewWorkflow(
		billing.NewClient(fake.srv.URL, "key", "secret", "inst"),
		5*time.Millisecond, 2*time.Second)
	wf := NewWorkflow(stub, broker.NewService(stub, settings.AdminAddress, settings.Domain),
		subs, directory.NewService(stub), sender, runner.New(pools, store), settings)

	return &fixture{stub: stub, billing: fake, sender: sender, store: store, wf: wf}
}

func testID() identity.Context {
	return identity.New("EXAMPLE", "admin", "secret")
}

func machineRecord(catalogName, host string) bridge.Record {
	return bridge.Record{
		"MachineName":     `EXAMPLE\` + host,
		"CatalogName":     catalogName,
		"HostedMachineId": "vm-" + host,
		"PowerState":      "On",
	}
}

func waitTask(t *testing.T, store tasklog.Store, id uuid.UUID) tasklog.Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("task %s did not finish", id)
		case <-time.After(5 * time.Millisecond):
		}
		task, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		if task.Status == tasklog.StatusSucceeded || task.Status == tasklog.StatusFailed {
			return task
		}
	}
}

func TestCreateProvisionsSubscribesAndNotifies(t *testing.T) {
	f := newFixture(t, Settings{})
	f.stub.mu.Lock()
	f.stub.responses[bridge.ScriptGetMachines] = []bridge.Record{
		machineRecord("Sales", "Sales000"),
		machineRecord("Sales", "Sales001"),
	}
	f.stub.mu.Unlock()

	spec := validSpec()
	spec.ProductBundleCode = "GOLD"

	taskID, err := f.wf.Create(context.Background(), testID(), spec)
	require.NoError(t, err)

	task := waitTask(t, f.store, taskID)
	assert.Equal(t, tasklog.StatusSucceeded, task.Status, task.Detail)
	assert.Equal(t, TaskCreate, task.Kind)
	assert.Equal(t, "Sales", task.Catalog)

	call, params := f.stub.lastCall(t, bridge.ScriptCreateCatalog)
	assert.Equal(t, task.CorrelationID, call.CorrelationID)
	assert.Contains(t, call.IgnoreKinds, broker.ErrKindSDKOperation)
	assert.Equal(t, "Sales", params["catalogName"])
	assert.Equal(t, "Random", params["desktopAllocationType"])
	assert.Equal(t, "SingleSession", params["catalogSessionSupport"])
	assert.Equal(t, "Onlocal", params["persistUserChanges"])
	assert.Equal(t, "false", params["desktopCleanOnBoot"])
	assert.Equal(t, "Sales###", params["desktopNamingScheme"])
	assert.Equal(t, "Sales_desktopgrp", params["desktopGrpName"])
	assert.Equal(t, "2", params["desktopCount"])
	assert.Equal(t, `EXAMPLE\jdoe`, params["userNames"])
	assert.Equal(t, "cloud", params["hostingUnitName"])

	// One subscription per machine, attached to its own VM.
	f.billing.mu.Lock()
	require.Len(t, f.billing.subs, 2)
	require.Len(t, f.billing.attached, 2)
	for _, sub := range f.billing.subs {
		assert.Equal(t, "vm-"+sub.HostName, f.billing.attached[sub.ID])
	}
	f.billing.mu.Unlock()

	f.sender.mu.Lock()
	require.Len(t, f.sender.sent, 1)
	msg := f.sender.sent[0]
	f.sender.mu.Unlock()
	assert.Equal(t, []string{"jdoe@example.com"}, msg.To)
	assert.Equal(t, []string{"jdoe@example.com"}, msg.CC)
	assert.Contains(t, msg.Subject, "Sales")
	assert.Contains(t, msg.Body, "https://storefront.example")
}

func TestCreateSharedDesktopParams(t *testing.T) {
	f := newFixture(t, Settings{})

	spec := validSpec()
	spec.DesktopType = broker.DesktopTypeShared

	taskID, err := f.wf.Create(context.Background(), testID(), spec)
	require.NoError(t, err)
	task := waitTask(t, f.store, taskID)
	require.Equal(t, tasklog.StatusSucceeded, task.Status, task.Detail)

	_, params := f.stub.lastCall(t, bridge.ScriptCreateCatalog)
	assert.Equal(t, "Random", params["desktopAllocationType"])
	assert.Equal(t, "MultiSession", params["catalogSessionSupport"])
	assert.Equal(t, "Discard", params["persistUserChanges"])
	assert.Equal(t, "true", params["desktopCleanOnBoot"])
}

func TestCreateRejectsInvalidSpec(t *testing.T) {
	f := newFixture(t, Settings{})

	spec := validSpec()
	spec.Count = 0

	_, err := f.wf.Create(context.Background(), testID(), spec)
	require.Error(t, err)

	tasks, err := f.store.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks, "invalid specs never reach the task log")
}

func TestCreateWithoutBundleSkipsBilling(t *testing.T) {
	f := newFixture(t, Settings{})

	taskID, err := f.wf.Create(context.Background(), testID(), validSpec())
	require.NoError(t, err)
	task := waitTask(t, f.store, taskID)
	assert.Equal(t, tasklog.StatusSucceeded, task.Status, task.Detail)

	f.billing.mu.Lock()
	assert.Empty(t, f.billing.subs)
	f.billing.mu.Unlock()

	f.sender.mu.Lock()
	assert.Len(t, f.sender.sent, 1)
	f.sender.mu.Unlock()
}

func TestCreateDisabledUsesSampleHosts(t *testing.T) {
	f := newFixture(t, Settings{
		DisableCreate: true,
		SampleHosts:   []string{"Sales000", "Sales001"},
	})

	spec := validSpec()
	spec.ProductBundleCode = "GOLD"

	taskID, err := f.wf.Create(context.Background(), testID(), spec)
	require.NoError(t, err)
	task := waitTask(t, f.store, taskID)
	require.Equal(t, tasklog.StatusSucceeded, task.Status, task.Detail)

	assert.False(t, f.stub.invoked(bridge.ScriptCreateCatalog))
	assert.False(t, f.stub.invoked(bridge.ScriptGetMachines))

	f.billing.mu.Lock()
	defer f.billing.mu.Unlock()
	require.Len(t, f.billing.subs, 2)
	hosts := map[string]bool{}
	for _, sub := range f.billing.subs {
		hosts[sub.HostName] = true
	}
	assert.True(t, hosts["Sales000"] && hosts["Sales001"])
}

func TestCreateDisabledWithoutSamplesEnumeratesHosts(t *testing.T) {
	f := newFixture(t, Settings{DisableCreate: true})

	spec := validSpec()
	spec.ProductBundleCode = "GOLD"

	taskID, err := f.wf.Create(context.Background(), testID(), spec)
	require.NoError(t, err)
	task := waitTask(t, f.store, taskID)
	require.Equal(t, tasklog.StatusSucceeded, task.Status, task.Detail)

	// No samples configured, so the hosts come from the naming scheme.
	assert.False(t, f.stub.invoked(bridge.ScriptGetMachines))

	f.billing.mu.Lock()
	defer f.billing.mu.Unlock()
	require.Len(t, f.billing.subs, 2)
	hosts := map[string]bool{}
	for _, sub := range f.billing.subs {
		hosts[sub.HostName] = true
	}
	assert.True(t, hosts["Sales000"] && hosts["Sales001"])
}

func TestCreateSubscriptionCountMismatchFailsTask(t *testing.T) {
	f := newFixture(t, Settings{})
	f.stub.mu.Lock()
	f.stub.responses[bridge.ScriptGetMachines] = []bridge.Record{
		machineRecord("Sales", "Sales000"),
	}
	f.stub.mu.Unlock()

	spec := validSpec() // Count is 2, only one machine exists
	spec.ProductBundleCode = "GOLD"

	taskID, err := f.wf.Create(context.Background(), testID(), spec)
	require.NoError(t, err)

	task := waitTask(t, f.store, taskID)
	assert.Equal(t, tasklog.StatusFailed, task.Status)
	assert.Contains(t, task.Detail, "follow-up:")

	f.sender.mu.Lock()
	assert.Empty(t, f.sender.sent, "no ready mail when the follow-up failed")
	f.sender.mu.Unlock()
}

func TestCreateMissingAdminEmailStillSucceeds(t *testing.T) {
	f := newFixture(t, Settings{})
	f.stub.mu.Lock()
	f.stub.responses[bridge.ScriptGetDirectoryEmail] = nil
	f.stub.mu.Unlock()

	taskID, err := f.wf.Create(context.Background(), testID(), validSpec())
	require.NoError(t, err)
	task := waitTask(t, f.store, taskID)
	assert.Equal(t, tasklog.StatusSucceeded, task.Status, task.Detail)

	f.sender.mu.Lock()
	assert.Empty(t, f.sender.sent)
	f.sender.mu.Unlock()
}

func TestCreateConfiguredAdminEmailSkipsLookup(t *testing.T) {
	f := newFixture(t, Settings{AdminEmail: "ops@example.com"})

	taskID, err := f.wf.Create(context.Background(), testID(), validSpec())
	require.NoError(t, err)
	task := waitTask(t, f.store, taskID)
	require.Equal(t, tasklog.StatusSucceeded, task.Status, task.Detail)

	f.sender.mu.Lock()
	require.Len(t, f.sender.sent, 1)
	msg := f.sender.sent[0]
	f.sender.mu.Unlock()
	assert.Equal(t, []string{"ops@example.com"}, msg.CC)
}

func growResponses() map[string][]bridge.Record {
	return map[string][]bridge.Record{
		bridge.ScriptGetCatalogs: {{
			"Name":                 "Sales",
			"Uid":                  float64(3),
			"ProvisioningSchemeId": "scheme-1",
			"AllocationType":       "Random",
			"SessionSupport":       "SingleSession",
			"UnassignedCount":      float64(2),
			"AssignedCount":        float64(0),
		}},
		bridge.ScriptGetAccessPolicies: {{
			"Name":          "Sales_desktopgrp_Direct",
			"IncludedUsers": []any{`EXAMPLE\jdoe`},
		}},
	}
}

func TestGrowAddsMachinesAndNotifies(t *testing.T) {
	f := newFixture(t, Settings{})
	f.stub.mu.Lock()
	for script, records := range growResponses() {
		f.stub.responses[script] = records
	}
	f.stub.mu.Unlock()

	taskID, err := f.wf.Grow(context.Background(), testID(), "Sales", 3)
	require.NoError(t, err)
	task := waitTask(t, f.store, taskID)
	assert.Equal(t, tasklog.StatusSucceeded, task.Status, task.Detail)
	assert.Equal(t, TaskGrow, task.Kind)

	_, params := f.stub.lastCall(t, bridge.ScriptAddMachines)
	assert.Equal(t, "Sales", params["catalogName"])
	assert.Equal(t, "3", params["newDesktopCount"])
	assert.Equal(t, "Sales_desktopgrp", params["desktopGrpName"])

	f.sender.mu.Lock()
	assert.Len(t, f.sender.sent, 1)
	f.sender.mu.Unlock()

	// Growth never touches billing on its own.
	f.billing.mu.Lock()
	assert.Empty(t, f.billing.subs)
	f.billing.mu.Unlock()
}

func TestGrowUnknownCatalog(t *testing.T) {
	f := newFixture(t, Settings{})

	_, err := f.wf.Grow(context.Background(), testID(), "Nope", 1)
	assert.ErrorContains(t, err, "found 0 catalogs")

	_, err = f.wf.Grow(context.Background(), testID(), "Sales", 0)
	assert.Error(t, err)
}

func TestDeleteUnsubscribesBeforeScript(t *testing.T) {
	f := newFixture(t, Settings{})
	f.stub.mu.Lock()
	f.stub.responses[bridge.ScriptGetCatalogs] = growResponses()[bridge.ScriptGetCatalogs]
	f.stub.responses[bridge.ScriptGetMachines] = []bridge.Record{
		machineRecord("Sales", "Sales000"),
	}
	f.stub.mu.Unlock()

	subID := f.billing.seed("Sales000", billing.StateActive)

	taskID, err := f.wf.Delete(context.Background(), testID(), "Sales", zap.NewNop())
	require.NoError(t, err)

	// Teardown of subscriptions happens before Delete returns, while
	// the machine list still exists.
	f.billing.mu.Lock()
	assert.Equal(t, []uuid.UUID{subID}, f.billing.deleted)
	f.billing.mu.Unlock()

	task := waitTask(t, f.store, taskID)
	assert.Equal(t, tasklog.StatusSucceeded, task.Status, task.Detail)
	assert.Equal(t, TaskDelete, task.Kind)

	call, params := f.stub.lastCall(t, bridge.ScriptDeleteCatalog)
	assert.Contains(t, call.IgnoreKinds, broker.ErrKindPartialData)
	assert.Equal(t, "Sales", params["catalogName"])
	assert.Equal(t, "Sales_desktopgrp", params["desktopGrpName"])
}

func TestDeleteUnknownCatalog(t *testing.T) {
	f := newFixture(t, Settings{})

	_, err := f.wf.Delete(context.Background(), testID(), "Nope", zap.NewNop())
	assert.ErrorContains(t, err, "no catalog named Nope")
	assert.False(t, f.stub.invoked(bridge.ScriptDeleteCatalog))
}
