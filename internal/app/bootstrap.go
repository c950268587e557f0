// Package app is the composition root: it wires configuration into
// the running service.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vd-catalogd.io/catalogd/internal/api"
	"vd-catalogd.io/catalogd/internal/billing"
	"vd-catalogd.io/catalogd/internal/bridge"
	"vd-catalogd.io/catalogd/internal/broker"
	"vd-catalogd.io/catalogd/internal/catalog"
	"vd-catalogd.io/catalogd/internal/config"
	"vd-catalogd.io/catalogd/internal/directory"
	"vd-catalogd.io/catalogd/internal/identity"
	"vd-catalogd.io/catalogd/internal/notification"
	"vd-catalogd.io/catalogd/internal/pkg/logger"
	"vd-catalogd.io/catalogd/internal/pkg/worker"
	"vd-catalogd.io/catalogd/internal/runner"
	"vd-catalogd.io/catalogd/internal/subscription"
	"vd-catalogd.io/catalogd/internal/tasklog"
)

// App holds the wired service.
type App struct {
	Config *config.Config

	Pools    *worker.Pools
	Store    tasklog.Store
	Bridge   *bridge.Bridge
	Broker   *broker.Service
	Codec    *identity.Codec
	Catalogs *catalog.Workflow
	Router   *gin.Engine
}

// Bootstrap wires every component. The context becomes the service
// context for background work.
func Bootstrap(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	orphaned, err := store.MarkOrphans(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("mark orphaned tasks: %w", err)
	}
	if orphaned > 0 {
		logger.Warn("tasks were in flight when the previous process stopped",
			zap.Int64("orphaned", orphaned))
	}

	pools, err := worker.NewPools(ctx, cfg.Workers.GeneralPoolSize, cfg.Workers.ScriptPoolSize)
	if err != nil {
		store.Close()
		return nil, err
	}

	br, err := bridge.New(cfg.Scripts.Folder, cfg.Scripts.Shell, cfg.Scripts.Timeout)
	if err != nil {
		pools.Shutdown(time.Second)
		store.Close()
		return nil, err
	}

	codec, err := identity.NewCodec(cfg.Identity.TokenSigningKey, cfg.Identity.SecretBoxKey, cfg.Identity.TokenMaxAge)
	if err != nil {
		pools.Shutdown(time.Second)
		store.Close()
		return nil, err
	}

	var billingClient *billing.Client
	if cfg.Billing.Endpoint != "" {
		billingClient = billing.NewClient(cfg.Billing.Endpoint, cfg.Billing.APIKey,
			cfg.Billing.Secret, cfg.Billing.ServiceInstance)
	} else {
		logger.Warn("billing endpoint not configured, subscriptions disabled")
	}

	brokerSvc := broker.NewService(br, cfg.Broker.AdminAddress, cfg.Broker.Domain)
	subs := subscription.NewWorkflow(billingClient, cfg.Billing.PollInterval, cfg.Billing.PollDeadline)
	dir := directory.NewService(br)
	sender := notification.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port)
	run := runner.New(pools, store)

	catalogs := catalog.NewWorkflow(br, brokerSvc, subs, dir, sender, run, catalog.Settings{
		AdminAddress:  cfg.Broker.AdminAddress,
		Domain:        cfg.Broker.Domain,
		HostingUnit:   cfg.Broker.HostingUnit,
		StorefrontURL: cfg.Broker.StorefrontURL,
		MailFrom:      cfg.SMTP.From,
		AdminEmail:    cfg.SMTP.AdminEmail,
		DisableCreate: cfg.Broker.DisableCreate,
		SampleHosts:   cfg.Broker.SampleHosts,
	})

	router := api.NewRouter(api.Deps{
		Store:       store,
		Pools:       pools,
		Codec:       codec,
		Catalogs:    catalogs,
		Broker:      brokerSvc,
		Directory:   dir,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	return &App{
		Config:   cfg,
		Pools:    pools,
		Store:    store,
		Bridge:   br,
		Broker:   brokerSvc,
		Codec:    codec,
		Catalogs: catalogs,
		Router:   router,
	}, nil
}

func newStore(ctx context.Context, cfg *config.Config) (tasklog.Store, error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, task history will not survive restarts")
		return tasklog.NewMemoryStore(), nil
	}
	return tasklog.NewPostgresStore(ctx, tasklog.PostgresConfig{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
}

// Shutdown drains background work and releases resources.
func (a *App) Shutdown(timeout time.Duration) {
	a.Pools.Shutdown(timeout)
	a.Store.Close()
}
