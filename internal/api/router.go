// Package api is the HTTP surface: health, task-log reporting, runtime
// log level, and the catalog operation endpoints. Operations require a
// hand-off token from the authenticating web tier; the reporting
// endpoints carry no auth and are meant to be bound to a loopback or
// otherwise restricted address.
package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"vd-catalogd.io/catalogd/internal/broker"
	"vd-catalogd.io/catalogd/internal/catalog"
	"vd-catalogd.io/catalogd/internal/directory"
	"vd-catalogd.io/catalogd/internal/identity"
	"vd-catalogd.io/catalogd/internal/pkg/logger"
	"vd-catalogd.io/catalogd/internal/pkg/worker"
	"vd-catalogd.io/catalogd/internal/tasklog"
)

// Deps is everything the router serves.
type Deps struct {
	Store     tasklog.Store
	Pools     *worker.Pools
	Codec     *identity.Codec
	Catalogs  *catalog.Workflow
	Broker    *broker.Service
	Directory *directory.Service

	CORSOrigins []string
}

// NewRouter assembles the gin engine.
func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if len(d.CORSOrigins) > 0 {
		cfg := cors.DefaultConfig()
		cfg.AllowOrigins = d.CORSOrigins
		cfg.AllowHeaders = append(cfg.AllowHeaders, "X-Handoff-Token")
		router.Use(cors.New(cfg))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"workers": d.Pools.Metrics(),
		})
	})

	level := logger.HTTPHandler()
	router.GET("/log/level", gin.WrapH(level))
	router.PUT("/log/level", gin.WrapH(level))

	tasks := &taskHandler{store: d.Store}
	v1 := router.Group("/api/v1")
	{
		v1.GET("/tasks", tasks.list)
		v1.GET("/tasks/:id", tasks.get)
	}

	catalogs := &catalogHandler{
		catalogs:  d.Catalogs,
		broker:    d.Broker,
		directory: d.Directory,
	}
	ops := v1.Group("", requireIdentity(d.Codec))
	{
		ops.GET("/catalogs", catalogs.list)
		ops.POST("/catalogs", catalogs.create)
		ops.POST("/catalogs/:name/machines", catalogs.grow)
		ops.DELETE("/catalogs/:name", catalogs.delete)
		ops.GET("/catalogs/:name/machines", catalogs.machines)
		ops.POST("/machines/:machine/restart", catalogs.restartMachine)
		ops.GET("/bundles", catalogs.bundles)
		ops.GET("/directory/search", catalogs.searchDirectory)
		ops.POST("/access-check", catalogs.checkAccess)
	}

	return router
}
