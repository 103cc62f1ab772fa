// Package debughttp serves a small loopback-only introspection surface:
// a liveness probe and a process-status dump of document/subscriber
// counts. It carries none of the public REST CRUD surface the teacher's
// internal/api exposed — that belongs to a separate relay service, out
// of scope here — but keeps the teacher's gin+cors wiring for the one
// HTTP surface this core does need.
package debughttp

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/scriptum/daemon/internal/catalog"
	"github.com/scriptum/daemon/internal/docmanager"
	"github.com/scriptum/daemon/internal/synchub"
)

// Deps bundles the components statusz reports on.
type Deps struct {
	Catalog *catalog.Catalog
	Docs    *docmanager.Manager
	Hub     *synchub.Hub
	Started time.Time
}

// NewEngine builds a gin.Engine exposing /healthz and /statusz, CORS'd
// the same way cmd/api/main.go configures its public API router (wide
// open, dev-oriented — this surface is meant to bind to loopback only,
// so the permissive CORS policy never reaches anything but localhost
// tooling).
func NewEngine(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	r.GET("/statusz", func(c *gin.Context) {
		c.JSON(200, deps.status())
	})

	return r
}

func (deps Deps) status() gin.H {
	loaded := deps.Docs.LoadedDocIDs()
	degraded := 0
	subscribers := 0
	for _, id := range loaded {
		if deps.Docs.IsDegraded(id) {
			degraded++
		}
		subscribers += deps.Hub.SubscriberCount(id)
	}

	workspaceCount := len(deps.Catalog.ListWorkspaces())

	uptime := time.Duration(0)
	if !deps.Started.IsZero() {
		uptime = time.Since(deps.Started)
	}

	return gin.H{
		"workspaces":       workspaceCount,
		"documents_loaded": len(loaded),
		"documents_degraded": degraded,
		"subscribers":      subscribers,
		"uptime_seconds":   uptime.Seconds(),
	}
}
