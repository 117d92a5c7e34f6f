package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zuz/zpm/internal/supervisor"
	"github.com/zuz/zpm/internal/worker"
)

// Router exposes supervisor operations over HTTP for remote operators.
// The unix control socket stays the canonical control plane; this router
// serves the same supervisor. Endpoints under basePath:
//
//	POST   /start    body: worker config JSON, or ?name= for a known worker
//	POST   /stop     ?name=
//	POST   /restart  ?name=
//	DELETE /workers  ?name=
//	GET    /stats    ?name= (all workers when empty)
//	GET    /list
type Router struct {
	sup      *supervisor.Supervisor
	basePath string
}

func NewRouter(sup *supervisor.Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath)}
}

// Handler returns a gin-powered http.Handler mountable in any mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.DELETE("/workers", r.handleDelete)
	group.GET("/stats", r.handleStats)
	group.GET("/list", r.handleList)
	return g
}

// NewServer serves the router on addr in a background goroutine. Callers
// shut it down through the returned http.Server.
func NewServer(addr, basePath string, sup *supervisor.Supervisor) *http.Server {
	r := NewRouter(sup, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStart(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		if !isSafeName(name) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
			return
		}
		if err := r.sup.StartByName(name); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
		return
	}
	var cfg worker.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(cfg.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
		return
	}
	if err := r.sup.Start(cfg); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	r.nameOp(c, r.sup.Stop)
}

func (r *Router) handleRestart(c *gin.Context) {
	r.nameOp(c, r.sup.Restart)
}

func (r *Router) handleDelete(c *gin.Context) {
	r.nameOp(c, r.sup.Delete)
}

func (r *Router) nameOp(c *gin.Context, op func(string) error) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	if err := op(name); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStats(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		st, err := r.sup.GetStats(name)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, []worker.Stats{st})
		return
	}
	writeJSON(c, http.StatusOK, r.sup.List())
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Names())
}
