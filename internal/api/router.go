// Package api assembles the coordinator's HTTP surface.
package api

import (
	"net/http"
	"strings"

	"github.com/bhandras/dumiverse/internal/api/handlers"
	"github.com/bhandras/dumiverse/internal/api/middleware"
	"github.com/bhandras/dumiverse/internal/crypto"
	"github.com/bhandras/dumiverse/internal/metrics"
	"github.com/bhandras/dumiverse/internal/relay"
	"github.com/bhandras/dumiverse/internal/session"
	"github.com/bhandras/dumiverse/pkg/types"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Options configures NewRouter. Coordinator is required; the rest are
// optional.
type Options struct {
	Coordinator    *session.Coordinator
	AllowedOrigins []string
	MaxUploadBytes int64

	// JWT enables bearer auth on the session endpoints when set.
	JWT       *crypto.JWTManager
	Metrics   *metrics.Metrics
	Relay     *relay.Relay
	RelayPath string
}

// NewRouter builds the Gin engine.
func NewRouter(opts Options) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Length", types.HeaderRenderJob, types.HeaderRenderWidth, types.HeaderRenderHeight},
	}))

	router.Use(middleware.LoggingMiddleware())
	if opts.Metrics != nil {
		router.Use(opts.Metrics.Middleware())
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	renderHandler := handlers.NewRenderHandler(opts.Coordinator, opts.MaxUploadBytes)

	// Public routes
	router.GET("/", renderHandler.Help)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, types.Response{Success: true, Msg: "ok"})
	})

	protected := router.Group("")
	if opts.JWT != nil {
		protected.Use(middleware.AuthMiddleware(opts.JWT))
	}
	{
		protected.GET("/open", renderHandler.Open)
		protected.POST("/init", renderHandler.Init)
		protected.GET("/check_buffer", renderHandler.CheckBuffer)
		protected.GET("/interrupt", renderHandler.Interrupt)
		protected.GET("/percent", renderHandler.Percent)
		protected.POST("/render", renderHandler.Render)
		protected.GET("/close", renderHandler.Close)
		protected.GET("/status", renderHandler.Status)
	}

	if opts.Relay != nil {
		path := strings.TrimSuffix(opts.RelayPath, "/")
		if path == "" {
			path = "/socket.io"
		}
		router.Any(path, opts.Relay.Handler())
		router.Any(path+"/*any", opts.Relay.Handler())
	}

	return router
}
