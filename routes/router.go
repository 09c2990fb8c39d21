package routes

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cppla/filebox/bucket"
	"github.com/cppla/filebox/config"
	"github.com/cppla/filebox/controllers"
	"github.com/cppla/filebox/middleware"
	"github.com/cppla/filebox/storage"
	"github.com/cppla/filebox/utils"
	"github.com/cppla/filebox/views"
)

// Namespaces builds the public and private bucket namespaces from configuration.
func Namespaces(cfg config.AppConfig) ([]bucket.Namespace, error) {
	public, err := bucket.New(cfg.PublicBucket, cfg.PublicNaming, cfg.PublicUploadResponse, "")
	if err != nil {
		return nil, fmt.Errorf("public bucket: %w", err)
	}
	private, err := bucket.New(cfg.PrivateBucket, cfg.PrivateNaming, cfg.PrivateUploadResponse, cfg.PrivatePathPrefix)
	if err != nil {
		return nil, fmt.Errorf("private bucket: %w", err)
	}
	if private.PathPrefix == "" {
		return nil, fmt.Errorf("private bucket: path prefix must not be empty")
	}
	if public.Name == private.Name {
		return nil, fmt.Errorf("public and private bucket share the name %q", public.Name)
	}
	return []bucket.Namespace{public, private}, nil
}

// SetupRouter wires routes, middlewares, and controllers. cache may be nil. The returned
// handler also honours ?_method=DELETE on POSTs so HTML forms can delete files.
func SetupRouter(cfg config.AppConfig, store storage.Store, cache *utils.Cache, namespaces ...bucket.Namespace) http.Handler {
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	gl, err := utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
	if err == nil {
		r.Use(utils.Ginzap(gl, time.RFC3339, true))
		r.Use(utils.RecoveryWithZap(gl, false))
	} else {
		utils.Sugar.Warnf("gin access log disabled: %v", err)
		r.Use(gin.Recovery())
	}

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))
	r.Use(middleware.Metrics())

	r.SetHTMLTemplate(views.Templates())

	notice := utils.NoticeHTML(cfg.NoticeHTML)
	opts := controllers.FileOptions{
		MaxUploadBytes: cfg.UploadMaxBytes(),
		NoticeTitle:    cfg.NoticeTitle,
		Notice:         notice,
		Cache:          cache,
	}
	uploadLimit := middleware.RateLimit(cfg.RateLimitPerMinute)

	for _, ns := range namespaces {
		fc := controllers.NewFileController(store, ns, opts)
		g := r.Group(ns.PathPrefix)
		g.GET("/", fc.Index)
		g.POST("/upload", uploadLimit, fc.Upload)
		g.GET("/files", fc.List)
		g.GET("/files/:id", fc.Show)
		g.GET("/image/:id", fc.Image)
		g.GET("/download/:id", fc.Download)
		g.DELETE("/files/:id", fc.Delete)
	}

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	statsController := controllers.NewStatsController(store, cache, namespaces...)
	configController := controllers.NewConfigController(cfg.NoticeTitle, notice)
	r.GET("/stats", statsController.GetStats)
	r.GET("/config/notice", configController.GetNotice)

	r.NoRoute(func(ctx *gin.Context) {
		utils.ErrorJSON(ctx, http.StatusNotFound, "route not found")
	})

	return middleware.MethodOverride(r)
}
