package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fracture-scan/backend/internal/analysis"
	"github.com/fracture-scan/backend/internal/api"
	"github.com/fracture-scan/backend/internal/config"
	"github.com/fracture-scan/backend/internal/logger"
	"github.com/fracture-scan/backend/internal/session"
	"github.com/fracture-scan/backend/internal/storage"
	"github.com/fracture-scan/backend/internal/upload"
	"github.com/fracture-scan/backend/internal/web"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const configFileName = "fracturescan.yaml"

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	configPath, err := resolveConfigPath()
	if err != nil {
		fmt.Printf("Failed to resolve config path: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Advanced.LogLevel)

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to create directories")
	}

	embeddedMode := web.HasEmbeddedFiles()

	store, err := storage.NewLocalStore(cfg.Storage.StagingDirectory, cfg.Upload.MaxFileSizeBytes)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize staging store")
	}

	client := analysis.NewClient(cfg.Analysis.BaseURL, cfg.AnalysisTimeout())
	uploadOpts := upload.OptionsFromConfig(cfg)

	sessionMgr := session.NewManager(session.OptionsFromConfig(cfg), func(id string) *upload.Controller {
		return upload.NewController(id, uploadOpts, store, client)
	})
	if err := sessionMgr.ScheduleCleanup(cfg.CleanupInterval(), cfg.SessionTimeout()); err != nil {
		logger.Log.WithError(err).Fatal("Failed to schedule session cleanup")
	}

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			if !cfg.Advanced.EnableRequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return strings.HasSuffix(path, "/keepalive") ||
				strings.HasPrefix(path, "/api/ws/") ||
				path == "/api/health"
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	if cfg.Advanced.EnableCompression {
		e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
			Level: cfg.Advanced.CompressionLevel,
			Skipper: func(c echo.Context) bool {
				// Hijacked websocket connections and raw previews are not compressed
				path := c.Request().URL.Path
				return strings.HasPrefix(path, "/api/ws/") || strings.Contains(path, "/previews/")
			},
		}))
	}

	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	if cfg.Server.EnableCORS {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:  allowedOrigins(cfg.Server.AllowOrigins, embeddedMode),
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
			ExposeHeaders: []string{echo.HeaderContentDisposition},
		}))
	}

	api.SetupMiddleware(e, cfg.Advanced.ExposeErrorDetails)
	handlers := api.NewHandlers(&api.Dependencies{
		SessionMgr:  sessionMgr,
		Staging:     store,
		MaxFileSize: cfg.Upload.MaxFileSizeBytes,
		WebSocket: api.WebSocketConfig{
			PingInterval:    time.Duration(cfg.Advanced.WebSocketPingSeconds) * time.Second,
			MaxMessageBytes: int64(cfg.Advanced.WebSocketMaxMessageKiB) * 1024,
		},
		Version: Version,
	})
	api.RegisterRoutes(e, handlers)
	api.RegisterWebSocketRoutes(e, handlers)

	if embeddedMode {
		if err := web.RegisterStaticRoutes(e, "/api"); err != nil {
			logger.Log.WithError(err).Warn("Failed to register static routes")
		} else {
			logger.Log.Info("Serving embedded frontend from binary")
		}
	}

	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg, configPath, embeddedMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Warn("Server shutdown incomplete")
	}
	sessionMgr.Stop()
}

// resolveConfigPath prefers CONFIG_PATH, then the file next to the executable.
func resolveConfigPath() (string, error) {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p, nil
	}
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exePath), configFileName), nil
}

func allowedOrigins(configured string, embedded bool) []string {
	if !embedded {
		// Development mode - only allow the local dev servers
		return []string{
			"http://localhost:5173", "http://127.0.0.1:5173",
			"http://localhost:3000", "http://127.0.0.1:3000",
		}
	}

	var origins []string
	for _, o := range strings.Split(configured, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}

func printBanner(cfg *config.AppConfig, configPath string, embedded bool) {
	mode := "Development"
	if embedded {
		mode = "Embedded"
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Fracture Scan Server                            ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Mode:       %-45s║\n", mode)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Analysis:  %-46s║\n", cfg.Analysis.BaseURL)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
