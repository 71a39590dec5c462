package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"github.com/openmux/shellmux/internal/breaker"
	"github.com/openmux/shellmux/internal/config"
	"github.com/openmux/shellmux/internal/coordinator"
	"github.com/openmux/shellmux/internal/envfile"
	"github.com/openmux/shellmux/internal/logger"
	"github.com/openmux/shellmux/internal/middleware"
	"github.com/openmux/shellmux/internal/models"
	"github.com/openmux/shellmux/internal/registry"
	"github.com/openmux/shellmux/internal/server"
	"github.com/openmux/shellmux/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session orchestration server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe is the composition root: every component is constructed
// here and injected explicitly, lifecycle owned top-down.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger.Configure(logger.LevelFromEnv(cfg.Dev), cfg.Dev)

	gormStore, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	guarded := store.NewGuardedStore(gormStore, breaker.New(
		cfg.BreakerFailureThreshold,
		cfg.BreakerFailureWindow,
		cfg.BreakerBaseDelay,
		cfg.BreakerMaxDelay,
	))

	envCache := envfile.NewCache()
	defer envCache.Close()

	reg := registry.New(guarded, envCache, registry.Options{
		MaxSessionsPerProject: cfg.MaxSessionsPerProject,
		BufferChunks:          cfg.OutputBufferChunks,
		IdleTimeout:           cfg.IdleTimeout,
		ReapInterval:          cfg.ReapInterval,
		Assistant: registry.AssistantOptions{
			Command:    cfg.AssistantCommand,
			Signatures: cfg.ReadySignatures,
			Timeout:    cfg.ReadyTimeout,
		},
	})
	reg.Start()

	auth := middleware.NewAuthMiddleware(cfg.AuthSecret)

	// The nil interface dance matters: a typed nil *AuthMiddleware
	// inside a non-nil interface would bypass the disabled-auth checks.
	var validator models.TokenValidator
	if auth != nil {
		validator = auth
	}

	systemServer := server.New(models.SessionTypeSystem, reg, validator)
	assistantServer := server.New(models.SessionTypeAssistant, reg, validator)
	coord := coordinator.New(reg)
	coord.Start()
	defer coord.Stop()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: !cfg.Dev,
	})
	app.Use(recover.New())
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api", auth.RequireAuth)
	coord.RegisterRoutes(api)

	systemServer.RegisterRoutes(app, "/ws/system")
	assistantServer.RegisterRoutes(app, "/ws/assistant")

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.ListenAddr)
		errCh <- app.Listen(cfg.ListenAddr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		reg.Stop()
		return fmt.Errorf("server stopped: %w", err)
	case s := <-sig:
		logger.Infof("received %s, shutting down", s)
	}

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warnf("shutdown: %v", err)
	}
	reg.Stop()
	return nil
}
