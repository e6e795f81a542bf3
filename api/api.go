// Package api serves a read-only HTTP view of health, version and run reports.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/TFMV/m2sync/metrics"
	"github.com/TFMV/m2sync/report"
	"github.com/TFMV/m2sync/version"
)

// ServerOptions configures the API server.
type ServerOptions struct {
	Port    string
	Prefork bool
	Reports metrics.ReportStore
	Logger  *zap.Logger
}

// Server holds the Fiber app instance.
type Server struct {
	app    *fiber.App
	port   string
	logger *zap.Logger
}

type reportSummary struct {
	RunID     string            `json:"run_id"`
	Status    metrics.Status    `json:"status"`
	Window    string            `json:"window"`
	StartTime time.Time         `json:"start_time"`
	Duration  time.Duration     `json:"duration"`
	Totals    metrics.RunTotals `json:"totals"`
}

// NewServer builds the Fiber app and its routes.
func NewServer(opts ServerOptions) *Server {
	if opts.Port == "" {
		opts.Port = "8080"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Reports == nil {
		opts.Reports = &metrics.JSONReportStore{}
	}

	app := fiber.New(fiber.Config{
		IdleTimeout:           10 * time.Second,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		Prefork:               opts.Prefork,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	app.Get("/version", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service": "m2sync",
			"version": version.Version,
			"build":   version.BuildDate,
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	})

	app.Get("/reports", func(c *fiber.Ctx) error {
		runs, err := opts.Reports.List(c.UserContext())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		out := make([]reportSummary, 0, len(runs))
		for _, r := range runs {
			out = append(out, reportSummary{
				RunID:     r.RunID,
				Status:    r.Status(),
				Window:    r.Window,
				StartTime: r.StartTime,
				Duration:  r.Duration,
				Totals:    r.Totals(),
			})
		}
		return c.JSON(out)
	})

	app.Get("/reports/:id", func(c *fiber.Ctx) error {
		run, err := opts.Reports.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return reportError(err)
		}
		var gen report.ReportGenerator = &report.JSONReportGenerator{}
		if c.Query("format") == "html" {
			gen = &report.HTMLReportGenerator{}
			c.Type("html")
		} else {
			c.Type("json")
		}
		body, err := gen.GenerateRunReport(run)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Send(body)
	})

	return &Server{app: app, port: opts.Port, logger: opts.Logger}
}

func reportError(err error) error {
	if errors.Is(err, metrics.ErrReportNotFound) {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}

// GetApp returns the Fiber app, mainly for tests.
func (s *Server) GetApp() *fiber.App {
	return s.app
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API is running", zap.String("port", s.port))
		errCh <- s.app.Listen(":" + s.port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Received shutdown signal, stopping server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("Server shutdown successfully")
	return nil
}

// Shutdown stops the server immediately.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
