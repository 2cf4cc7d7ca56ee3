// Package server exposes task submission, polling, results and health over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohans/auditx/asyncx"
	"github.com/mohans/auditx/internal/logger"
)

const serviceName = "auditx"

// Tasks is the orchestration surface the handlers use. *asyncx.Runner
// implements it.
type Tasks interface {
	Submit(ctx context.Context, payload []byte) (string, error)
	Poll(ctx context.Context, taskID string) (*asyncx.TaskRecord, error)
	Result(ctx context.Context, taskID string) (json.RawMessage, error)
}

type Options struct {
	MaxUploadBytes int64
	EnableCORS     bool
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// EvaluatorConfigured reports whether the evaluator credential is set.
	EvaluatorConfigured bool
	// Redis is pinged by the health check when the queue is enabled.
	Redis  redis.UniversalClient
	Logger *zap.Logger
}

// Server is the HTTP boundary in front of Tasks.
type Server struct {
	app   *fiber.App
	tasks Tasks
	opts  Options
	log   *zap.Logger
}

func New(tasks Tasks, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	bodyLimit := 4 * 1024 * 1024
	if opts.MaxUploadBytes > 0 {
		// multipart framing on top of the file itself
		bodyLimit = int(opts.MaxUploadBytes) + 64*1024
	}
	app := fiber.New(fiber.Config{
		AppName:               "auditx",
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		BodyLimit:             bodyLimit,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})
	s := &Server{app: app, tasks: tasks, opts: opts, log: opts.Logger}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{EnableStackTrace: true}))
	s.app.Use(requestid.New())
	s.app.Use(logger.Middleware(s.log))
	if s.opts.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,POST,OPTIONS",
			AllowHeaders: "Origin,Content-Type,Accept",
			MaxAge:       86400,
		}))
	}
}

func (s *Server) setupRoutes() {
	api := s.app.Group("/api")
	api.Post("/upload", s.handleUpload)
	api.Get("/task/:id", s.handleTask)
	api.Get("/results/:id", s.handleResults)
	api.Get("/health", s.handleHealth)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.log.Info("http server listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "Internal server error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}
