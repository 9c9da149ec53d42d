package health

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"pbdna/agent-fleet/internal/config"
	"pbdna/agent-fleet/pkg/logger"
	"pbdna/agent-fleet/pkg/utils"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ReadinessResponse /health/ready 的响应
type ReadinessResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
	Errors    []string  `json:"errors,omitempty"`
}

// Server 健康检查 HTTP 服务
type Server struct {
	app    *fiber.App
	agg    *Aggregator
	config config.ServerConfig
	log    *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer 创建健康检查 HTTP 服务
func NewServer(agg *Aggregator, cfg config.ServerConfig) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          customErrorHandler,
		AppName:               "agent-fleet health",
		DisableStartupMessage: true,
		JSONEncoder:           utils.Marshal,
		JSONDecoder:           utils.Unmarshal,
	})

	s := &Server{
		app:    app,
		agg:    agg,
		config: cfg,
		log:    logger.Named("health"),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))
	s.app.Use(requestid.New())
	s.app.Use(s.requestLogger())

	if s.config.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,OPTIONS",
			MaxAge:       86400,
		}))
	}
}

// requestLogger 以 debug 级别记录请求，探针请求频繁
func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.log.Debug("http request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
		)
		return err
	}
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.health)
	s.app.Get("/health/live", s.live)
	s.app.Get("/health/ready", s.ready)
	s.app.Get("/metrics", s.metrics)
}

func (s *Server) health(c *fiber.Ctx) error {
	report := s.agg.Health()
	status := fiber.StatusOK
	if !report.Ready {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(report)
}

func (s *Server) live(c *fiber.Ctx) error {
	return c.JSON(s.agg.Liveness())
}

func (s *Server) ready(c *fiber.Ctx) error {
	ready, errs := s.agg.Readiness()
	status := fiber.StatusOK
	if !ready {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(ReadinessResponse{
		Ready:     ready,
		Timestamp: time.Now(),
		Errors:    errs,
	})
}

func (s *Server) metrics(c *fiber.Ctx) error {
	m, err := s.agg.Metrics()
	if err != nil {
		s.log.Error("metrics aggregation failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "metrics_unavailable",
			Message: err.Error(),
		})
	}
	return c.JSON(m)
}

// Start 监听配置的地址并在后台提供服务，监听失败时直接返回错误
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve 在给定 listener 上后台提供服务
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = ln.Close()
		return errors.New("health server already started")
	}
	s.listener = ln
	s.done = make(chan struct{})

	done := s.done
	utils.SafeGoWithName("health-server", func() {
		defer close(done)
		if err := s.app.Listener(ln); err != nil {
			s.log.Error("health server stopped", zap.Error(err))
		}
	})

	s.log.Info("health server listening", zap.String("address", ln.Addr().String()))
	return nil
}

// Addr 返回实际监听地址，未启动时为空
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown 优雅关闭，受 ctx 截止时间约束
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.listener != nil
	done := s.done
	s.mu.Unlock()
	if !started {
		return nil
	}

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := s.app.ShutdownWithTimeout(timeout); err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()
	return nil
}

// App 返回底层 fiber 应用
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   "error_" + strconv.Itoa(code),
		Message: message,
	})
}
