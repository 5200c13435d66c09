// Package web serves the host's status API.
package web

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/gwillem/legbot/pkg/teleop"
	"github.com/gwillem/legbot/pkg/transport"
)

// Status is the host state reported by /api/status.
type Status struct {
	Robot        string           `json:"robot"`
	Uptime       float64          `json:"uptime_seconds"`
	Commands     transport.Stats  `json:"commands"`
	Observations transport.Stats  `json:"observations"`
	Host         teleop.HostStats `json:"host"`
}

// Sources supplies the data the API serves. Frame may be nil.
type Sources struct {
	Status func() Status
	Frame  func() ([]byte, bool)
}

// Server is the status API server
type Server struct {
	app     *fiber.App
	addr    string
	sources Sources
	started time.Time
	log     *slog.Logger
}

// NewServer creates a status server for addr, e.g. ":8080".
func NewServer(addr string, sources Sources, logger *slog.Logger) *Server {
	s := &Server{
		addr:    addr,
		sources: sources,
		started: time.Now(),
		log:     logger.With("component", "web"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "legbot host",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/health", s.handleHealth)
	api.Get("/status", s.handleStatus)
	api.Get("/frame", s.handleFrame)

	s.app = app
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("status api listening", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// StartAsync starts the server in a goroutine
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.log.Error("status api failed", "error", err)
		}
	}()
}

// Shutdown stops the server, waiting up to timeout for open requests.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	if s.sources.Status == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "status not available",
		})
	}
	st := s.sources.Status()
	st.Uptime = time.Since(s.started).Seconds()
	return c.JSON(st)
}

// handleFrame returns the latest camera frame as JPEG.
func (s *Server) handleFrame(c *fiber.Ctx) error {
	if s.sources.Frame == nil {
		return fiber.ErrNotFound
	}
	frame, ok := s.sources.Frame()
	if !ok {
		return c.Status(fiber.StatusNoContent).Send(nil)
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	return c.Send(frame)
}
