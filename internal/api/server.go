// Package api exposes the daemon's admin HTTP surface: cache access for
// tooling and a stats endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/osedukhin/proxyd/internal/cache"
	"github.com/osedukhin/proxyd/internal/shmem"
)

// CounterRegion is the canonical shared counter bumped once per API
// request.
const CounterRegion = "testCounter"

// CounterRegionSize is the counter's shared-memory footprint.
const CounterRegionSize = 8

// Server is the fiber-backed admin API.
type Server struct {
	app   *fiber.App
	cache *cache.Cache
	shm   *shmem.Registry
	log   *slog.Logger
	port  int
}

// NewServer builds the server and registers its routes. The testCounter
// region must already be registered with the shmem registry.
func NewServer(port int, c *cache.Cache, shm *shmem.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			BodyLimit:             16 * 1024 * 1024,
		}),
		cache: c,
		shm:   shm,
		log:   logger.With("component", "api"),
		port:  port,
	}
	s.routes()
	return s
}

// App returns the fiber app, used by tests via app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	s.app.Use(func(c *fiber.Ctx) error {
		if _, err := s.shm.AddInt64(CounterRegion, 1); err != nil {
			s.log.Warn("request counter bump failed", "error", err)
		}
		return c.Next()
	})

	api := s.app.Group("/api")
	api.Get("/cache/:key", s.handleGet)
	api.Put("/cache/:key", s.handlePut)
	api.Get("/stats", s.handleStats)
}

func (s *Server) handleGet(c *fiber.Ctx) error {
	key := c.Params("key")
	value, err := s.cache.Get(key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"error":   "key not found",
			})
		}
		s.log.Warn("cache read failed", "key", key, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "cache read failed",
		})
	}
	return c.Status(fiber.StatusOK).Send(value)
}

func (s *Server) handlePut(c *fiber.Ctx) error {
	key := c.Params("key")
	ttl := int64(c.QueryInt("ttl", 3600))

	err := s.cache.Put(key, ttl, c.Body())
	switch {
	case err == nil:
		return c.SendStatus(fiber.StatusNoContent)
	case errors.Is(err, cache.ErrValueTooLarge):
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	case errors.Is(err, cache.ErrTTLOutOfRange):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	case errors.Is(err, cache.ErrOutOfSegments):
		return c.Status(fiber.StatusInsufficientStorage).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	default:
		s.log.Warn("cache write failed", "key", key, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "cache write failed",
		})
	}
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	counter, err := s.shm.ReadInt64(CounterRegion)
	if err != nil {
		counter = -1
	}
	return c.JSON(fiber.Map{
		"success":      true,
		"cache":        s.cache.Stats(),
		"test_counter": counter,
	})
}

// Run listens until ctx is cancelled. Satisfies the worker supervisor's run
// contract.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(fmt.Sprintf(":%d", s.port))
	}()

	select {
	case <-ctx.Done():
		if err := s.app.Shutdown(); err != nil {
			s.log.Warn("api shutdown failed", "error", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return fmt.Errorf("api: listen on :%d: %w", s.port, err)
	}
}
