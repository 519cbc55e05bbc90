// Package delivery exposes the synchronized inbox to the local UI process:
// a loopback REST API for intents and snapshots plus a websocket stream of
// update notifications.
package delivery

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"livechat-sync/internal/config"
	synccore "livechat-sync/internal/sync"
)

type Server struct {
	config *config.Config
	core   *synccore.Orchestrator
	hub    *StreamHub
	log    *slog.Logger
	app    *fiber.App
}

func NewServer(cfg *config.Config, core *synccore.Orchestrator, hub *StreamHub, log *slog.Logger) *Server {
	return &Server{
		config: cfg,
		core:   core,
		hub:    hub,
		log:    log,
	}
}

// App builds the fiber application; split from Start so tests can drive it
// with app.Test.
func (s *Server) App() *fiber.App {
	if s.app != nil {
		return s.app
	}

	app := fiber.New(fiber.Config{
		AppName: "LiveChat Agent Sync",
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
	}))

	corsConfig := cors.Config{
		AllowMethods:     "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With",
		AllowCredentials: s.config.AllowCredentials,
		MaxAge:           86400,
	}
	if s.config.IsProduction() {
		corsConfig.AllowOrigins = s.config.GetCORSOrigins()
	} else {
		corsConfig.AllowOrigins = "*"
		corsConfig.AllowCredentials = false
	}
	app.Use(cors.New(corsConfig))

	app.Get("/health", s.handleHealth)

	api := app.Group("/api")
	api.Get("/conversations", s.handleListConversations)
	api.Put("/conversations/filters", s.handleSetFilters)
	api.Post("/conversations/:id/select", s.handleSelectConversation)
	api.Get("/conversations/:id/messages", s.handleGetMessages)
	api.Post("/conversations/:id/messages", s.handleSendMessage)
	api.Post("/conversations/:id/messages/older", s.handleLoadOlder)
	api.Delete("/conversations/:id/messages/:message_id", s.handleRemoveMessage)
	api.Post("/conversations/:id/read", s.handleMarkRead)
	api.Get("/conversations/:id/typing", s.handleGetTyping)
	api.Post("/typing", s.handleSetTyping)
	api.Get("/presence", s.handleGetPresence)
	api.Put("/presence", s.handleSetPresence)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/stream", websocket.New(func(c *websocket.Conn) {
		s.hub.HandleConnection(c)
	}))

	s.app = app
	return app
}

// Start serves the loopback API; it blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info("agent sync API starting", slog.String("port", s.config.Port))
	return s.App().Listen(":" + s.config.Port)
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown() error {
	if s.app == nil {
		return nil
	}
	return s.app.Shutdown()
}
