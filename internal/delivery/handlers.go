package delivery

import (
	"github.com/gofiber/fiber/v2"

	"livechat-sync/internal/directory"
	"livechat-sync/internal/domain"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	snap := s.core.Status()
	return c.JSON(fiber.Map{
		"status":         "ok",
		"sync_state":     snap.State,
		"stale":          snap.Stale,
		"stream_clients": s.hub.ClientCount(),
		"environment":    s.config.Environment,
	})
}

func (s *Server) handleListConversations(c *fiber.Ctx) error {
	snap := s.core.Status()
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"conversations": s.core.Conversations(),
			"selected_id":   snap.Selected,
			"stale":         snap.Stale,
		},
	})
}

type filtersRequest struct {
	Filters   directory.Filters `json:"filters"`
	Sort      directory.SortKey `json:"sort"`
	Ascending bool              `json:"ascending"`
}

func (s *Server) handleSetFilters(c *fiber.Ctx) error {
	var req filtersRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid filter payload", err)
	}
	s.core.SetFilters(req.Filters, req.Sort, req.Ascending)
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleSelectConversation(c *fiber.Ctx) error {
	s.core.SelectConversation(c.Params("id"))
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleGetMessages(c *fiber.Ctx) error {
	win := s.core.Window(c.Params("id"))
	return c.JSON(fiber.Map{
		"success": true,
		"data":    win,
	})
}

type sendMessageRequest struct {
	Content  string             `json:"content"`
	Type     domain.MessageType `json:"type"`
	Metadata map[string]any     `json:"metadata"`
}

func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid message payload", err)
	}
	if req.Content == "" {
		return badRequest(c, "content is required", nil)
	}
	provisionalID := s.core.SendMessage(c.Params("id"), req.Content, req.Type, req.Metadata)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"data":    fiber.Map{"provisional_id": provisionalID},
	})
}

func (s *Server) handleLoadOlder(c *fiber.Ctx) error {
	s.core.LoadOlder(c.Params("id"))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true})
}

func (s *Server) handleRemoveMessage(c *fiber.Ctx) error {
	s.core.RemoveMessage(c.Params("id"), c.Params("message_id"))
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleMarkRead(c *fiber.Ctx) error {
	s.core.MarkConversationRead(c.Params("id"))
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleGetTyping(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    fiber.Map{"users": s.core.TypingIn(c.Params("id"))},
	})
}

type typingRequest struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

func (s *Server) handleSetTyping(c *fiber.Ctx) error {
	var req typingRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid typing payload", err)
	}
	if req.ConversationID == "" {
		return badRequest(c, "conversation_id is required", nil)
	}
	s.core.SetTyping(req.ConversationID, req.Typing)
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleGetPresence(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    fiber.Map{"users": s.core.Presence()},
	})
}

type presenceRequest struct {
	Status domain.PresenceStatus `json:"status"`
}

func (s *Server) handleSetPresence(c *fiber.Ctx) error {
	var req presenceRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid presence payload", err)
	}
	switch req.Status {
	case domain.PresenceOnline, domain.PresenceAway, domain.PresenceBusy, domain.PresenceOffline:
	default:
		return badRequest(c, "unknown presence status", nil)
	}
	s.core.SetPresence(req.Status)
	return c.JSON(fiber.Map{"success": true})
}

func badRequest(c *fiber.Ctx, message string, err error) error {
	body := fiber.Map{
		"success": false,
		"message": message,
	}
	if err != nil {
		body["error"] = err.Error()
	}
	return c.Status(fiber.StatusBadRequest).JSON(body)
}
