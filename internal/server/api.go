package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"tapgoose/internal/match"
)

const (
	apiPrefix   = "/tap-goose-game"
	localPlayer = "player"
)

func (s *Server) newAPI() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.apiError,
	})

	limiter := newConnectionLimiter(s.cfg.MaxConnectionsPerIP)
	matches := app.Group(apiPrefix+"/matches", s.requirePlayer, func(c *fiber.Ctx) error {
		release, ok := limiter.acquire(c.IP())
		if !ok {
			return fiber.NewError(fiber.StatusTooManyRequests, "too many requests")
		}
		defer release()
		return c.Next()
	})

	matches.Get("/available", s.listAvailable)
	matches.Get("/active", s.listActive)
	matches.Get("/active/:matchId", s.getActive)
	matches.Get("/history/user/:userId", s.listHistory)
	matches.Get("/history/match/:matchId", s.getHistory)
	return app
}

func (s *Server) requirePlayer(c *fiber.Ctx) error {
	token := extractBearer(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		token = c.Query("token")
	}
	player, err := s.identity.Verify(token)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}
	c.Locals(localPlayer, player)
	return c.Next()
}

func currentPlayer(c *fiber.Ctx) match.PlayerInfo {
	player, _ := c.Locals(localPlayer).(match.PlayerInfo)
	return player
}

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

func (s *Server) listAvailable(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()
	views, err := s.game.AvailableMatches(ctx, currentPlayer(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(views)
}

func (s *Server) listActive(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()
	playerID := currentPlayer(c).ID
	ids, err := s.game.PlayerMatchIDs(ctx, playerID)
	if err != nil {
		return err
	}
	views := make([]match.View, 0, len(ids))
	for _, id := range ids {
		view, err := s.game.ActiveMatch(ctx, playerID, id)
		if errors.Is(err, match.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		views = append(views, view)
	}
	return c.JSON(views)
}

func (s *Server) getActive(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()
	view, err := s.game.ActiveMatch(ctx, currentPlayer(c).ID, c.Params("matchId"))
	if err != nil {
		return err
	}
	return c.JSON(view)
}

func (s *Server) listHistory(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()
	records, err := s.history.ListForPlayer(ctx, c.Params("userId"))
	if err != nil {
		return err
	}
	return c.JSON(records)
}

func (s *Server) getHistory(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()
	record, err := s.history.Get(ctx, c.Params("matchId"))
	if err != nil {
		return err
	}
	return c.JSON(record)
}

// apiError maps errors to status codes; only user-facing messages are shown.
func (s *Server) apiError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return c.Status(fe.Code).JSON(errorPayload{Message: fe.Message})
	case errors.Is(err, match.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(errorPayload{Message: err.Error()})
	case match.IsUserFacing(err):
		return c.Status(fiber.StatusConflict).JSON(errorPayload{Message: err.Error()})
	}
	s.log.Error("api request failed", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(errorPayload{Message: "internal error"})
}
