package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vitalwatch/internal/engine"
	"github.com/fyrsmithlabs/vitalwatch/internal/rules"
)

// ruleError maps rule store errors onto HTTP responses.
func ruleError(c echo.Context, err error) error {
	var verr *rules.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: verr.Reason, Field: verr.Field})
	case errors.Is(err, rules.ErrInvalidRule):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, rules.ErrRuleNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "rule not found")
	default:
		return err
	}
}

func bindDefinition(c echo.Context) (rules.Rule, error) {
	var def rules.Definition
	if err := c.Bind(&def); err != nil {
		return rules.Rule{}, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return def.ToRule()
}

// handleListRules lists a user's rules. user_id is required.
func (s *Server) handleListRules(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id query parameter is required")
	}
	list, err := s.rules.List(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	if list == nil {
		list = []rules.Rule{}
	}
	return c.JSON(http.StatusOK, RuleListResponse{Rules: list})
}

func (s *Server) handleCreateRule(c echo.Context) error {
	r, err := bindDefinition(c)
	if err != nil {
		return ruleError(c, err)
	}
	created, err := s.rules.Create(c.Request().Context(), r)
	if err != nil {
		return ruleError(c, err)
	}
	s.logger.Info("rule created",
		zap.String("rule.id", created.ID),
		zap.String("user.id", created.UserID),
		zap.String("metric", created.Metric))
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetRule(c echo.Context) error {
	r, err := s.rules.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ruleError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

// handleUpdateRule replaces a rule's definition. The path id wins over any id
// in the body.
func (s *Server) handleUpdateRule(c echo.Context) error {
	r, err := bindDefinition(c)
	if err != nil {
		return ruleError(c, err)
	}
	r.ID = c.Param("id")
	updated, err := s.rules.Update(c.Request().Context(), r)
	if err != nil {
		return ruleError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(c echo.Context) error {
	if err := s.rules.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return ruleError(c, err)
	}
	s.logger.Info("rule deleted", zap.String("rule.id", c.Param("id")))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSetActive(active bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		r, err := s.rules.SetActive(c.Request().Context(), c.Param("id"), active)
		if err != nil {
			return ruleError(c, err)
		}
		return c.JSON(http.StatusOK, r)
	}
}

// handleEvaluate runs an all-scope pass for the user and returns its report.
func (s *Server) handleEvaluate(c echo.Context) error {
	report, err := s.evaluator.Run(c.Request().Context(), c.Param("id"), engine.ScopeAll, engine.TierOnDemand)
	if err != nil {
		s.logger.Warn("on-demand evaluation failed", zap.String("user.id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "evaluation failed")
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleTriggers(c echo.Context) error {
	userID := c.Param("id")
	return c.JSON(http.StatusOK, TriggersResponse{UserID: userID, Today: s.triggers.TriggersToday(userID)})
}
