package fakebackend

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pulseline/pkg/models"
)

const userIDKey = "user_id"

type pageResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

type validationError struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

type tokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// validation renders as {"message": ..., "fields": {...}} through echo's error handler
func validation(field, msg string) error {
	return echo.NewHTTPError(http.StatusUnprocessableEntity, validationError{
		Message: "validation failed",
		Fields:  map[string]string{field: msg},
	})
}

func storeError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Not found")
	case errors.Is(err, ErrNotMember):
		return echo.NewHTTPError(http.StatusForbidden, "Not a member")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func bearer(c echo.Context) (string, bool) {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if authHeader == "" {
		return "", false
	}
	tokenParts := strings.Split(authHeader, " ")
	if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
		return "", false
	}
	return tokenParts[1], true
}

func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tokenString, ok := bearer(c)
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
		}
		userID, err := s.tokens.validate(tokenString)
		if err != nil || !s.store.exists(userID) {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
		}
		c.Set(userIDKey, userID)
		return next(c)
	}
}

// optionalAuth identifies the caller when a valid token is present
func (s *Server) optionalAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if tokenString, ok := bearer(c); ok {
			userID, err := s.tokens.validate(tokenString)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}
			c.Set(userIDKey, userID)
		}
		return next(c)
	}
}

func currentUser(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}

func pageParams(c echo.Context) (skip, limit int, field string, ok bool) {
	skip, limit = 0, 20
	if v := c.QueryParam("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, "skip", false
		}
		skip = n
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return 0, 0, "limit", false
		}
		limit = n
	}
	return skip, limit, "", true
}

func writePage[T any](c echo.Context, items []T) error {
	skip, limit, field, ok := pageParams(c)
	if !ok {
		return validation(field, "must be a non-negative integer within range")
	}
	return c.JSON(http.StatusOK, pageResponse[T]{
		Items: paginate(items, skip, limit),
		Total: len(items),
	})
}

// Auth

func (s *Server) issueToken(c echo.Context) error {
	var userID string
	switch c.FormValue("grant_type") {
	case "password":
		id, ok := s.store.authenticate(c.FormValue("username"), c.FormValue("password"))
		if !ok {
			return c.JSON(http.StatusUnauthorized, tokenError{Error: "invalid_grant", Description: "bad username or password"})
		}
		userID = id
	case "refresh_token":
		id, ok := s.tokens.rotate(c.FormValue("refresh_token"))
		if !ok {
			return c.JSON(http.StatusBadRequest, tokenError{Error: "invalid_grant", Description: "refresh token is invalid or expired"})
		}
		userID = id
	default:
		return c.JSON(http.StatusBadRequest, tokenError{Error: "unsupported_grant_type"})
	}

	pair, err := s.tokens.issue(userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, tokenError{Error: "server_error", Description: err.Error()})
	}
	return c.JSON(http.StatusOK, pair)
}

// Messaging

func (s *Server) listConversations(c echo.Context) error {
	return writePage(c, s.store.conversationsFor(currentUser(c)))
}

func (s *Server) listMessages(c echo.Context) error {
	msgs, err := s.store.conversationByID(c.Param("id"), currentUser(c))
	if err != nil {
		return storeError(err)
	}
	return writePage(c, msgs)
}

type contentRequest struct {
	Content   string  `json:"content"`
	DiseaseID *string `json:"disease_id,omitempty"`
}

func bindContent(c echo.Context) (contentRequest, error) {
	var req contentRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return req, validation("content", "must not be empty")
	}
	return req, nil
}

func (s *Server) sendMessage(c echo.Context) error {
	req, err := bindContent(c)
	if err != nil {
		return err
	}
	msg, err := s.SendMessage(c.Param("id"), currentUser(c), req.Content)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (s *Server) listGroups(c echo.Context) error {
	return writePage(c, s.store.groupsFor(currentUser(c)))
}

func (s *Server) listGroupMessages(c echo.Context) error {
	msgs, err := s.store.groupMessages(c.Param("id"), currentUser(c))
	if err != nil {
		return storeError(err)
	}
	return writePage(c, msgs)
}

func (s *Server) sendGroupMessage(c echo.Context) error {
	req, err := bindContent(c)
	if err != nil {
		return err
	}
	msg, err := s.SendGroupMessage(c.Param("id"), currentUser(c), req.Content)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

// Feed

func (s *Server) listPosts(c echo.Context) error {
	return writePage(c, s.store.feed(currentUser(c)))
}

func (s *Server) createPost(c echo.Context) error {
	req, err := bindContent(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, s.PublishPost(currentUser(c), req.Content, req.DiseaseID))
}

// Notifications

func (s *Server) listNotifications(c echo.Context) error {
	return writePage(c, s.store.notificationsFor(currentUser(c)))
}

func (s *Server) markNotificationRead(c echo.Context) error {
	if err := s.store.markRead(currentUser(c), c.Param("id")); err != nil {
		return storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Profiles

func (s *Server) getUser(c echo.Context) error {
	u, err := s.store.user(c.Param("id"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (s *Server) listDiseases(c echo.Context) error {
	if !s.store.exists(c.Param("id")) {
		return storeError(ErrNotFound)
	}
	return writePage(c, s.store.diseasesFor(c.Param("id"), currentUser(c)))
}

func (s *Server) listVitals(c echo.Context) error {
	userID := c.Param("id")
	if userID != currentUser(c) {
		return echo.NewHTTPError(http.StatusForbidden, "Vitals are private")
	}
	return writePage(c, s.store.vitalsFor(userID, models.VitalType(c.QueryParam("type"))))
}

// Blocking

func (s *Server) listBlocks(c echo.Context) error {
	return writePage(c, s.store.blocksFor(currentUser(c)))
}

func (s *Server) blockUser(c echo.Context) error {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	self := currentUser(c)
	switch {
	case req.UserID == "":
		return validation("user_id", "is required")
	case req.UserID == self:
		return echo.NewHTTPError(http.StatusConflict, "Cannot block yourself")
	case !s.store.exists(req.UserID):
		return storeError(ErrNotFound)
	}
	return c.JSON(http.StatusCreated, s.store.block(self, req.UserID))
}

func (s *Server) unblockUser(c echo.Context) error {
	if err := s.store.unblock(currentUser(c), c.Param("id")); err != nil {
		return storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
