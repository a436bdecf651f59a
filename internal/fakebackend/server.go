// Package fakebackend is an in-memory stand-in for the social health backend:
// token endpoint, paginated REST resources and both push streams. Tests and
// the serve-fake command run it.
package fakebackend

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/pulseline/internal/auth"
	"github.com/pulseline/pkg/models"
)

// Options configures a Server
type Options struct {
	Secret       string
	AccessTTL    time.Duration
	PingInterval time.Duration
	Now          func() time.Time
	// LogRequests logs every request at debug level
	LogRequests bool
}

// Server is the fake backend
type Server struct {
	echo         *echo.Echo
	store        *store
	tokens       *tokenService
	hub          *hub
	pingInterval time.Duration

	faultMu sync.Mutex
	faults  map[string][]int
}

// NewServer creates a fake backend with no data
func NewServer(opts Options) *Server {
	if opts.Secret == "" {
		opts.Secret = "pulseline-fake-secret"
	}
	if opts.AccessTTL == 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	if opts.LogRequests {
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogMethod:  true,
			LogURIPath: true,
			LogStatus:  true,
			LogLatency: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				log.Debug().
					Str("method", v.Method).
					Str("path", v.URIPath).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("Fake backend request")
				return nil
			},
		}))
	}

	server := &Server{
		echo:         e,
		store:        newStore(opts.Now),
		tokens:       newTokenService(opts.Secret, opts.AccessTTL, opts.Now),
		hub:          newHub(),
		pingInterval: opts.PingInterval,
		faults:       make(map[string][]int),
	}
	e.Use(server.injectFaults)

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	s.echo.POST("/auth/token", s.issueToken)

	s.echo.GET("/messages/stream", s.streamHandler(channelMessages))
	s.echo.GET("/notifications/stream", s.streamHandler(channelNotifications))

	s.echo.GET("/posts", s.listPosts, s.optionalAuth)

	api := s.echo.Group("", s.requireAuth)

	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/:id/messages", s.listMessages)
	api.POST("/conversations/:id/messages", s.sendMessage)

	api.GET("/groups", s.listGroups)
	api.GET("/groups/:id/messages", s.listGroupMessages)
	api.POST("/groups/:id/messages", s.sendGroupMessage)

	api.POST("/posts", s.createPost)

	api.GET("/notifications", s.listNotifications)
	api.POST("/notifications/:id/read", s.markNotificationRead)

	api.GET("/users/:id", s.getUser)
	api.GET("/users/:id/diseases", s.listDiseases)
	api.GET("/users/:id/vitals", s.listVitals)

	api.GET("/blocks", s.listBlocks)
	api.POST("/blocks", s.blockUser)
	api.DELETE("/blocks/:id", s.unblockUser)
}

// ServeHTTP lets the Server back an httptest.Server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Serve accepts connections on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.echo.Listener = ln
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Open streams would hold Shutdown until its deadline
	s.hub.dropAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// Seeding and event injection

// AddUser creates an account
func (s *Server) AddUser(username, password string) (models.User, error) {
	return s.store.addUser(username, password)
}

// AddConversation opens a direct-message thread between two users
func (s *Server) AddConversation(a, b string) string {
	return s.store.addConversation(a, b)
}

// AddGroup creates a group chat
func (s *Server) AddGroup(name string, members ...string) string {
	return s.store.addGroup(name, members)
}

// AddPost stores a post without notifying anyone
func (s *Server) AddPost(authorID, content string) models.Post {
	return s.store.addPost(authorID, content, nil)
}

// AddDisease stores a condition on a profile
func (s *Server) AddDisease(d models.Disease) models.Disease {
	return s.store.addDisease(d)
}

// AddVital stores a measurement
func (s *Server) AddVital(v models.VitalRecord) models.VitalRecord {
	return s.store.addVital(v)
}

// SendMessage stores a direct message and pushes it to both members
func (s *Server) SendMessage(conversationID, senderID, content string) (models.Message, error) {
	msg, recipient, err := s.store.addMessage(conversationID, senderID, content)
	if err != nil {
		return models.Message{}, err
	}
	ev := models.MessageEvent{
		ID:             msg.ID,
		Type:           models.EventMessage,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
	s.hub.publish(recipient, channelMessages, models.EventMessage, ev)
	s.hub.publish(senderID, channelMessages, models.EventMessage, ev)
	return msg, nil
}

// SendGroupMessage stores a group message and pushes it to every member
func (s *Server) SendGroupMessage(groupID, senderID, content string) (models.GroupMessage, error) {
	msg, recipients, err := s.store.addGroupMessage(groupID, senderID, content)
	if err != nil {
		return models.GroupMessage{}, err
	}
	ev := models.MessageEvent{
		ID:        msg.ID,
		Type:      models.EventGroupMessage,
		GroupID:   msg.GroupID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	for _, id := range append(recipients, senderID) {
		s.hub.publish(id, channelMessages, models.EventGroupMessage, ev)
	}
	return msg, nil
}

// Notify stores a notification for userID and pushes it
func (s *Server) Notify(userID, kind, actorID string, payload interface{}) (models.Notification, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return models.Notification{}, err
		}
		raw = data
	}
	n := s.store.addNotification(userID, kind, actorID, raw)
	s.hub.publish(userID, channelNotifications, models.EventNotification, n)
	return n, nil
}

// PublishPost stores a post and notifies every other user
func (s *Server) PublishPost(authorID, content string, diseaseID *string) models.Post {
	post := s.store.addPost(authorID, content, diseaseID)
	for _, id := range s.store.followers(authorID) {
		if _, err := s.Notify(id, models.NotificationPost, authorID, map[string]string{"post_id": post.ID}); err != nil {
			log.Error().Err(err).Msg("Failed to notify followers")
		}
	}
	return post
}

// IssueTokens signs a token pair for userID without a password
func (s *Server) IssueTokens(userID string) (*auth.TokenPair, error) {
	return s.tokens.issue(userID)
}

// TokensIssued counts access tokens signed so far
func (s *Server) TokensIssued() int {
	return s.tokens.issuedCount()
}

// RevokeRefreshTokens invalidates every outstanding refresh token
func (s *Server) RevokeRefreshTokens() {
	s.tokens.revokeAll()
}

// RequestReconnect tells every open stream to reconnect
func (s *Server) RequestReconnect() {
	s.hub.broadcast(models.EventReconnect)
}

// DropStreams closes every open stream abruptly and reports how many there were
func (s *Server) DropStreams() int {
	return s.hub.dropAll()
}

// OpenStreams reports the number of open message and notification streams
func (s *Server) OpenStreams() (messages, notifications int) {
	return s.hub.count(channelMessages), s.hub.count(channelNotifications)
}

// FailNext makes the next request to path fail with status. Calls queue up.
func (s *Server) FailNext(path string, status int) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults[path] = append(s.faults[path], status)
}

func (s *Server) injectFaults(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Request().URL.Path
		s.faultMu.Lock()
		queued := s.faults[path]
		var status int
		if len(queued) > 0 {
			status = queued[0]
			s.faults[path] = queued[1:]
		}
		s.faultMu.Unlock()

		if status != 0 {
			return echo.NewHTTPError(status, http.StatusText(status))
		}
		return next(c)
	}
}

// Seed loads a small demo data set and returns the user ids by username.
// Every account's password is "password".
func (s *Server) Seed() (map[string]string, error) {
	ids := make(map[string]string)
	for _, name := range []string{"alice", "bob", "carol"} {
		u, err := s.AddUser(name, "password")
		if err != nil {
			return nil, err
		}
		ids[name] = u.ID
	}
	alice, bob, carol := ids["alice"], ids["bob"], ids["carol"]

	ab := s.AddConversation(alice, bob)
	ac := s.AddConversation(alice, carol)
	if _, err := s.SendMessage(ab, bob, "Morning! How was the run?"); err != nil {
		return nil, err
	}
	if _, err := s.SendMessage(ac, alice, "Thanks for the recipe"); err != nil {
		return nil, err
	}

	g := s.AddGroup("Type 1 support", alice, bob, carol)
	if _, err := s.SendGroupMessage(g, carol, "Weekly check-in thread"); err != nil {
		return nil, err
	}

	s.AddPost(bob, "Week three of the new insulin schedule")
	s.AddPost(carol, "Blood pressure finally under control")

	s.AddDisease(models.Disease{UserID: alice, Name: "Type 1 diabetes", IsPublic: true})
	s.AddVital(models.VitalRecord{UserID: alice, Type: models.VitalBloodSugar, Value: 104, Unit: "mg/dL"})
	s.AddVital(models.VitalRecord{UserID: alice, Type: models.VitalHeartRate, Value: 62, Unit: "bpm"})

	return ids, nil
}
