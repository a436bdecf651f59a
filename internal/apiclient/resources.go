package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pulseline/pkg/models"
)

// Page is one batch of a paginated listing. Total is nil when the endpoint does not report it.
type Page[T any] struct {
	Items []T
	Total *int
}

// UnmarshalJSON accepts both a bare array and an {"items": [...], "total": n} envelope
func (p *Page[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		p.Items = items
		p.Total = nil
		return nil
	}

	var envelope struct {
		Items []T  `json:"items"`
		Total *int `json:"total"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	p.Items = envelope.Items
	p.Total = envelope.Total
	return nil
}

func getPage[T any](ctx context.Context, c *Client, token, path string, query url.Values) (Page[T], error) {
	var page Page[T]
	if err := c.makeRequest(ctx, token, http.MethodGet, path, query, nil, &page); err != nil {
		return Page[T]{}, err
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	return page, nil
}

// Conversations

// ListConversations returns the signed-in user's direct-message threads, most recent first
func (c *Client) ListConversations(ctx context.Context, token string, skip, limit int) (Page[models.Conversation], error) {
	return getPage[models.Conversation](ctx, c, token, "/conversations", pageQuery(skip, limit))
}

// ListMessages returns messages of a conversation, newest first
func (c *Client) ListMessages(ctx context.Context, token, conversationID string, skip, limit int) (Page[models.Message], error) {
	path := fmt.Sprintf("/conversations/%s/messages", url.PathEscape(conversationID))
	return getPage[models.Message](ctx, c, token, path, pageQuery(skip, limit))
}

// SendMessage posts a direct message
func (c *Client) SendMessage(ctx context.Context, token, conversationID, content string) (*models.Message, error) {
	var msg models.Message
	path := fmt.Sprintf("/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.makeRequest(ctx, token, http.MethodPost, path, nil, map[string]string{"content": content}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Groups

// ListGroups returns group chats the user belongs to
func (c *Client) ListGroups(ctx context.Context, token string, skip, limit int) (Page[models.Group], error) {
	return getPage[models.Group](ctx, c, token, "/groups", pageQuery(skip, limit))
}

// ListGroupMessages returns messages of a group chat, newest first
func (c *Client) ListGroupMessages(ctx context.Context, token, groupID string, skip, limit int) (Page[models.GroupMessage], error) {
	path := fmt.Sprintf("/groups/%s/messages", url.PathEscape(groupID))
	return getPage[models.GroupMessage](ctx, c, token, path, pageQuery(skip, limit))
}

// SendGroupMessage posts a message to a group chat
func (c *Client) SendGroupMessage(ctx context.Context, token, groupID, content string) (*models.GroupMessage, error) {
	var msg models.GroupMessage
	path := fmt.Sprintf("/groups/%s/messages", url.PathEscape(groupID))
	if err := c.makeRequest(ctx, token, http.MethodPost, path, nil, map[string]string{"content": content}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Feed

// ListPosts returns the feed. Anonymous callers (empty token) get the public feed.
func (c *Client) ListPosts(ctx context.Context, token string, skip, limit int) (Page[models.Post], error) {
	return getPage[models.Post](ctx, c, token, "/posts", pageQuery(skip, limit))
}

// CreatePost publishes a post, optionally linked to one of the author's diseases
func (c *Client) CreatePost(ctx context.Context, token, content string, diseaseID *string) (*models.Post, error) {
	body := map[string]interface{}{"content": content}
	if diseaseID != nil {
		body["disease_id"] = *diseaseID
	}
	var post models.Post
	if err := c.makeRequest(ctx, token, http.MethodPost, "/posts", nil, body, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

// Notifications

// ListNotifications returns notifications, newest first
func (c *Client) ListNotifications(ctx context.Context, token string, skip, limit int) (Page[models.Notification], error) {
	return getPage[models.Notification](ctx, c, token, "/notifications", pageQuery(skip, limit))
}

// MarkNotificationRead flags one notification as read
func (c *Client) MarkNotificationRead(ctx context.Context, token, notificationID string) error {
	path := fmt.Sprintf("/notifications/%s/read", url.PathEscape(notificationID))
	return c.makeRequest(ctx, token, http.MethodPost, path, nil, nil, nil)
}

// Profiles and health data

// GetUser returns a profile
func (c *Client) GetUser(ctx context.Context, token, userID string) (*models.User, error) {
	var user models.User
	path := fmt.Sprintf("/users/%s", url.PathEscape(userID))
	if err := c.makeRequest(ctx, token, http.MethodGet, path, nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListDiseases returns the conditions on a user's profile
func (c *Client) ListDiseases(ctx context.Context, token, userID string, skip, limit int) (Page[models.Disease], error) {
	path := fmt.Sprintf("/users/%s/diseases", url.PathEscape(userID))
	return getPage[models.Disease](ctx, c, token, path, pageQuery(skip, limit))
}

// ListVitals returns a user's vital records, optionally filtered by type, newest first
func (c *Client) ListVitals(ctx context.Context, token, userID string, vitalType models.VitalType, skip, limit int) (Page[models.VitalRecord], error) {
	path := fmt.Sprintf("/users/%s/vitals", url.PathEscape(userID))
	query := pageQuery(skip, limit)
	if vitalType != "" {
		query.Set("type", string(vitalType))
	}
	return getPage[models.VitalRecord](ctx, c, token, path, query)
}

// Blocking

// ListBlocks returns users the signed-in user has blocked
func (c *Client) ListBlocks(ctx context.Context, token string, skip, limit int) (Page[models.Block], error) {
	return getPage[models.Block](ctx, c, token, "/blocks", pageQuery(skip, limit))
}

// BlockUser hides userID from the signed-in user
func (c *Client) BlockUser(ctx context.Context, token, userID string) (*models.Block, error) {
	var block models.Block
	if err := c.makeRequest(ctx, token, http.MethodPost, "/blocks", nil, map[string]string{"user_id": userID}, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// UnblockUser removes a block
func (c *Client) UnblockUser(ctx context.Context, token, userID string) error {
	path := fmt.Sprintf("/blocks/%s", url.PathEscape(userID))
	return c.makeRequest(ctx, token, http.MethodDelete, path, nil, nil, nil)
}
