package fakebackend

import (
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pulseline/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username already taken")
	ErrNotMember     = errors.New("not a member")
)

type account struct {
	user         models.User
	passwordHash []byte
}

type conversation struct {
	id        string
	members   [2]string
	messages  []models.Message
	unread    map[string]int
	updatedAt time.Time
}

type group struct {
	id        string
	name      string
	members   []string
	messages  []models.GroupMessage
	unread    map[string]int
	updatedAt time.Time
}

// store holds every resource in memory. Lists are kept oldest first and
// reversed on the way out.
type store struct {
	mu            sync.Mutex
	now           func() time.Time
	accounts      map[string]*account
	usernames     map[string]string
	conversations map[string]*conversation
	groups        map[string]*group
	posts         []models.Post
	notifications map[string][]models.Notification
	diseases      map[string][]models.Disease
	vitals        map[string][]models.VitalRecord
	blocks        map[string][]models.Block
}

func newStore(now func() time.Time) *store {
	return &store{
		now:           now,
		accounts:      make(map[string]*account),
		usernames:     make(map[string]string),
		conversations: make(map[string]*conversation),
		groups:        make(map[string]*group),
		notifications: make(map[string][]models.Notification),
		diseases:      make(map[string][]models.Disease),
		vitals:        make(map[string][]models.VitalRecord),
		blocks:        make(map[string][]models.Block),
	}
}

func newestFirst[T any](items []T) []T {
	out := slices.Clone(items)
	slices.Reverse(out)
	return out
}

func paginate[T any](items []T, skip, limit int) []T {
	if skip >= len(items) {
		return []T{}
	}
	end := skip + limit
	if end > len(items) {
		end = len(items)
	}
	return items[skip:end]
}

func (s *store) addUser(username, password string) (models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return models.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usernames[username]; ok {
		return models.User{}, ErrUsernameTaken
	}
	u := models.User{
		ID:          uuid.NewString(),
		Username:    username,
		DisplayName: username,
		CreatedAt:   s.now(),
	}
	s.accounts[u.ID] = &account{user: u, passwordHash: hash}
	s.usernames[username] = u.ID
	return u, nil
}

// authenticate returns the user id when the password matches
func (s *store) authenticate(username, password string) (string, bool) {
	s.mu.Lock()
	id, ok := s.usernames[username]
	var hash []byte
	if ok {
		hash = s.accounts[id].passwordHash
	}
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", false
	}
	return id, true
}

func (s *store) user(id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return a.user, nil
}

func (s *store) exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[id]
	return ok
}

// Conversations

func (s *store) addConversation(a, b string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &conversation{
		id:        uuid.NewString(),
		members:   [2]string{a, b},
		unread:    make(map[string]int),
		updatedAt: s.now(),
	}
	s.conversations[c.id] = c
	return c.id
}

func (c *conversation) other(userID string) (string, bool) {
	switch userID {
	case c.members[0]:
		return c.members[1], true
	case c.members[1]:
		return c.members[0], true
	}
	return "", false
}

func (c *conversation) view(userID string) models.Conversation {
	other, _ := c.other(userID)
	conv := models.Conversation{
		ID:            c.id,
		ParticipantID: other,
		UnreadCount:   c.unread[userID],
		UpdatedAt:     c.updatedAt,
	}
	if n := len(c.messages); n > 0 {
		last := c.messages[n-1]
		conv.LastMessage = &last
	}
	return conv
}

func (s *store) conversationsFor(userID string) []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if _, ok := c.other(userID); ok {
			out = append(out, c.view(userID))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func (s *store) conversationByID(id, userID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if _, ok := c.other(userID); !ok {
		return nil, ErrNotMember
	}
	c.unread[userID] = 0
	return newestFirst(c.messages), nil
}

// addMessage stores a direct message and returns the recipient
func (s *store) addMessage(conversationID, senderID, content string) (models.Message, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return models.Message{}, "", ErrNotFound
	}
	recipient, ok := c.other(senderID)
	if !ok {
		return models.Message{}, "", ErrNotMember
	}
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      s.now(),
	}
	c.messages = append(c.messages, msg)
	c.unread[recipient]++
	c.updatedAt = msg.CreatedAt
	return msg, recipient, nil
}

// Groups

func (s *store) addGroup(name string, members []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &group{
		id:        uuid.NewString(),
		name:      name,
		members:   slices.Clone(members),
		unread:    make(map[string]int),
		updatedAt: s.now(),
	}
	s.groups[g.id] = g
	return g.id
}

func (g *group) view(userID string) models.Group {
	out := models.Group{
		ID:          g.id,
		Name:        g.name,
		MemberIDs:   slices.Clone(g.members),
		UnreadCount: g.unread[userID],
		UpdatedAt:   g.updatedAt,
	}
	if n := len(g.messages); n > 0 {
		last := g.messages[n-1]
		out.LastMessage = &last
	}
	return out
}

func (s *store) groupsFor(userID string) []models.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Group
	for _, g := range s.groups {
		if slices.Contains(g.members, userID) {
			out = append(out, g.view(userID))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func (s *store) groupMessages(id, userID string) ([]models.GroupMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(g.members, userID) {
		return nil, ErrNotMember
	}
	g.unread[userID] = 0
	return newestFirst(g.messages), nil
}

// addGroupMessage stores a group message and returns the other members
func (s *store) addGroupMessage(groupID, senderID, content string) (models.GroupMessage, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return models.GroupMessage{}, nil, ErrNotFound
	}
	if !slices.Contains(g.members, senderID) {
		return models.GroupMessage{}, nil, ErrNotMember
	}
	msg := models.GroupMessage{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: s.now(),
	}
	g.messages = append(g.messages, msg)
	g.updatedAt = msg.CreatedAt
	var recipients []string
	for _, m := range g.members {
		if m != senderID {
			g.unread[m]++
			recipients = append(recipients, m)
		}
	}
	return msg, recipients, nil
}

// Posts

func (s *store) addPost(authorID, content string, diseaseID *string) models.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := models.Post{
		ID:        uuid.NewString(),
		AuthorID:  authorID,
		Content:   content,
		DiseaseID: diseaseID,
		CreatedAt: s.now(),
	}
	s.posts = append(s.posts, p)
	return p
}

// feed returns posts newest first without those of users blocked by viewer
func (s *store) feed(viewerID string) []models.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	hidden := make(map[string]bool)
	for _, b := range s.blocks[viewerID] {
		hidden[b.BlockedID] = true
	}
	out := make([]models.Post, 0, len(s.posts))
	for i := len(s.posts) - 1; i >= 0; i-- {
		if !hidden[s.posts[i].AuthorID] {
			out = append(out, s.posts[i])
		}
	}
	return out
}

// followers returns everyone but the author, which is who the fake notifies of new posts
func (s *store) followers(authorID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.accounts {
		if id != authorID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Notifications

func (s *store) addNotification(userID, kind, actorID string, payload json.RawMessage) models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := models.Notification{
		ID:        uuid.NewString(),
		Type:      kind,
		ActorID:   actorID,
		Payload:   payload,
		CreatedAt: s.now(),
	}
	s.notifications[userID] = append(s.notifications[userID], n)
	return n
}

func (s *store) notificationsFor(userID string) []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.notifications[userID])
}

func (s *store) markRead(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.notifications[userID]
	for i := range list {
		if list[i].ID == id {
			list[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

// Health data

func (s *store) addDisease(d models.Disease) models.Disease {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	s.diseases[d.UserID] = append(s.diseases[d.UserID], d)
	return d
}

// diseasesFor hides private conditions from everyone but their owner
func (s *store) diseasesFor(userID, viewerID string) []models.Disease {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Disease
	for _, d := range s.diseases[userID] {
		if d.IsPublic || userID == viewerID {
			out = append(out, d)
		}
	}
	return out
}

func (s *store) addVital(v models.VitalRecord) models.VitalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.RecordedAt.IsZero() {
		v.RecordedAt = s.now()
	}
	s.vitals[v.UserID] = append(s.vitals[v.UserID], v)
	return v
}

func (s *store) vitalsFor(userID string, kind models.VitalType) []models.VitalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.VitalRecord
	for i := len(s.vitals[userID]) - 1; i >= 0; i-- {
		v := s.vitals[userID][i]
		if kind == "" || v.Type == kind {
			out = append(out, v)
		}
	}
	return out
}

// Blocks

func (s *store) block(blockerID, blockedID string) models.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.blocks[blockerID] {
		if b.BlockedID == blockedID {
			return b
		}
	}
	b := models.Block{
		ID:        uuid.NewString(),
		BlockerID: blockerID,
		BlockedID: blockedID,
		CreatedAt: s.now(),
	}
	s.blocks[blockerID] = append(s.blocks[blockerID], b)
	return b
}

func (s *store) unblock(blockerID, blockedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.blocks[blockerID]
	for i, b := range list {
		if b.BlockedID == blockedID {
			s.blocks[blockerID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *store) blocksFor(userID string) []models.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.blocks[userID])
}
