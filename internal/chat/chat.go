// Package chat owns the ordered conversation list and the active
// conversation's message window, reconciling inbound events and
// outbound commands into one consistent view.
package chat

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"

	"boltalka/internal/content"
	"boltalka/internal/models"
)

const (
	// Jump targets are addressed by the millisecond-precision prefix of
	// a message timestamp: "2006-01-02T15:04:05.000" is 23 characters.
	timestampKeyLen = 23

	searchCacheTTL = 5 * time.Minute
)

// API is the slice of the request client the reconciler needs.
type API interface {
	ListConversations(ctx context.Context) ([]models.ConversationSummary, error)
	GetHistory(ctx context.Context, conversationID string) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	InitiateConversation(ctx context.Context, participants []string, isGroup bool, groupName string) (string, error)
	ListFriends(ctx context.Context) ([]string, error)
	ListFriendsWithoutConversation(ctx context.Context) ([]string, error)
	SemanticSearch(ctx context.Context, query, conversationID string) ([]models.SearchResult, error)
}

// Sender is the outbound half of the transport.
type Sender interface {
	Send(v any) error
}

type Service struct {
	api      API
	sender   Sender
	username string
	log      *slog.Logger
	ctx      context.Context

	mu            sync.Mutex
	conversations []models.ConversationSummary
	activeID      string
	window        []models.Message
	// msgIndex maps a millisecond timestamp prefix to a window position,
	// rebuilt whenever the window is replaced.
	msgIndex   geche.Geche[string, int]
	refetching bool
	deck       string

	searchCache geche.Geche[string, []models.SearchResult]

	observers []func()
}

// NewService builds the reconciler for the given local user. ctx bounds
// background work (list refetches, auto mark-read, cache cleanup) and
// should be the session's lifetime.
func NewService(ctx context.Context, api API, sender Sender, username string, log *slog.Logger) *Service {
	return &Service{
		api:         api,
		sender:      sender,
		username:    username,
		log:         log,
		ctx:         ctx,
		msgIndex:    geche.NewMapCache[string, int](),
		searchCache: geche.NewMapTTLCache[string, []models.SearchResult](ctx, searchCacheTTL, time.Minute),
	}
}

// OnChange registers an observer invoked after every applied state
// transition, never in the middle of one.
func (s *Service) OnChange(fn func()) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *Service) notify() {
	s.mu.Lock()
	observers := make([]func(), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}

// Username returns the local user the reconciler tags messages against.
func (s *Service) Username() string {
	return s.username
}

// Conversations returns a copy of the summary list, most recently
// touched conversation first.
func (s *Service) Conversations() []models.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ConversationSummary, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// ActiveConversationID returns the id of the conversation whose window
// is materialized, empty when none is selected.
func (s *Service) ActiveConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Messages returns a copy of the active conversation's window, oldest
// first.
func (s *Service) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.window))
	copy(out, s.window)
	return out
}

// SetDeck records the currently selected flashcard deck; it rides along
// outbound messages as tool context.
func (s *Service) SetDeck(name string) {
	s.mu.Lock()
	s.deck = name
	s.mu.Unlock()
}

func (s *Service) Deck() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deck
}

// RefreshConversations replaces the summary list from the server,
// keeping it ordered by last activity.
func (s *Service) RefreshConversations(ctx context.Context) error {
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.setConversations(list)
	s.mu.Unlock()
	s.notify()
	return nil
}

// setConversations must be called with s.mu held. Names come from
// other users, so they are neutralized before anything displays them.
func (s *Service) setConversations(list []models.ConversationSummary) {
	for i := range list {
		list[i].Name = content.Sanitize(list[i].Name)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return lastTouched(list[i]) > lastTouched(list[j])
	})
	s.conversations = list
}

func lastTouched(c models.ConversationSummary) string {
	if c.LastMessageAt != "" {
		return c.LastMessageAt
	}
	return c.CreatedAt
}

// HandleEvent is the router subscriber for chat message broadcasts.
func (s *Service) HandleEvent(env models.Envelope) {
	if env.Type != models.EventChatMessage {
		return
	}
	var event models.ChatMessageEvent
	if err := env.Decode(&event); err != nil {
		s.log.Warn("malformed chat message event", "error", err)
		return
	}
	s.applyInbound(event)
}

func (s *Service) applyInbound(event models.ChatMessageEvent) {
	s.mu.Lock()

	idx := s.findConversation(event.ConversationID)
	if idx >= 0 {
		conv := s.conversations[idx]
		conv.LastMessagePreview = content.Preview(event.Content)
		conv.LastMessageAt = event.Timestamp
		if event.ConversationID != s.activeID && event.From != s.username {
			conv.UnreadCount++
		}
		// Move the touched conversation to the front.
		s.conversations = append(
			[]models.ConversationSummary{conv},
			append(s.conversations[:idx:idx], s.conversations[idx+1:]...)...,
		)
	} else if !s.refetching {
		// First message of a conversation created by a peer: pull the
		// whole list once. Further events before completion coalesce.
		s.refetching = true
		go s.refetchConversations()
	}

	isActive := event.ConversationID == s.activeID
	if isActive {
		msg := models.Message{
			Sender:    content.Sanitize(event.From),
			Content:   event.Content,
			Timestamp: event.Timestamp,
			IsMine:    event.From == s.username,
		}
		s.window = append(s.window, msg)
		s.msgIndex.Set(timestampKey(event.Timestamp), len(s.window)-1)

		if event.From != s.username {
			// Seen immediately, so tell the server right away.
			go s.markReadQuiet(event.ConversationID)
		}
	}

	s.mu.Unlock()
	s.notify()
}

func (s *Service) refetchConversations() {
	list, err := s.api.ListConversations(s.ctx)

	s.mu.Lock()
	s.refetching = false
	if err == nil {
		s.setConversations(list)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("conversation list refetch failed", "error", err)
		return
	}
	s.notify()
}

func (s *Service) markReadQuiet(conversationID string) {
	if err := s.api.MarkRead(s.ctx, conversationID); err != nil {
		s.log.Error("failed to mark conversation read", "conversation_id", conversationID, "error", err)
	}
}

// findConversation must be called with s.mu held.
func (s *Service) findConversation(id string) int {
	for i, c := range s.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Select makes conversationID the active conversation: marks it read,
// zeroes its unread count, replaces the message window with its history
// oldest-first. A no-op when it is active already.
func (s *Service) Select(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.activeID == conversationID {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Mark-read failures do not block selection; the unread count is
	// zeroed optimistically either way.
	if err := s.api.MarkRead(ctx, conversationID); err != nil {
		s.log.Error("failed to mark conversation read", "conversation_id", conversationID, "error", err)
	}

	s.mu.Lock()
	if idx := s.findConversation(conversationID); idx >= 0 {
		s.conversations[idx].UnreadCount = 0
	}
	s.activeID = conversationID
	s.window = nil
	s.msgIndex = geche.NewMapCache[string, int]()
	s.mu.Unlock()
	s.notify()

	return s.loadHistory(ctx, conversationID)
}

// loadHistory fetches the history of conversationID and installs it as
// the window, unless the active conversation changed while the request
// was in flight; a stale response is discarded.
func (s *Service) loadHistory(ctx context.Context, conversationID string) error {
	history, err := s.api.GetHistory(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.activeID != conversationID {
		s.mu.Unlock()
		s.log.Info("discarding stale history response", "conversation_id", conversationID)
		return nil
	}

	index := geche.NewMapCache[string, int]()
	for i := range history {
		history[i].IsMine = history[i].Sender == s.username
		history[i].Sender = content.Sanitize(history[i].Sender)
		index.Set(timestampKey(history[i].Timestamp), i)
	}
	s.window = history
	s.msgIndex = index
	s.mu.Unlock()
	s.notify()
	return nil
}

// Send transmits one chat message for the active conversation. The
// message is not appended locally; it becomes visible only when the
// server echoes it back, so every participant sees one authoritative
// order.
func (s *Service) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ErrEmptyMessage
	}

	s.mu.Lock()
	activeID := s.activeID
	deck := s.deck
	s.mu.Unlock()

	if activeID == "" {
		return models.ErrNoActiveChat
	}

	return s.sender.Send(models.ChatMessageSend{
		Type:           models.EventChatMessage,
		ID:             uuid.NewString(),
		ConversationID: activeID,
		Content:        text,
		DeckName:       deck,
	})
}

// MarkRead acknowledges conversationID on the server and zeroes its
// local unread count.
func (s *Service) MarkRead(ctx context.Context, conversationID string) error {
	if err := s.api.MarkRead(ctx, conversationID); err != nil {
		return err
	}

	s.mu.Lock()
	if idx := s.findConversation(conversationID); idx >= 0 {
		s.conversations[idx].UnreadCount = 0
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// CreateGroup starts a group conversation with the given members plus
// the local user, activates it and loads its (empty) history.
func (s *Service) CreateGroup(ctx context.Context, name string, members []string) error {
	for _, m := range members {
		if err := content.ValidateUsername(m); err != nil {
			return err
		}
	}

	participants := append(append([]string{}, members...), s.username)
	return s.initiate(ctx, participants, true, name)
}

// StartDM starts a direct conversation with one friend.
func (s *Service) StartDM(ctx context.Context, friend string) error {
	if err := content.ValidateUsername(friend); err != nil {
		return err
	}
	return s.initiate(ctx, []string{s.username, friend}, false, "")
}

func (s *Service) initiate(ctx context.Context, participants []string, isGroup bool, groupName string) error {
	conversationID, err := s.api.InitiateConversation(ctx, participants, isGroup, groupName)
	if err != nil {
		return err
	}

	if err := s.RefreshConversations(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.activeID = conversationID
	s.window = nil
	s.msgIndex = geche.NewMapCache[string, int]()
	s.mu.Unlock()
	s.notify()

	return s.loadHistory(ctx, conversationID)
}

// JumpToMessage resolves a timestamp to a position in the loaded
// window. It never fetches more history: a target outside the window is
// models.ErrNotFound.
func (s *Service) JumpToMessage(timestamp string) (models.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.msgIndex.Get(timestampKey(timestamp))
	if err != nil || idx < 0 || idx >= len(s.window) {
		return models.Message{}, 0, models.ErrNotFound
	}
	return s.window[idx], idx, nil
}

// FriendsForNewChat lists friends without an existing direct
// conversation, the candidates for StartDM.
func (s *Service) FriendsForNewChat(ctx context.Context) ([]string, error) {
	return s.api.ListFriendsWithoutConversation(ctx)
}

// FriendsForGroup lists all friends, the candidate members for
// CreateGroup.
func (s *Service) FriendsForGroup(ctx context.Context) ([]string, error) {
	return s.api.ListFriends(ctx)
}

// Search runs a semantic search over the active conversation. Results
// are cached briefly per query so repeated lookups while the dialog is
// open do not hammer the endpoint.
func (s *Service) Search(ctx context.Context, query string) ([]models.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, models.ErrEmptyMessage
	}

	s.mu.Lock()
	activeID := s.activeID
	s.mu.Unlock()
	if activeID == "" {
		return nil, models.ErrNoActiveChat
	}

	cacheKey := activeID + "\x00" + query
	if cached, err := s.searchCache.Get(cacheKey); err == nil {
		return cached, nil
	}

	results, err := s.api.SemanticSearch(ctx, query, activeID)
	if err != nil {
		return nil, err
	}
	s.searchCache.Set(cacheKey, results)
	return results, nil
}

func timestampKey(timestamp string) string {
	if len(timestamp) > timestampKeyLen {
		return timestamp[:timestampKeyLen]
	}
	return timestamp
}
