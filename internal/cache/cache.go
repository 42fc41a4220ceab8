// Package cache holds chats, their recent messages and the user membership index in memory.
// After startup hydration it is the only read path; writers mirror a record into the cache
// right after the database accepted it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"chat-relay/internal/storage"

	"go.uber.org/zap"
)

// HydrationWindow is the number of most recent messages loaded per chat at startup
const HydrationWindow = 100

// Source provides the durable records used to hydrate the cache
type Source interface {
	Chats(ctx context.Context) ([]storage.Chat, error)
	ChatParticipants(ctx context.Context, chat int64) ([]storage.ChatParticipant, error)
	// RecentMessages returns at most limit messages, newest first
	RecentMessages(ctx context.Context, chat int64, limit int) ([]storage.Message, error)
}

// Option alters the default Cache configuration
type Option interface {
	apply(*Cache)
}

type optionFunc func(c *Cache)

func (f optionFunc) apply(c *Cache) { f(c) }

// WithMaxMessages keeps at most n messages per chat, dropping the oldest on append.
// Zero means no limit.
func WithMaxMessages(n int) Option {
	return optionFunc(func(c *Cache) {
		c.maxMessages = n
	})
}

// membershipIndex indexes participation both ways; both maps change under one lock
type membershipIndex struct {
	byUser map[int64][]int64
	byChat map[int64]map[int64]struct{}
}

// Cache is safe for concurrent use. Chats, messages and memberships each have their own lock, so they may be
// briefly inconsistent with each other (a chat can be visible before its participants are).
type Cache struct {
	logger      *zap.SugaredLogger
	chats       *shard[map[int64]storage.Chat]
	messages    *shard[map[int64][]storage.Message]
	memberships *shard[*membershipIndex]
	maxMessages int
}

func New(logger *zap.SugaredLogger, opts ...Option) *Cache {
	c := &Cache{
		logger:      logger,
		chats:       newShard("chats", make(map[int64]storage.Chat)),
		messages:    newShard("messages", make(map[int64][]storage.Message)),
		memberships: newShard("memberships", &membershipIndex{
			byUser: make(map[int64][]int64),
			byChat: make(map[int64]map[int64]struct{}),
		}),
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

// LoadFromDB loads every chat with its participants and its HydrationWindow latest messages
func (c *Cache) LoadFromDB(ctx context.Context, src Source) error {
	chats, err := src.Chats(ctx)
	if err != nil {
		return fmt.Errorf("loading chats: %w", err)
	}

	var total int
	for _, chat := range chats {
		if err := c.AddChat(chat); err != nil {
			return err
		}

		participants, err := src.ChatParticipants(ctx, chat.ID)
		if err != nil {
			return fmt.Errorf("loading participants of chat %d: %w", chat.ID, err)
		}
		for _, p := range participants {
			if err := c.AddChatParticipant(p); err != nil {
				return err
			}
		}

		recent, err := src.RecentMessages(ctx, chat.ID, HydrationWindow)
		if err != nil {
			return fmt.Errorf("loading messages of chat %d: %w", chat.ID, err)
		}
		if len(recent) > HydrationWindow {
			recent = recent[:HydrationWindow]
		}
		window := slices.Clone(recent)
		slices.Reverse(window)

		err = c.messages.write(func(m map[int64][]storage.Message) {
			m[chat.ID] = window
		})
		if err != nil {
			return err
		}
		total += len(window)
	}

	c.logger.Infof("Cache hydrated with %d chats and %d messages", len(chats), total)

	return nil
}

// AddChat stores or replaces chat
func (c *Cache) AddChat(chat storage.Chat) error {
	return c.chats.write(func(m map[int64]storage.Chat) {
		m[chat.ID] = chat
	})
}

// AddChatParticipant indexes the chat under the participant's user id and the user under the chat
func (c *Cache) AddChatParticipant(p storage.ChatParticipant) error {
	return c.memberships.write(func(m *membershipIndex) {
		users, ok := m.byChat[p.ChatID]
		if !ok {
			users = make(map[int64]struct{})
			m.byChat[p.ChatID] = users
		}
		if _, ok := users[p.UserID]; ok {
			return
		}
		users[p.UserID] = struct{}{}
		m.byUser[p.UserID] = append(m.byUser[p.UserID], p.ChatID)
	})
}

// AddMessage appends msg to its chat. Callers add messages in creation order.
func (c *Cache) AddMessage(msg storage.Message) error {
	return c.messages.write(func(m map[int64][]storage.Message) {
		list := append(m[msg.ChatID], msg)
		if c.maxMessages > 0 && len(list) > c.maxMessages {
			list = append(list[:0], list[len(list)-c.maxMessages:]...)
		}
		m[msg.ChatID] = list
	})
}

// GetChat returns the chat and whether it is cached
func (c *Cache) GetChat(id int64) (storage.Chat, bool, error) {
	var chat storage.Chat
	var ok bool
	err := c.chats.read(func(m map[int64]storage.Chat) {
		chat, ok = m[id]
	})
	return chat, ok, err
}

// GetUserChats returns ids of chats the user participates in
func (c *Cache) GetUserChats(user int64) ([]int64, error) {
	var ids []int64
	err := c.memberships.read(func(m *membershipIndex) {
		ids = slices.Clone(m.byUser[user])
	})
	return ids, err
}

// GetMessages returns the 1-based page of a chat's cached messages, oldest first.
// Pages past the end, page 0 and perPage 0 yield no messages.
func (c *Cache) GetMessages(chat int64, page, perPage uint32) ([]storage.Message, error) {
	if page == 0 || perPage == 0 {
		return nil, nil
	}

	var out []storage.Message
	err := c.messages.read(func(m map[int64][]storage.Message) {
		list := m[chat]
		start := uint64(page-1) * uint64(perPage)
		if start >= uint64(len(list)) {
			return
		}
		end := start + uint64(perPage)
		if end > uint64(len(list)) {
			end = uint64(len(list))
		}
		out = slices.Clone(list[start:end])
	})
	return out, err
}

// GetMessageCount returns the number of cached messages of a chat
func (c *Cache) GetMessageCount(chat int64) (int, error) {
	var n int
	err := c.messages.read(func(m map[int64][]storage.Message) {
		n = len(m[chat])
	})
	return n, err
}

// LastMessageTime returns the creation time of the newest cached message of a chat
func (c *Cache) LastMessageTime(chat int64) (time.Time, bool, error) {
	var last time.Time
	var ok bool
	err := c.messages.read(func(m map[int64][]storage.Message) {
		if list := m[chat]; len(list) > 0 {
			last, ok = list[len(list)-1].CreatedAt, true
		}
	})
	return last, ok, err
}

// ChatParticipants returns ids of users participating in chat, sorted ascending
func (c *Cache) ChatParticipants(chat int64) ([]int64, error) {
	var users []int64
	err := c.memberships.read(func(m *membershipIndex) {
		users = make([]int64, 0, len(m.byChat[chat]))
		for user := range m.byChat[chat] {
			users = append(users, user)
		}
	})
	slices.Sort(users)
	return users, err
}

// Clear empties all maps; a poisoned shard stays poisoned
func (c *Cache) Clear() error {
	return errors.Join(
		c.chats.write(func(m map[int64]storage.Chat) { clear(m) }),
		c.messages.write(func(m map[int64][]storage.Message) { clear(m) }),
		c.memberships.write(func(m *membershipIndex) {
			clear(m.byUser)
			clear(m.byChat)
		}),
	)
}
