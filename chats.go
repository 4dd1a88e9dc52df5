package courier

import (
	"errors"
	"fmt"
	"time"

	"github.com/gwillem/signal-courier/internal/store"
)

// Chats returns all chats, oldest first.
func (c *Client) Chats() ([]*Chat, error) {
	if c.store == nil {
		return nil, ErrNotOpen
	}
	return c.store.Chats(), nil
}

// Chat returns the chat with id, or nil.
func (c *Client) Chat(id string) *Chat {
	if c.store == nil {
		return nil
	}
	return c.store.Chat(id)
}

// ChatFor returns the one-to-one chat with recipient, or nil.
func (c *Client) ChatFor(recipient string) *Chat {
	if c.store == nil {
		return nil
	}
	return c.store.ChatForRecipient(recipient)
}

// Messages returns the messages of a chat in timestamp order.
func (c *Client) Messages(chatID string) ([]*Message, error) {
	if c.store == nil {
		return nil, ErrNotOpen
	}
	return c.store.Messages(chatID)
}

// LastMessage returns the newest message of a chat, or nil.
func (c *Client) LastMessage(chatID string) (*Message, error) {
	if c.store == nil {
		return nil, ErrNotOpen
	}
	return c.store.LastMessage(chatID)
}

// HasUnreadMessages reports whether a chat has unread incoming messages.
func (c *Client) HasUnreadMessages(chatID string) (bool, error) {
	if c.store == nil {
		return false, ErrNotOpen
	}
	return c.store.HasUnreadMessages(chatID)
}

func (c *Client) MarkAllAsRead(chatID string) error {
	if c.store == nil {
		return ErrNotOpen
	}
	return c.store.MarkAllAsRead(chatID)
}

func (c *Client) DeleteMessage(id string) error {
	if c.store == nil {
		return ErrNotOpen
	}
	return c.store.DeleteMessage(id)
}

// Archive hides a chat by recording when it was archived.
func (c *Client) Archive(chatID string) error {
	now := time.Now()
	return c.updateChat(chatID, func(ch *Chat) { ch.LastArchivalDate = &now })
}

func (c *Client) Unarchive(chatID string) error {
	return c.updateChat(chatID, func(ch *Chat) { ch.LastArchivalDate = nil })
}

func (c *Client) Mute(chatID string, muted bool) error {
	return c.updateChat(chatID, func(ch *Chat) { ch.IsMuted = muted })
}

// SetDraft stores unsent text for a chat. An empty draft clears it.
func (c *Client) SetDraft(chatID, draft string) error {
	return c.updateChat(chatID, func(ch *Chat) { ch.CurrentDraft = draft })
}

func (c *Client) updateChat(chatID string, fn func(*Chat)) error {
	if c.store == nil {
		return ErrNotOpen
	}
	_, err := c.store.UpdateChat(chatID, func(ch *Chat) error {
		fn(ch)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("client: unknown chat %s", chatID)
	}
	return err
}
