package main

import (
	"fmt"
	"strings"
	"time"
)

type chatsCommand struct {
	Archived bool `long:"archived" description:"Include archived chats"`
}

func (cmd *chatsCommand) Execute(args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	chats, err := c.Chats()
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}

	shown := 0
	for _, ch := range chats {
		if ch.LastArchivalDate != nil && !cmd.Archived {
			continue
		}
		shown++
		var tags []string
		if ch.IsGroup() {
			tags = append(tags, "group")
		}
		if unread, _ := c.HasUnreadMessages(ch.UniqueID); unread {
			tags = append(tags, "unread")
		}
		if ch.IsMuted {
			tags = append(tags, "muted")
		}
		if ch.LastArchivalDate != nil {
			tags = append(tags, "archived")
		}

		name := ch.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %s", name)
		if len(tags) > 0 {
			fmt.Printf(" [%s]", strings.Join(tags, ", "))
		}
		fmt.Println()
		fmt.Printf("    ID:      %s\n", ch.UniqueID)
		if ch.IsGroup() {
			fmt.Printf("    Members: %s\n", strings.Join(ch.RecipientIdentifiers, ", "))
		}
		if last, err := c.LastMessage(ch.UniqueID); err == nil && last != nil {
			ts := time.UnixMilli(int64(last.Timestamp)).Format("2006-01-02 15:04")
			fmt.Printf("    Last:    %s %s\n", ts, last.Body)
		}
		if ch.CurrentDraft != "" {
			fmt.Printf("    Draft:   %s\n", ch.CurrentDraft)
		}
	}

	if shown == 0 {
		fmt.Println("No chats found.")
	}
	return nil
}

type chatCommand struct {
	Mute    optionalBool `long:"mute" description:"Mute or unmute the chat (true/false)"`
	Archive optionalBool `long:"archive" description:"Archive or unarchive the chat (true/false)"`
	Draft   *string      `long:"draft" description:"Set the draft text (empty clears it)"`
	Read    bool         `long:"read" description:"Mark all messages as read"`
	Args    struct {
		ChatID string `positional-arg-name:"chat-id" required:"true" description:"Chat ID"`
	} `positional-args:"true" required:"true"`
}

func (cmd *chatCommand) Execute(args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	id := cmd.Args.ChatID
	if c.Chat(id) == nil {
		return fmt.Errorf("chat not found: %s", id)
	}

	if cmd.Mute.value != nil {
		if err := c.Mute(id, *cmd.Mute.value); err != nil {
			return err
		}
	}
	if cmd.Archive.value != nil {
		archive := c.Archive
		if !*cmd.Archive.value {
			archive = c.Unarchive
		}
		if err := archive(id); err != nil {
			return err
		}
	}
	if cmd.Draft != nil {
		if err := c.SetDraft(id, *cmd.Draft); err != nil {
			return err
		}
	}
	if cmd.Read {
		if err := c.MarkAllAsRead(id); err != nil {
			return err
		}
	}

	ch := c.Chat(id)
	fmt.Printf("Name:     %s\n", ch.Name)
	fmt.Printf("Muted:    %t\n", ch.IsMuted)
	fmt.Printf("Archived: %t\n", ch.LastArchivalDate != nil)
	if ch.CurrentDraft != "" {
		fmt.Printf("Draft:    %s\n", ch.CurrentDraft)
	}
	return nil
}
