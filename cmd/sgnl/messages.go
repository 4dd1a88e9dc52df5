package main

import "fmt"

type messagesCommand struct {
	Last int  `short:"n" description:"Only print the last N messages (0 = all)" default:"0"`
	Read bool `long:"mark-read" description:"Mark the chat as read afterwards"`
	Args struct {
		ChatID string `positional-arg-name:"chat-id" required:"true" description:"Chat ID"`
	} `positional-args:"true" required:"true"`
}

func (cmd *messagesCommand) Execute(args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if c.Chat(cmd.Args.ChatID) == nil {
		return fmt.Errorf("chat not found: %s", cmd.Args.ChatID)
	}
	msgs, err := c.Messages(cmd.Args.ChatID)
	if err != nil {
		return err
	}
	if cmd.Last > 0 && len(msgs) > cmd.Last {
		msgs = msgs[len(msgs)-cmd.Last:]
	}
	for _, m := range msgs {
		printMessage(c, m)
	}
	if cmd.Read {
		return c.MarkAllAsRead(cmd.Args.ChatID)
	}
	return nil
}
