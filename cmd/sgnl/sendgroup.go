package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type sendGroupCommand struct {
	Attach []string `long:"attach" description:"File to attach (repeatable)"`
	Args   struct {
		GroupID string `positional-arg-name:"group-id" required:"true" description:"Group ID (hex)"`
		Message string `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendGroupCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	attachments, err := readAttachments(cmd.Attach)
	if err != nil {
		return err
	}

	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	group := c.Chat(cmd.Args.GroupID)
	if group == nil || !group.IsGroup() {
		return fmt.Errorf("group not found: %s", cmd.Args.GroupID)
	}
	groupName := group.Name
	if groupName == "" {
		groupName = shortID(cmd.Args.GroupID)
	}

	fmt.Printf("Sending to group %q...\n", groupName)

	if _, err := c.SendToGroup(ctx, cmd.Args.GroupID, cmd.Args.Message, attachments...); err != nil {
		return err
	}

	fmt.Printf("Message sent to group %q (%d members)\n", groupName, len(group.RecipientIdentifiers))
	return nil
}

type createGroupCommand struct {
	Name string `long:"name" required:"true" description:"Group name"`
	Args struct {
		Members []string `positional-arg-name:"member" required:"1" description:"Account names of the other members"`
	} `positional-args:"true" required:"true"`
}

func (cmd *createGroupCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	group, err := c.CreateGroup(ctx, cmd.Name, cmd.Args.Members)
	if err != nil {
		return err
	}
	fmt.Printf("Created group %q\n", group.Name)
	fmt.Printf("  ID:      %s\n", group.UniqueID)
	fmt.Printf("  Members: %d\n", len(group.RecipientIdentifiers))
	return nil
}

type leaveGroupCommand struct {
	Args struct {
		GroupID string `positional-arg-name:"group-id" required:"true" description:"Group ID (hex)"`
	} `positional-args:"true" required:"true"`
}

func (cmd *leaveGroupCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.LeaveGroup(ctx, cmd.Args.GroupID); err != nil {
		return err
	}
	fmt.Printf("Left group %s\n", cmd.Args.GroupID)
	return nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
