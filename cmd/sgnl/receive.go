package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	courier "github.com/gwillem/signal-courier"
)

type receiveCommand struct {
	N int `short:"n" description:"Maximum number of messages to receive (0 = unlimited)" default:"0"`
}

func (cmd *receiveCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Println("Listening for messages... (Ctrl+C to stop)")

	count := 0
	for msg, err := range c.Receive(ctx) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		printMessage(c, msg)
		count++
		if cmd.N > 0 && count >= cmd.N {
			break
		}
	}

	return nil
}

func printMessage(c *courier.Client, msg *courier.Message) {
	ts := time.UnixMilli(int64(msg.Timestamp)).Format("2006-01-02 15:04:05")
	where := ""
	if ch := c.Chat(msg.ChatID); ch != nil && ch.IsGroup() {
		where = " [" + ch.Name + "]"
	}
	from := msg.SenderID
	if from == "" {
		from = "(you)"
	}
	body := msg.Body
	if body == "" && msg.CustomMessage != "" {
		body = "* " + msg.CustomMessage
	}
	fmt.Printf("[%s]%s %s: %s\n", ts, where, from, body)
	for _, id := range msg.AttachmentPointerIDs {
		ptr, err := c.Attachment(id)
		if err != nil || ptr == nil {
			continue
		}
		fmt.Printf("    attachment %s %s (%d bytes, %s)\n", ptr.UniqueID, ptr.FileName, ptr.Size, ptr.State)
	}
}
