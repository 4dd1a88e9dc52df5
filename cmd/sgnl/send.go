package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"

	courier "github.com/gwillem/signal-courier"
)

type sendCommand struct {
	Attach []string `long:"attach" description:"File to attach (repeatable)"`
	Args   struct {
		Recipient string `positional-arg-name:"recipient" required:"true" description:"Account name of the recipient"`
		Message   string `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendCommand) Execute(args []string) error {
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

	msg, err := c.SendText(ctx, cmd.Args.Recipient, cmd.Args.Message, attachments...)
	if err != nil {
		return err
	}

	fmt.Printf("Message sent to %s (%d attachment(s))\n", cmd.Args.Recipient, len(msg.AttachmentPointerIDs))
	return nil
}

func readAttachments(paths []string) ([]courier.Attachment, error) {
	var out []courier.Attachment
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		out = append(out, courier.Attachment{
			Data:        data,
			ContentType: http.DetectContentType(data),
			FileName:    filepath.Base(p),
		})
	}
	return out, nil
}
