package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type fetchCommand struct {
	Output string `short:"o" long:"output" description:"Output file (defaults to the attachment's file name)"`
	Args   struct {
		PointerID string `positional-arg-name:"attachment-id" required:"true" description:"Attachment pointer ID"`
	} `positional-args:"true" required:"true"`
}

func (cmd *fetchCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ptr, err := c.Attachment(cmd.Args.PointerID)
	if err != nil {
		return err
	}
	if len(ptr.Data) == 0 {
		if ptr, err = c.FetchAttachment(ctx, cmd.Args.PointerID); err != nil {
			return err
		}
	}

	out := cmd.Output
	if out == "" {
		out = ptr.FileName
	}
	if out == "" {
		out = ptr.UniqueID
	}
	if err := os.WriteFile(out, ptr.Data, 0o600); err != nil {
		return err
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(ptr.Data), out)
	return nil
}
