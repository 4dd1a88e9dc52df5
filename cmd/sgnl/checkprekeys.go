package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type checkPreKeysCommand struct {
	Verify bool `long:"verify" description:"Also check the server's signed prekey against the local record"`
}

func (cmd *checkPreKeysCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	mode, err := c.CheckPreKeys(ctx)
	if err != nil {
		return fmt.Errorf("check prekeys: %w", err)
	}
	fmt.Printf("Replenished: %s\n", mode)

	if cmd.Verify {
		if err := c.VerifySignedPreKey(ctx); err != nil {
			return err
		}
		fmt.Println("Signed prekey checked (mismatches are logged with -v).")
	}
	return nil
}
