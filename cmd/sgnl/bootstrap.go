package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	courier "github.com/gwillem/signal-courier"
)

var errNoAccount = errors.New("no account registered; run 'sgnl bootstrap <username>' first")

type bootstrapCommand struct {
	Password string `long:"password" env:"COURIER_PASSWORD" description:"Account password (random if empty)"`
	Args     struct {
		Username string `positional-arg-name:"username" required:"true" description:"Account name to register"`
	} `positional-args:"true" required:"true"`
}

func (cmd *bootstrapCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := courier.Open(clientOpts()...)
	if err != nil {
		return err
	}
	defer c.Close()

	if c.IsRegistered() {
		return fmt.Errorf("database already holds account %s", c.Username())
	}
	if err := c.Bootstrap(ctx, cmd.Args.Username, cmd.Password); err != nil {
		return err
	}
	fmt.Printf("Registered as %s\n", c.Username())
	return nil
}
