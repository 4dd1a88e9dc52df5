// Command sgnl is a CLI for the courier messaging client.
//
// Usage:
//
//	sgnl bootstrap <username>        Register a new account
//	sgnl send <to> <msg>             Send a text message
//	sgnl send-group <group-id> <msg> Send a text message to a group
//	sgnl receive                     Receive and print incoming messages
//	sgnl chats                       List chats
package main

import (
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"

	courier "github.com/gwillem/signal-courier"
	"github.com/gwillem/signal-courier/internal/store"
)

type globalOpts struct {
	DB      string        `long:"db" description:"Path to database file"`
	Account string        `short:"a" long:"account" description:"Account name; selects <data dir>/<account>.db"`
	APIURL  string        `long:"api-url" env:"COURIER_API_URL" description:"Chat service base URL"`
	Timeout time.Duration `long:"timeout" default:"30s" description:"HTTP request timeout (0 disables)"`
	Retries int           `long:"retries" default:"0" description:"Retries for sends failing with server or network errors"`
	Verbose bool          `short:"v" long:"verbose" description:"Enable verbose logging"`

	Bootstrap    bootstrapCommand    `command:"bootstrap" description:"Register a new account with the server"`
	Send         sendCommand         `command:"send" description:"Send a text message"`
	SendGroup    sendGroupCommand    `command:"send-group" description:"Send a text message to a group"`
	CreateGroup  createGroupCommand  `command:"create-group" description:"Create a group and announce it to its members"`
	LeaveGroup   leaveGroupCommand   `command:"leave-group" description:"Leave a group"`
	Receive      receiveCommand      `command:"receive" description:"Receive and print incoming messages"`
	CheckPreKeys checkPreKeysCommand `command:"check-prekeys" description:"Replenish server prekeys when low or due for rotation"`
	Chats        chatsCommand        `command:"chats" description:"List chats"`
	Chat         chatCommand         `command:"chat" description:"Show or update chat settings"`
	Messages     messagesCommand     `command:"messages" description:"Print the messages of a chat"`
	Fetch        fetchCommand        `command:"fetch-attachment" description:"Download an attachment and write it to a file"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func clientOpts() []courier.Option {
	var copts []courier.Option

	dbPath := opts.DB
	if dbPath == "" && opts.Account != "" {
		dbPath = filepath.Join(store.DefaultDataDir(), opts.Account+".db")
	}
	if dbPath != "" {
		copts = append(copts, courier.WithDBPath(dbPath))
	}
	if opts.APIURL != "" {
		copts = append(copts, courier.WithAPIURL(opts.APIURL))
	}
	copts = append(copts,
		courier.WithRequestTimeout(opts.Timeout),
		courier.WithSendRetries(opts.Retries),
	)

	if opts.Verbose {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			With().Timestamp().Logger()
		copts = append(copts, courier.WithLogger(logger))
	}
	return copts
}

// openClient opens the client for commands that need an existing account.
func openClient() (*courier.Client, error) {
	c, err := courier.Open(clientOpts()...)
	if err != nil {
		return nil, err
	}
	if !c.IsRegistered() {
		c.Close()
		return nil, errNoAccount
	}
	return c, nil
}
