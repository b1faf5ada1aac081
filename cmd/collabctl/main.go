package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/devrev/pairdoc/internal/client"
	"github.com/devrev/pairdoc/internal/config"
	"github.com/devrev/pairdoc/internal/model"
	"github.com/docopt/docopt-go"
	"go.uber.org/zap"
)

const CollabCtlVersion = "0.1.0"

func main() {
	usage := `Collaboration server control.

The server url defaults to client.base_url from the configuration
(COLLAB_CLIENT_BASE_URL), http://localhost:8080 if unset.

Usage:
    collabctl import [--url=<url>] [--config=<path>] <file> <room>
    collabctl submit [--url=<url>] [--config=<path>] --room=<room> --since=<version>
        [--connection=<connection_id>] [--user=<user>] <payload>
    collabctl missing [--url=<url>] [--config=<path>] --room=<room> [--since=<version>]
    collabctl watch [--url=<url>] [--config=<path>] --room=<room> --user=<user>
        [--since=<version>] [--verbose]
    collabctl -h | --help
    collabctl --version

Options:
    -h --help                       Show this screen.
    --version                       Show version.
    --since=<version>               Last version seen by the caller [default: 0].
    --url=<url>                     Server base url.
    --config=<path>                 Configuration file.
    --room=<room>                   Room name.
    --user=<user>                   User name shown to the room.
    --connection=<connection_id>    Hub connection the operation originates from.
    --verbose                       Log reconnects and catch-ups to stderr.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		fatal(err)
	}

	if import_, _ := opts.Bool("import"); import_ {
		importFile(opts)
	} else if submit_, _ := opts.Bool("submit"); submit_ {
		submit(opts)
	} else if missing_, _ := opts.Bool("missing"); missing_ {
		missing(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func importFile(opts docopt.Opts) {
	file, _ := opts.String("<file>")
	room, _ := opts.String("<room>")

	c := newClient(opts, zap.NewNop())
	content, err := c.ImportFile(context.Background(), file, room)
	if err != nil {
		fatal(err)
	}
	printJSON(content)
}

func submit(opts docopt.Opts) {
	room, _ := opts.String("--room")
	payload, _ := opts.String("<payload>")
	connectionID, _ := opts.String("--connection")
	user, _ := opts.String("--user")

	if !json.Valid([]byte(payload)) {
		fatal(fmt.Errorf("payload is not valid JSON"))
	}

	c := newClient(opts, zap.NewNop())
	committed, err := c.UpdateAction(context.Background(), &model.Operation{
		RoomName:     room,
		ConnectionID: connectionID,
		CurrentUser:  user,
		Payload:      json.RawMessage(payload),
		Version:      versionOpt(opts),
	})
	if err != nil {
		fatal(err)
	}
	printJSON(committed)
}

func missing(opts docopt.Opts) {
	room, _ := opts.String("--room")

	c := newClient(opts, zap.NewNop())
	ops, err := c.GetActionsFromServer(context.Background(), room, versionOpt(opts))
	if err != nil {
		fatal(err)
	}
	printJSON(ops)
}

func watch(opts docopt.Opts) {
	room, _ := opts.String("--room")
	user, _ := opts.String("--user")

	logger := zap.NewNop()
	if verbose, _ := opts.Bool("--verbose"); verbose {
		zc := zap.NewDevelopmentConfig()
		zc.OutputPaths = []string{"stderr"}
		if l, err := zc.Build(); err == nil {
			logger = l
		}
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := newClient(opts, logger)
	enc := json.NewEncoder(os.Stdout)
	err := c.Watch(ctx, room, user, versionOpt(opts), func(ev *model.HubEvent) {
		enc.Encode(ev)
	})
	if err != nil {
		fatal(err)
	}
}

func newClient(opts docopt.Opts, logger *zap.Logger) *client.Client {
	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		fatal(err)
	}

	cc := cfg.Client
	if url, _ := opts.String("--url"); url != "" {
		cc.BaseURL = url
	}
	return client.New(client.Config{
		BaseURL:         cc.BaseURL,
		RequestTimeout:  cc.RequestTimeout,
		InitialInterval: cc.InitialInterval,
		MaxInterval:     cc.MaxInterval,
		MaxElapsedTime:  cc.MaxElapsedTime,
		MaxRetries:      cc.MaxRetries,
	}, logger)
}

func versionOpt(opts docopt.Opts) int {
	s, _ := opts.String("--since")
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		fatal(fmt.Errorf("invalid version %q", s))
	}
	return v
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "collabctl: %v\n", err)
	os.Exit(1)
}
