package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"example.com/scorebridge/internal/bus"
	"example.com/scorebridge/internal/clientstate"
	"example.com/scorebridge/internal/config"
	"example.com/scorebridge/internal/dirclient"
	"example.com/scorebridge/internal/logging"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load()

	cliApp := &cli.App{
		Name:  "scorectl",
		Usage: "coordinator and judge console for a scorebridge event",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "directory base URL (default from client.server_url)"},
			&cli.StringFlag{Name: "admin-key", Usage: "coordinator admin key (default from auth.admin_key)", EnvVars: []string{"SCOREBRIDGE_ADMIN_KEY"}},
			&cli.StringFlag{Name: "profile", Value: "default", Usage: "local state namespace, one per judge device"},
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "skip confirmation prompts"},
		},
		Commands: []*cli.Command{
			matchesCommand(),
			eventCommand(),
			accessCommand(),
			coordinatorCommand(),
			judgeCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env is what every command needs: settings, a logger and the REST client.
type env struct {
	cfg config.Config
	log zerolog.Logger
	dir *dirclient.Client
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if s := c.String("server"); s != "" {
		cfg.Client.ServerURL = s
	}
	if k := c.String("admin-key"); k != "" {
		cfg.Auth.AdminKey = k
	}
	log, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, dir: dirclient.New(cfg.Client.ServerURL)}, nil
}

// coordinator returns a REST client carrying a fresh coordinator token.
func (e *env) coordinator(ctx context.Context) (*dirclient.Client, error) {
	if e.cfg.Auth.AdminKey == "" {
		return nil, fmt.Errorf("admin key is required (--admin-key or SCOREBRIDGE_AUTH__ADMIN_KEY)")
	}
	token, err := e.dir.CoordinatorSession(ctx, e.cfg.Auth.AdminKey)
	if err != nil {
		return nil, err
	}
	return dirclient.New(e.cfg.Client.ServerURL, dirclient.WithToken(func() string { return token })), nil
}

func (e *env) busClient(name string, token func() string) (bus.Client, error) {
	switch e.cfg.Bus.Transport {
	case "nats":
		return bus.NewNATSClient(bus.NATSConfig{
			URL:           e.cfg.Bus.NATSURL,
			Prefix:        e.cfg.Bus.Prefix,
			Name:          name,
			ReconnectWait: e.cfg.Bus.ReconnectWait,
		}, logging.Component(e.log, "bus")), nil
	default:
		u, err := wsURL(e.cfg.Client.ServerURL)
		if err != nil {
			return nil, err
		}
		return bus.NewWSClient(bus.WSClientConfig{
			URL:           u,
			ReconnectWait: e.cfg.Bus.ReconnectWait,
			Token:         token,
		}, logging.Component(e.log, "bus")), nil
	}
}

func wsURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (e *env) persistence(profile string) (clientstate.Persistence, func(), error) {
	switch e.cfg.Client.StateBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: e.cfg.Redis.Addr, DB: e.cfg.Redis.DB})
		return clientstate.NewRedisStore(rdb, profile, e.cfg.Redis.StateTTL), func() { _ = rdb.Close() }, nil
	default:
		fs, err := clientstate.NewFileStore(filepath.Join(e.cfg.Client.StateDir, profile))
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}

// confirmer asks on the terminal unless --yes was given.
func confirmer(c *cli.Context) func(ctx context.Context, action string) bool {
	if c.Bool("yes") {
		return func(context.Context, string) bool { return true }
	}
	return func(_ context.Context, action string) bool {
		fmt.Fprintf(os.Stderr, "%s? [y/N] ", action)
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

// waitFor polls cond until it holds or d passes.
func waitFor(ctx context.Context, d time.Duration, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out after %s", d)
		case <-t.C:
		}
	}
	return nil
}
