package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"go-livechat/internal/config"
	"go-livechat/internal/durable"
	"go-livechat/internal/feed"
	"go-livechat/internal/logging"
	"go-livechat/internal/metrics"
	"go-livechat/internal/session"
	"go-livechat/internal/transport"
)

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "Create an account",
		Action: func(c *cli.Context) error {
			env, err := setup(c)
			if err != nil {
				return err
			}
			s, err := env.api.Register(c.Context, env.cfg.Username, env.cfg.Password)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "registered %s (id %d)\n", s.Username, s.ID)
			return nil
		},
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Check credentials and print the access token",
		Action: func(c *cli.Context) error {
			env, err := setup(c)
			if err != nil {
				return err
			}
			s, err := env.api.Login(c.Context, env.cfg.Username, env.cfg.Password)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "logged in as %s (id %d)\n%s\n", s.Username, s.ID, s.AccessToken)
			return nil
		},
	}
}

func joinCommand() *cli.Command {
	return &cli.Command{
		Name:      "join",
		Usage:     "Join a room and chat in it",
		ArgsUsage: "[ROOM_ID]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "create",
				Usage: "Create a room named `NAME` and join it",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on `ADDR`",
			},
		},
		Action: runJoin,
	}
}

type cliEnv struct {
	cfg *config.Client
	api *durable.Client
	log zerolog.Logger
}

func setup(c *cli.Context) (*cliEnv, error) {
	cfg, err := config.LoadClient(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if v := c.String("server"); v != "" {
		cfg.Server = v
		cfg.Durable.BaseURL = v
		if cfg.Transport.URL, err = config.WebSocketURL(v); err != nil {
			return nil, err
		}
	}
	if v := c.String("username"); v != "" {
		cfg.Username = v
	}
	if v := c.String("password"); v != "" {
		cfg.Password = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("username and password are required")
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)
	api, err := durable.New(cfg.Durable, log)
	if err != nil {
		return nil, err
	}
	return &cliEnv{cfg: cfg, api: api, log: log}, nil
}

func runJoin(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	login, err := env.api.Login(ctx, env.cfg.Username, env.cfg.Password)
	if err != nil {
		return err
	}
	env.api.SetCredentials(login.AccessToken, login.ID)

	roomID, err := pickRoom(ctx, c, env)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewClient(reg)
	if addr := c.String("metrics-addr"); addr != "" {
		go serveMetrics(ctx, addr, reg, env.log)
	}

	tc, err := transport.NewClient(env.cfg.TransportConfig(login.AccessToken), transport.NewRegistry(), m, env.log)
	if err != nil {
		return err
	}

	self := feed.Author{ID: login.ID, Username: login.Username}
	term := newTerminal(c.App.Writer)
	sess := session.New(env.cfg.SessionConfig(self, roomID), tc, env.api, term, m, env.log)
	sess.Start(ctx)
	defer sess.Stop()

	fmt.Fprintf(c.App.Writer, "joined room %d as %s. /refresh, /members, /quit\n", roomID, login.Username)
	return readInput(ctx, c.App.Reader, sess, term)
}

func pickRoom(ctx context.Context, c *cli.Context, env *cliEnv) (int64, error) {
	if name := c.String("create"); name != "" {
		room, err := env.api.CreateRoom(ctx, name)
		if err != nil {
			return 0, err
		}
		return room.ID, nil
	}

	roomID := env.cfg.RoomID
	if c.NArg() > 0 {
		id, err := strconv.ParseInt(c.Args().First(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid room id %q", c.Args().First())
		}
		roomID = id
	}
	if roomID <= 0 {
		return 0, errors.New("missing room id: pass ROOM_ID, --create NAME or set room_id")
	}
	if err := env.api.JoinRoom(ctx, roomID); err != nil {
		return 0, err
	}
	return roomID, nil
}

// readInput feeds stdin lines to the session until /quit, EOF or ctx ends.
func readInput(ctx context.Context, in io.Reader, sess *session.Session, term *terminal) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch cmd := strings.TrimSpace(line); cmd {
			case "/quit":
				return nil
			case "/refresh":
				sess.Refresh()
			case "/members":
				term.printMembers()
			default:
				sess.Send(line)
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
	}
}
