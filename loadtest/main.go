// Command loadtest drives N users through their own room sessions against a
// running server and checks that every session converges to the same set of
// confirmed messages, each exactly once.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"go-livechat/internal/config"
	"go-livechat/internal/durable"
	"go-livechat/internal/feed"
	"go-livechat/internal/logging"
	"go-livechat/internal/metrics"
	"go-livechat/internal/session"
	"go-livechat/internal/transport"
)

const password = "password123"

type participant struct {
	name  string
	token string
	api   *durable.Client
	self feed.Author
	sess *session.Session
}

func main() {
	configPath := flag.String("config", "", "optional TOML config file")
	server := flag.String("server", "", "REST base URL (overrides config)")
	users := flag.Int("users", 10, "number of users in the room")
	msgs := flag.Int("messages", 20, "messages sent per user")
	gap := flag.Duration("gap", 10*time.Millisecond, "pause between a user's sends")
	timeout := flag.Duration("timeout", time.Minute, "how long sessions get to converge")
	flag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		logging.New("info", true).Fatal().Err(err).Msg("❌ config")
	}
	if *server != "" {
		cfg.Server, cfg.Durable.BaseURL = *server, *server
		if cfg.Transport.URL, err = config.WebSocketURL(*server); err != nil {
			logging.New("info", true).Fatal().Err(err).Msg("❌ config")
		}
	}
	// Many users share one process; the client-side limiter would pace them all.
	cfg.Durable.Rate, cfg.Durable.Burst = 1000, 100
	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if err := run(ctx, cfg, *users, *msgs, *gap, *timeout, metrics.NewClient(reg), log); err != nil {
		log.Error().Err(err).Msg("❌ LOAD TEST FAILED")
		report(reg, log)
		os.Exit(1)
	}
	report(reg, log)
	log.Info().Msg("✅ LOAD TEST COMPLETE")
}

func run(ctx context.Context, cfg *config.Client, users, msgs int, gap, timeout time.Duration, m *metrics.Client, log zerolog.Logger) error {
	log.Info().Int("users", users).Int("messages", msgs).Msgf("🔥 STARTING: %d users, %d messages each", users, msgs)

	run := uuid.NewString()[:8]
	ps := make([]*participant, users)
	for i := range ps {
		p, err := authenticate(ctx, cfg, fmt.Sprintf("lt_%s_%d", run, i), log)
		if err != nil {
			return err
		}
		ps[i] = p
	}

	room, err := ps[0].api.CreateRoom(ctx, "loadtest-"+run)
	if err != nil {
		return err
	}
	for _, p := range ps[1:] {
		if err := p.api.JoinRoom(ctx, room.ID); err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
	}
	log.Info().Int64("room_id", room.ID).Msg("🏠 room ready")

	registry := transport.NewRegistry()
	for _, p := range ps {
		tc, err := transport.NewClient(cfg.TransportConfig(p.token), registry, m, log)
		if err != nil {
			return err
		}
		p.sess = session.New(cfg.SessionConfig(p.self, room.ID), tc, p.api, nil, m, log.With().Str("user", p.name).Logger())
		p.sess.Start(ctx)
		defer p.sess.Stop()
	}

	var wg sync.WaitGroup
	for _, p := range ps {
		wg.Add(1)
		go func(p *participant) {
			defer wg.Done()
			for i := 0; i < msgs; i++ {
				p.sess.Send(fmt.Sprintf("LoadTest Msg %d from %s", i, p.name))
				select {
				case <-time.After(gap):
				case <-ctx.Done():
					return
				}
			}
			log.Info().Str("user", p.name).Msgf("✅ finished sending %d msgs", msgs)
		}(p)
	}
	wg.Wait()

	return converge(ctx, ps, users*msgs, timeout, log)
}

func authenticate(ctx context.Context, cfg *config.Client, name string, log zerolog.Logger) (*participant, error) {
	api, err := durable.New(cfg.Durable, log)
	if err != nil {
		return nil, err
	}
	s, err := api.Register(ctx, name, password)
	var apiErr *durable.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		s, err = api.Login(ctx, name, password)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	api.SetCredentials(s.AccessToken, s.ID)
	return &participant{name: name, token: s.AccessToken, api: api, self: feed.Author{ID: s.ID, Username: s.Username}}, nil
}

// tally summarises one feed: confirmed ids with their counts, plus entries
// that never got a server id or did not settle.
type tally struct {
	ids       map[int64]int
	unsettled int
	failed    int
}

func count(entries []feed.Entry) tally {
	t := tally{ids: make(map[int64]int)}
	for _, e := range entries {
		if e.Kind != feed.KindMessage {
			continue
		}
		switch m := e.Message; {
		case m.Status == feed.Failed:
			t.failed++
		case m.Status != feed.Confirmed || !m.HasServerID():
			t.unsettled++
		default:
			t.ids[m.ID]++
		}
	}
	return t
}

func (t tally) converged(want int) bool {
	if len(t.ids) != want || t.unsettled > 0 || t.failed > 0 {
		return false
	}
	for _, n := range t.ids {
		if n != 1 {
			return false
		}
	}
	return true
}

func converge(ctx context.Context, ps []*participant, want int, timeout time.Duration, log zerolog.Logger) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	start := time.Now()
	for {
		pending := 0
		for _, p := range ps {
			if !count(p.sess.Feed()).converged(want) {
				pending++
			}
		}
		if pending == 0 {
			log.Info().Dur("took", time.Since(start)).Msgf("🎯 all %d sessions hold %d messages exactly once", len(ps), want)
			return nil
		}

		select {
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			for _, p := range ps {
				t := count(p.sess.Feed())
				dups := 0
				for _, n := range t.ids {
					if n > 1 {
						dups++
					}
				}
				log.Warn().Str("user", p.name).
					Int("confirmed", len(t.ids)).Int("duplicated", dups).
					Int("unsettled", t.unsettled).Int("failed", t.failed).
					Msg("feed did not converge")
			}
			return fmt.Errorf("%d of %d sessions did not converge within %s", pending, len(ps), timeout)
		}
	}
}

// report logs every counter the sessions recorded.
func report(reg *prometheus.Registry, log zerolog.Logger) {
	families, err := reg.Gather()
	if err != nil {
		return
	}
	for _, f := range families {
		total := 0.0
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
		log.Info().Float64("value", total).Msg(f.GetName())
	}
}
