package actions

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	proposalsmodule "github.com/stake-plus/member-proposals/src/actions/proposals"
	"github.com/stake-plus/member-proposals/src/api/webserver"
	sharedconfig "github.com/stake-plus/member-proposals/src/config"
	shareddata "github.com/stake-plus/member-proposals/src/data"
	shareddiscord "github.com/stake-plus/member-proposals/src/discord"
	"github.com/stake-plus/member-proposals/src/lifecycle"
	"github.com/stake-plus/member-proposals/src/logging"
	"github.com/stake-plus/member-proposals/src/shared/membership"
	"gorm.io/gorm"
)

// StartAll wires the lifecycle engine, the Discord adapter and the HTTP
// server, then starts them in that order. The engine recovers persisted
// proposals before Discord starts accepting commands.
func StartAll(ctx context.Context, db *gorm.DB, cfg *sharedconfig.ProposalsConfig) (*Manager, error) {
	log := logging.For("actions")
	mgr := NewManager()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := lifecycle.NewMetrics(reg)
	store := membership.NewProposalStore(db)

	var (
		session   *discordgo.Session
		messenger lifecycle.Messenger = logMessenger{log: logging.For("notify")}
		announcer lifecycle.Announcer
	)
	if cfg.EnableDiscord {
		s, err := discordgo.New("Bot " + cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("actions: create discord session: %w", err)
		}
		s.Identify.Intents = discordgo.IntentsGuilds
		session = s
		messenger = shareddiscord.NewDirectMessenger(s)
		if cfg.AnnounceChannelID != "" {
			announcer = shareddiscord.NewChannelAnnouncer(s, cfg.AnnounceChannelID)
		} else {
			log.Warn().Msg("actions: announcement channel not configured, proposals will not be announced")
		}
	} else {
		log.Info().Msg("actions: discord disabled via configuration, notifications are logged only")
	}

	dispatcher, err := lifecycle.NewDispatcher(messenger, cfg.NotifyWorkers, metrics)
	if err != nil {
		return nil, fmt.Errorf("actions: %w", err)
	}

	var (
		events lifecycle.EventSink
		rdb    *redis.Client
	)
	if cfg.RedisURL != "" {
		client, err := shareddata.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("actions: event stream disabled")
		} else {
			rdb = client
			events = shareddata.NewStreamPublisher(client, cfg.EventStreamMaxLen)
		}
	}

	engine, err := lifecycle.NewEngine(lifecycle.Options{
		Store:        store,
		Scheduler:    lifecycle.WallClock{},
		Notifier:     dispatcher,
		Announcer:    announcer,
		Events:       events,
		Metrics:      metrics,
		VotingWindow: cfg.VotingWindow,
	})
	if err != nil {
		dispatcher.Close()
		return nil, fmt.Errorf("actions: init engine: %w", err)
	}

	closers := []func(){dispatcher.Close}
	if rdb != nil {
		closers = append(closers, func() { _ = rdb.Close() })
	}
	if err := mgr.Add(proposalsmodule.NewEngineModule(engine, closers...)); err != nil {
		return nil, fmt.Errorf("actions: add engine module: %w", err)
	}

	if session != nil {
		handler := proposalsmodule.NewHandler(engine, proposalsmodule.NewRateLimiter(cfg.CreateCooldown))
		if err := mgr.Add(proposalsmodule.NewModule(cfg, session, handler)); err != nil {
			return nil, fmt.Errorf("actions: add proposals module: %w", err)
		}
	}

	if cfg.EnableHTTP {
		mod := webserver.NewModule(cfg.HTTPAddr, webserver.Deps{
			Proposals:    engine,
			Ready:        engine.Ready,
			Ping:         store.Ping,
			Gatherer:     reg,
			AllowOrigins: cfg.HTTPAllowOrigins,
		})
		if err := mgr.Add(mod); err != nil {
			return nil, fmt.Errorf("actions: add webserver module: %w", err)
		}
	} else {
		log.Info().Msg("actions: http server disabled via configuration")
	}

	if err := mgr.Start(ctx); err != nil {
		return nil, err
	}

	return mgr, nil
}

// logMessenger stands in for Discord when it is disabled.
type logMessenger struct{ log zerolog.Logger }

func (m logMessenger) SendDirect(_ context.Context, user lifecycle.UserID, message string) error {
	m.log.Info().Str("user_id", user.String()).Str("message", message).Msg("notification")
	return nil
}
