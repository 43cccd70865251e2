// Package bot connects the gully registry to Discord: slash commands come in
// through the gateway and notices go out to a channel.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/gullybot/internal/bot/commands"
	"github.com/jensholdgaard/gullybot/internal/config"
	"github.com/jensholdgaard/gullybot/internal/league"
)

// ErrDisconnected is reported by Healthy while the gateway is down.
var ErrDisconnected = errors.New("discord gateway disconnected")

// maxHeartbeatLatency marks a connected but unresponsive gateway.
const maxHeartbeatLatency = 30 * time.Second

// Bot owns the gateway connection and routes interactions to the handlers.
type Bot struct {
	session   *discordgo.Session
	cfg       config.DiscordConfig
	logger    *slog.Logger
	handlers  *commands.Handlers
	connected atomic.Bool
	removers  []func()
}

// NewSession creates the Discord session shared by the bot and the notifier.
func NewSession(cfg config.DiscordConfig) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds
	return session, nil
}

// New creates a bot. Participants joining with /join start with
// defaultBudget.
func New(session *discordgo.Session, cfg config.DiscordConfig, reg *league.Registry, defaultBudget int64, logger *slog.Logger, tp trace.TracerProvider) *Bot {
	return &Bot{
		session:  session,
		cfg:      cfg,
		logger:   logger,
		handlers: commands.NewHandlers(reg, defaultBudget, cfg.AdminRole, logger, tp),
	}
}

// Start connects to the gateway and publishes the slash commands, to one
// guild when GuildID is set and globally otherwise.
func (b *Bot) Start(ctx context.Context) error {
	b.removers = append(b.removers,
		b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
			b.connected.Store(true)
			b.logger.InfoContext(ctx, "gateway ready",
				slog.String("user", r.User.Username),
				slog.Int("guilds", len(r.Guilds)),
			)
		}),
		b.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
			b.connected.Store(true)
			b.logger.InfoContext(ctx, "gateway resumed")
		}),
		b.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			b.connected.Store(false)
			b.logger.WarnContext(ctx, "gateway disconnected")
		}),
		b.session.AddHandler(b.handlers.InteractionCreate),
	)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}
	b.connected.Store(true)

	registered, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.cfg.GuildID, commands.SlashCommands())
	if err != nil {
		return fmt.Errorf("registering slash commands: %w", err)
	}
	b.logger.InfoContext(ctx, "slash commands registered",
		slog.Int("count", len(registered)),
		slog.String("guild_id", b.cfg.GuildID),
	)
	return nil
}

// Healthy fails while the gateway is disconnected or its heartbeat stalls.
func (b *Bot) Healthy(context.Context) error {
	if !b.connected.Load() {
		return ErrDisconnected
	}
	if lat := b.session.HeartbeatLatency(); lat > maxHeartbeatLatency {
		return fmt.Errorf("discord heartbeat latency %s", lat)
	}
	return nil
}

// Stop detaches the handlers and closes the gateway. Registered commands
// stay in place for the next leader.
func (b *Bot) Stop() error {
	for _, remove := range b.removers {
		remove()
	}
	b.removers = nil
	b.connected.Store(false)
	b.logger.Info("closing discord session")
	return b.session.Close()
}
