// Package discord provides the Discord voice ingress. It owns the
// discordgo.Session lifecycle, exposes /join, /leave and /status slash
// commands, and bridges voice-channel audio into pipeline sessions: every
// speaking participant gets their own session with channel_type "discord",
// fed raw Opus packets straight off the voice gateway.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/session"
)

// Session is the slice of a pipeline session the voice bridge drives.
type Session interface {
	PushAudio(chunk []byte)
	SetFormat(format string) error
	End(ctx context.Context) error
}

// StartFunc opens a pipeline session for one voice participant. The link
// receives the session's events and synthesized audio.
type StartFunc func(ctx context.Context, userID, agentID string, link session.Link) (Session, error)

// StatsFunc supplies the server-wide stats rendered by /status.
type StatsFunc func() session.Snapshot

// HandlerFunc is the signature for slash command handlers.
type HandlerFunc func(s *discordgo.Session, i *discordgo.InteractionCreate)

// Bot owns the Discord gateway connection, routes slash commands and manages
// the voice bridge.
type Bot struct {
	mu       sync.Mutex
	session  *discordgo.Session
	cfg      config.DiscordConfig
	start    StartFunc
	stats    StatsFunc
	log      *slog.Logger
	handlers map[string]HandlerFunc
	commands []*discordgo.ApplicationCommand

	bridge *VoiceBridge

	closeOnce sync.Once
}

// New creates a Bot and connects to the Discord gateway.
func New(cfg config.DiscordConfig, start StartFunc, stats StatsFunc, log *slog.Logger) (*Bot, error) {
	if log == nil {
		log = slog.Default()
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages

	b := &Bot{
		session: s,
		cfg:     cfg,
		start:   start,
		stats:   stats,
		log:     log,
	}
	b.handlers = map[string]HandlerFunc{
		"join":   b.handleJoin,
		"leave":  b.handleLeave,
		"status": b.handleStatus,
	}

	s.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.dispatch(s, i)
	})

	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return b, nil
}

// Run registers the slash commands and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	appID := b.session.State.User.ID
	registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.cfg.GuildID, commandDefinitions())
	if err != nil {
		return fmt.Errorf("discord: register commands: %w", err)
	}
	b.mu.Lock()
	b.commands = registered
	b.mu.Unlock()
	b.log.Info("discord commands registered", "count", len(registered))

	<-ctx.Done()
	return ctx.Err()
}

// Close leaves the voice channel, unregisters commands and disconnects.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		bridge := b.bridge
		b.bridge = nil
		commands := b.commands
		b.mu.Unlock()

		if bridge != nil {
			bridge.Leave(context.Background())
		}

		appID := b.session.State.User.ID
		for _, cmd := range commands {
			if err := b.session.ApplicationCommandDelete(appID, b.cfg.GuildID, cmd.ID); err != nil {
				b.log.Warn("discord: delete command failed", "name", cmd.Name, "err", err)
			}
		}
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		b.log.Info("discord bot closed")
	})
	return closeErr
}

func commandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "join",
			Description: "Join your current voice channel and start listening",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "agent",
					Description: "Agent id to converse with",
					Required:    false,
				},
			},
		},
		{
			Name:        "leave",
			Description: "Leave the voice channel and end all voice sessions",
		},
		{
			Name:        "status",
			Description: "Show live pipeline statistics",
		},
	}
}

// dispatch routes an interaction to its registered handler.
func (b *Bot) dispatch(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	name := i.ApplicationCommandData().Name
	h, ok := b.handlers[name]
	if !ok {
		b.log.Warn("discord: unhandled command", "name", name)
		return
	}
	h(s, i)
}

// ─── Command handlers ────────────────────────────────────────────────────────

func (b *Bot) handleJoin(s *discordgo.Session, i *discordgo.InteractionCreate) {
	channelID := voiceChannelOf(s, i.GuildID, interactionUserID(i))
	if channelID == "" {
		respondEphemeral(s, i, "Join a voice channel first, then use /join.")
		return
	}

	agentID := b.cfg.DefaultAgentID
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "agent" {
			agentID = opt.StringValue()
		}
	}
	if agentID == "" {
		respondEphemeral(s, i, "No agent configured; pass one with /join agent:<id>.")
		return
	}

	b.mu.Lock()
	if b.bridge != nil {
		b.mu.Unlock()
		respondEphemeral(s, i, "Already in a voice channel; /leave first.")
		return
	}
	bridge, err := JoinVoice(s, i.GuildID, channelID, agentID, b.start, b.log)
	if err == nil {
		b.bridge = bridge
	}
	b.mu.Unlock()

	if err != nil {
		b.log.Error("discord: voice join failed", "channel_id", channelID, "err", err)
		respondError(s, i, err)
		return
	}
	respondEphemeral(s, i, fmt.Sprintf("Listening in <#%s> as agent %s.", channelID, agentID))
}

func (b *Bot) handleLeave(s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.mu.Lock()
	bridge := b.bridge
	b.bridge = nil
	b.mu.Unlock()

	if bridge == nil {
		respondEphemeral(s, i, "Not in a voice channel.")
		return
	}
	bridge.Leave(context.Background())
	respondEphemeral(s, i, "Left the voice channel.")
}

func (b *Bot) handleStatus(s *discordgo.Session, i *discordgo.InteractionCreate) {
	var snap session.Snapshot
	if b.stats != nil {
		snap = b.stats()
	}
	b.mu.Lock()
	participants := 0
	if b.bridge != nil {
		participants = b.bridge.Participants()
	}
	b.mu.Unlock()
	respondEmbed(s, i, statusEmbed(snap, participants))
}

// voiceChannelOf finds the voice channel the user currently sits in, or "".
func voiceChannelOf(s *discordgo.Session, guildID, userID string) string {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return ""
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

// interactionUserID extracts the invoking user id from either guild or DM
// interactions.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
