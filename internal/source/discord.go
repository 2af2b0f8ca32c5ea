// Package source connects live chat transports to the ingest pipeline.
// The Discord source maps channels to conversation groups and feeds every
// visible message into memory.
package source

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/model"
)

// ingester is the pipeline surface the source feeds.
type ingester interface {
	Ingest(msg *model.PendingMessage) error
}

// DiscordConfig holds Discord connection settings.
type DiscordConfig struct {
	Token      string
	ChannelIDs []string // empty = all channels the bot can see
	BotIsUser  bool     // record the bot's own messages as assistant turns
}

// DiscordSource listens to Discord and records messages.
type DiscordSource struct {
	session  *discordgo.Session
	cfg      DiscordConfig
	pipeline ingester
	botID    string
	channels map[string]bool
}

// NewDiscordSource creates a source. Call Start to connect.
func NewDiscordSource(cfg DiscordConfig, pipeline ingester) (*DiscordSource, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	src := &DiscordSource{
		session:  session,
		cfg:      cfg,
		pipeline: pipeline,
		channels: make(map[string]bool, len(cfg.ChannelIDs)),
	}
	for _, id := range cfg.ChannelIDs {
		src.channels[id] = true
	}

	session.AddHandler(src.handleMessage)
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	return src, nil
}

// Start connects to Discord and begins listening.
func (d *DiscordSource) Start() error {
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	d.botID = d.session.State.User.ID
	logging.Info("discord", "connected as %s", d.session.State.User.Username)
	return nil
}

// Stop disconnects from Discord.
func (d *DiscordSource) Stop() error {
	return d.session.Close()
}

func (d *DiscordSource) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == d.botID && !d.cfg.BotIsUser {
		return
	}
	if len(d.channels) > 0 && !d.channels[m.ChannelID] {
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		return // attachments-only messages carry nothing to remember
	}

	msg := d.toPending(m)
	if err := d.pipeline.Ingest(msg); err != nil {
		logging.Warn("discord", "failed to ingest %s: %v", msg.MessageID, err)
		return
	}
	logging.Debug("discord", "ingested %s from %s", msg.MessageID, msg.SenderName)
}

// toPending maps a Discord message onto the ingest schema. The channel is
// the conversation group; DMs map to the private scope with an empty group.
func (d *DiscordSource) toPending(m *discordgo.MessageCreate) *model.PendingMessage {
	groupID := m.ChannelID
	if m.GuildID == "" {
		groupID = ""
	}

	role := model.RoleUser
	if m.Author.ID == d.botID {
		role = model.RoleAssistant
	}

	createdAt := m.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	msg := &model.PendingMessage{
		MessageID:  "discord-" + m.ChannelID + "-" + m.ID,
		GroupID:    groupID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Role:       role,
		Content:    m.Content,
		CreatedAt:  createdAt,
	}
	if m.ReferencedMessage != nil {
		msg.ReferList = []string{"discord-" + m.ChannelID + "-" + m.ReferencedMessage.ID}
	}
	return msg
}
