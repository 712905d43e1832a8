package proposals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/stake-plus/member-proposals/src/actions/core"
	sharedconfig "github.com/stake-plus/member-proposals/src/config"
	shareddiscord "github.com/stake-plus/member-proposals/src/discord"
	"github.com/stake-plus/member-proposals/src/lifecycle"
	"github.com/stake-plus/member-proposals/src/logging"
)

var _ core.Module = (*Module)(nil)

// commandTimeout bounds the engine work behind a single interaction.
const commandTimeout = 30 * time.Second

// Module is the Discord front end for member proposals.
type Module struct {
	config     *sharedconfig.ProposalsConfig
	session    *discordgo.Session
	handler    *Handler
	log        zerolog.Logger
	runtimeCtx context.Context
	cancel     context.CancelFunc
}

func NewModule(cfg *sharedconfig.ProposalsConfig, session *discordgo.Session, handler *Handler) *Module {
	m := &Module{
		config:     cfg,
		session:    session,
		handler:    handler,
		log:        logging.For("discord"),
		runtimeCtx: context.Background(),
	}
	m.initHandlers()
	return m
}

// Name implements actions.Module.
func (m *Module) Name() string { return "proposals" }

func (m *Module) initHandlers() {
	m.session.AddHandler(m.onReady)
	m.session.AddHandler(m.onInteractionCreate)
}

func (m *Module) Start(ctx context.Context) error {
	m.runtimeCtx, m.cancel = context.WithCancel(ctx)
	if err := m.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	return nil
}

func (m *Module) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	if m.session != nil {
		if err := m.session.Close(); err != nil {
			m.log.Warn().Err(err).Msg("proposals: closing discord session")
		}
	}
}

func (m *Module) onReady(s *discordgo.Session, r *discordgo.Ready) {
	m.log.Info().Str("user", r.User.Username).Msg("proposals bot logged in")

	if err := shareddiscord.RegisterSlashCommands(s, m.config.Base.GuildID); err != nil {
		m.log.Error().Err(err).Msg("proposals: failed to register slash commands")
		return
	}
	m.log.Info().Msg("proposals: slash commands registered")
}

func (m *Module) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		m.handleCommand(s, i)
	case discordgo.InteractionMessageComponent:
		m.handleComponent(s, i)
	}
}

func (m *Module) handleCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	if _, ok := shareddiscord.CommandDefinition(data.Name); !ok {
		return
	}

	userID, err := interactionUser(i)
	if err != nil {
		m.log.Warn().Err(err).Str("command", data.Name).Msg("proposals: interaction without user")
		return
	}

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}); err != nil {
		m.log.Error().Err(err).Str("command", data.Name).Msg("proposals: defer response")
		return
	}

	req := Request{
		Command: data.Name,
		UserID:  userID,
		Options: commandOptions(data.Options),
	}
	if data.Name == shareddiscord.CommandDelete {
		req.Admin = shareddiscord.IsAdmin(s, i.GuildID, userID.String(), m.config.AdminUserID, m.config.AdminRoleID)
	}

	ctx, cancel := context.WithTimeout(m.runtimeCtx, commandTimeout)
	defer cancel()
	reply := m.handler.Handle(ctx, req)

	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &reply}); err != nil {
		m.log.Error().Err(err).Str("command", data.Name).Msg("proposals: edit response")
	}
}

func (m *Module) handleComponent(s *discordgo.Session, i *discordgo.InteractionCreate) {
	customID := i.MessageComponentData().CustomID
	id, ok := strings.CutPrefix(customID, shareddiscord.SubscribeButtonPrefix)
	if !ok {
		return
	}

	userID, err := interactionUser(i)
	if err != nil {
		m.log.Warn().Err(err).Str("custom_id", customID).Msg("proposals: button without user")
		return
	}

	ctx, cancel := context.WithTimeout(m.runtimeCtx, commandTimeout)
	defer cancel()
	reply := m.handler.Handle(ctx, Request{
		Command: shareddiscord.CommandSubscribe,
		UserID:  userID,
		Options: map[string]string{shareddiscord.OptionProposalID: id},
	})

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: reply,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}); err != nil {
		m.log.Error().Err(err).Str("proposal_id", id).Msg("proposals: respond to subscribe button")
	}
}

func interactionUser(i *discordgo.InteractionCreate) (lifecycle.UserID, error) {
	switch {
	case i.Member != nil && i.Member.User != nil:
		return lifecycle.ParseUserID(i.Member.User.ID)
	case i.User != nil:
		return lifecycle.ParseUserID(i.User.ID)
	}
	return 0, fmt.Errorf("interaction %s has no user", i.ID)
}

func commandOptions(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]string {
	out := make(map[string]string, len(opts))
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if opt.Type == discordgo.ApplicationCommandOptionString {
			out[opt.Name] = opt.StringValue()
		} else {
			out[opt.Name] = fmt.Sprint(opt.Value)
		}
	}
	return out
}
