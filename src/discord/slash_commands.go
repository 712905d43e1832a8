package discord

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

const (
	CommandNew            = "new"
	CommandVeto           = "veto"
	CommandSubscribe      = "subscribe"
	CommandSubscribeAll   = "subscribe-all"
	CommandUnsubscribeAll = "unsubscribe-all"
	CommandList           = "list"
	CommandDelete         = "delete"
	CommandHelp           = "help"
)

const (
	OptionName       = "name"
	OptionProposalID = "proposal_id"
	OptionTime       = "time"

	VetoTimeNow      = "now"
	VetoTimeDeadline = "deadline"
)

func proposalIDOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        OptionProposalID,
		Description: description,
		Required:    true,
	}
}

var commandDefinitions = map[string]*discordgo.ApplicationCommand{
	CommandNew: {
		Name:        CommandNew,
		Description: "Propose a new member",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        OptionName,
				Description: "Name of the proposed member",
				Required:    true,
				MaxLength:   80,
			},
		},
	},
	CommandVeto: {
		Name:        CommandVeto,
		Description: "Veto a member proposal",
		Options: []*discordgo.ApplicationCommandOption{
			proposalIDOption("ID of the proposal to veto"),
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        OptionTime,
				Description: "When to apply the veto",
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "Now", Value: VetoTimeNow},
					{Name: "At deadline", Value: VetoTimeDeadline},
				},
			},
		},
	},
	CommandSubscribe: {
		Name:        CommandSubscribe,
		Description: "Get a direct message when a proposal changes status",
		Options:     []*discordgo.ApplicationCommandOption{proposalIDOption("ID of the proposal to follow")},
	},
	CommandSubscribeAll: {
		Name:        CommandSubscribeAll,
		Description: "Get a direct message for every new proposal",
	},
	CommandUnsubscribeAll: {
		Name:        CommandUnsubscribeAll,
		Description: "Stop direct messages for new proposals",
	},
	CommandList: {
		Name:        CommandList,
		Description: "List active member proposals",
	},
	CommandDelete: {
		Name:        CommandDelete,
		Description: "Delete a member proposal (admin only)",
		Options:     []*discordgo.ApplicationCommandOption{proposalIDOption("ID of the proposal to delete")},
	},
	CommandHelp: {
		Name:        CommandHelp,
		Description: "Explain how member proposals work",
	},
}

var defaultCommandOrder = []string{
	CommandNew,
	CommandVeto,
	CommandSubscribe,
	CommandSubscribeAll,
	CommandUnsubscribeAll,
	CommandList,
	CommandDelete,
	CommandHelp,
}

// CommandDefinition returns the registered definition for name.
func CommandDefinition(name string) (*discordgo.ApplicationCommand, bool) {
	def, ok := commandDefinitions[name]
	return def, ok
}

// RegisterSlashCommands registers the requested slash commands for a guild.
// When no command names are provided, all known commands are registered.
func RegisterSlashCommands(s *discordgo.Session, guildID string, names ...string) error {
	if guildID == "" {
		return fmt.Errorf("discord: guildID is required to register slash commands")
	}

	if len(names) == 0 {
		names = defaultCommandOrder
	}

	var failures []string
	for _, name := range names {
		definition, ok := commandDefinitions[name]
		if !ok {
			log.Warn().Str("command", name).Msg("discord: unknown slash command")
			continue
		}

		_, err := s.ApplicationCommandCreate(s.State.User.ID, guildID, definition)
		if err != nil {
			if isDuplicateCommandError(err) {
				log.Debug().Str("command", name).Msg("discord: slash command already registered")
				continue
			}
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
			log.Error().Err(err).Str("command", name).Msg("discord: failed to register command")
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("discord: slash command registration errors: %s", strings.Join(failures, "; "))
	}

	return nil
}

// DeleteSlashCommands removes all registered slash commands for a guild.
func DeleteSlashCommands(s *discordgo.Session, guildID string) error {
	if guildID == "" {
		return fmt.Errorf("discord: guildID is required to delete slash commands")
	}

	commands, err := s.ApplicationCommands(s.State.User.ID, guildID)
	if err != nil {
		return err
	}

	for _, cmd := range commands {
		if err := s.ApplicationCommandDelete(s.State.User.ID, guildID, cmd.ID); err != nil {
			return err
		}
	}

	return nil
}

func isDuplicateCommandError(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		if restErr.Message != nil {
			msg := strings.ToLower(restErr.Message.Message)
			if strings.Contains(msg, "already exists") {
				return true
			}
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "50035") && strings.Contains(msg, "already exists")
}
