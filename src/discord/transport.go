package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/stake-plus/member-proposals/src/lifecycle"
)

// SubscribeButtonPrefix prefixes the custom id of announcement subscribe buttons.
const SubscribeButtonPrefix = "proposal_subscribe:"

// MessageAPI is the subset of *discordgo.Session used to deliver messages.
type MessageAPI interface {
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var (
	_ lifecycle.Messenger = (*DirectMessenger)(nil)
	_ lifecycle.Announcer = (*ChannelAnnouncer)(nil)
)

// DirectMessenger sends notifications as direct messages.
type DirectMessenger struct {
	api      MessageAPI
	channels sync.Map // user id -> DM channel id
}

// NewDirectMessenger creates a messenger over api.
func NewDirectMessenger(api MessageAPI) *DirectMessenger {
	return &DirectMessenger{api: api}
}

// SendDirect implements lifecycle.Messenger.
func (m *DirectMessenger) SendDirect(ctx context.Context, user lifecycle.UserID, message string) error {
	channelID, err := m.dmChannel(ctx, user.String())
	if err != nil {
		return fmt.Errorf("open dm channel: %w", err)
	}
	_, err = m.api.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         message,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	return err
}

func (m *DirectMessenger) dmChannel(ctx context.Context, userID string) (string, error) {
	if id, ok := m.channels.Load(userID); ok {
		return id.(string), nil
	}
	ch, err := m.api.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	m.channels.Store(userID, ch.ID)
	return ch.ID, nil
}

// ChannelAnnouncer posts proposal announcements to a fixed channel. Refs have
// the form "<channel id>:<message id>" so announcements survive a channel change.
type ChannelAnnouncer struct {
	api       MessageAPI
	channelID string
}

// NewChannelAnnouncer creates an announcer posting to channelID.
func NewChannelAnnouncer(api MessageAPI, channelID string) *ChannelAnnouncer {
	return &ChannelAnnouncer{api: api, channelID: channelID}
}

// Announce implements lifecycle.Announcer.
func (a *ChannelAnnouncer) Announce(ctx context.Context, ann lifecycle.Announcement) (string, error) {
	if a.channelID == "" {
		return "", fmt.Errorf("announce: channel not configured")
	}
	msg, err := a.api.ChannelMessageSendComplex(a.channelID, &discordgo.MessageSend{
		Content:         ann.Text,
		Components:      announcementComponents(ann),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return FormatMessageRef(msg.ChannelID, msg.ID), nil
}

// UpdateAnnouncement implements lifecycle.Announcer. When the original
// message is gone it is replaced by a new one.
func (a *ChannelAnnouncer) UpdateAnnouncement(ctx context.Context, ref string, ann lifecycle.Announcement) (string, error) {
	channelID, messageID, ok := ParseMessageRef(ref)
	if !ok {
		return a.Announce(ctx, ann)
	}

	content := ann.Text
	components := announcementComponents(ann)
	_, err := a.api.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:         messageID,
		Channel:    channelID,
		Content:    &content,
		Components: &components,
	}, discordgo.WithContext(ctx))
	if err == nil {
		return ref, nil
	}
	if !isUnknownMessage(err) {
		return "", err
	}
	return a.Announce(ctx, ann)
}

func announcementComponents(ann lifecycle.Announcement) []discordgo.MessageComponent {
	if !ann.Open {
		return []discordgo.MessageComponent{}
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Subscribe",
					Style:    discordgo.PrimaryButton,
					CustomID: SubscribeButtonPrefix + ann.ProposalID,
				},
			},
		},
	}
}

// FormatMessageRef builds an announcement ref.
func FormatMessageRef(channelID, messageID string) string {
	return channelID + ":" + messageID
}

// ParseMessageRef splits an announcement ref.
func ParseMessageRef(ref string) (channelID, messageID string, ok bool) {
	channelID, messageID, ok = strings.Cut(ref, ":")
	if !ok || channelID == "" || messageID == "" {
		return "", "", false
	}
	return channelID, messageID, true
}

func isUnknownMessage(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownMessage {
		return true
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}
