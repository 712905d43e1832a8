package discord

import "github.com/bwmarrin/discordgo"

// MemberLookup is the part of a session HasRole needs.
type MemberLookup interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
}

// HasRole checks whether a user has a role in a guild. Empty roleID always returns true.
func HasRole(s MemberLookup, guildID, userID, roleID string) bool {
	if roleID == "" {
		return true
	}
	member, err := s.GuildMember(guildID, userID)
	if err != nil {
		return false
	}
	for _, role := range member.Roles {
		if role == roleID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether userID is the configured admin user or holds the
// admin role. With neither configured nobody is an admin.
func IsAdmin(s MemberLookup, guildID, userID, adminUserID, adminRoleID string) bool {
	if adminUserID != "" && userID == adminUserID {
		return true
	}
	if adminRoleID == "" {
		return false
	}
	return HasRole(s, guildID, userID, adminRoleID)
}
