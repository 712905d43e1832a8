package config

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// DefaultVotingWindow is 48 hours.
const DefaultVotingWindow = 48 * time.Hour

// ProposalsConfig holds the member proposal bot configuration.
type ProposalsConfig struct {
	Base
	AnnounceChannelID string
	AdminUserID       string
	AdminRoleID       string
	VotingWindow      time.Duration
	NotifyWorkers     int
	CreateCooldown    time.Duration
	HTTPAddr          string
	HTTPAllowOrigins  []string
	RedisURL          string
	EventStreamMaxLen int64
	EnableDiscord     bool
	EnableHTTP        bool
}

// LoadProposalsConfig loads the bot configuration from settings and environment.
func LoadProposalsConfig(db *gorm.DB) ProposalsConfig {
	base := LoadBase(db)

	return ProposalsConfig{
		Base:              base,
		AnnounceChannelID: GetSetting("announce_channel_id", "ANNOUNCE_CHANNEL_ID", ""),
		AdminUserID:       GetSetting("admin_user_id", "ADMIN_USER_ID", ""),
		AdminRoleID:       GetSetting("admin_role_id", "ADMIN_ROLE_ID", ""),
		VotingWindow:      getSecondsSetting("voting_window_seconds", "VOTING_WINDOW_SECONDS", DefaultVotingWindow),
		NotifyWorkers:     getIntSetting("notify_workers", "NOTIFY_WORKERS", 8),
		CreateCooldown:    getSecondsSetting("create_cooldown_seconds", "CREATE_COOLDOWN_SECONDS", 30*time.Second),
		HTTPAddr:          GetSetting("http_addr", "HTTP_ADDR", ":8080"),
		HTTPAllowOrigins:  splitList(GetSetting("http_allow_origins", "HTTP_ALLOW_ORIGINS", "")),
		RedisURL:          GetSetting("redis_url", "REDIS_URL", ""),
		EventStreamMaxLen: int64(getIntSetting("event_stream_max_len", "EVENT_STREAM_MAX_LEN", 10000)),
		EnableDiscord:     getBoolSetting("enable_discord", "ENABLE_DISCORD", true),
		EnableHTTP:        getBoolSetting("enable_http", "ENABLE_HTTP", true),
	}
}

// Validate checks values the engine cannot run without.
func (c ProposalsConfig) Validate() error {
	if c.VotingWindow <= 0 {
		return fmt.Errorf("config: voting window must be positive, got %s", c.VotingWindow)
	}
	if c.EnableDiscord {
		if c.Token == "" {
			return fmt.Errorf("config: discord token is required (DISCORD_TOKEN)")
		}
		if c.GuildID == "" {
			return fmt.Errorf("config: guild id is required (GUILD_ID)")
		}
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
