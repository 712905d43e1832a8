package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stake-plus/member-proposals/src/data"
	"gorm.io/gorm"
)

// Base contains common configuration fields
type Base struct {
	Token   string
	GuildID string
}

// LoadBase loads common configuration (discord token, guild ID)
func LoadBase(db *gorm.DB) Base {
	if err := data.LoadSettings(db); err != nil {
		log.Warn().Err(err).Msg("config: settings table unavailable, using environment")
	}

	return Base{
		Token:   GetSetting("discord_token", "DISCORD_TOKEN", ""),
		GuildID: GetSetting("guild_id", "GUILD_ID", ""),
	}
}

// GetSetting retrieves a setting with env fallback
func GetSetting(name, envKey, defaultValue string) string {
	val := data.GetSetting(name)
	if val == "" && envKey != "" {
		val = os.Getenv(envKey)
	}
	if val == "" {
		val = defaultValue
	}
	return strings.TrimSpace(val)
}

func getBoolSetting(settingKey, envKey string, defaultValue bool) bool {
	return parseBoolDefault(GetSetting(settingKey, envKey, ""), defaultValue)
}

func getIntSetting(settingKey, envKey string, defaultValue int) int {
	raw := GetSetting(settingKey, envKey, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("setting", settingKey).Str("value", raw).Msg("config: not an integer, using default")
		return defaultValue
	}
	return v
}

func getSecondsSetting(settingKey, envKey string, defaultValue time.Duration) time.Duration {
	secs := getIntSetting(settingKey, envKey, int(defaultValue/time.Second))
	return time.Duration(secs) * time.Second
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
