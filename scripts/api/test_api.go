// Smoke check against a running proposal bot: health, proposal API and the
// redis event stream.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	baseURL  = getenv("API_URL", "http://localhost:8080")
	redisURL = getenv("REDIS_URL", "")
	log      = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	client := &http.Client{Timeout: 10 * time.Second}

	mustStatus(client, "/live", http.StatusOK)
	mustStatus(client, "/ready", http.StatusOK)

	var list struct {
		Proposals []struct {
			ID               string `json:"id"`
			Name             string `json:"name"`
			RemainingSeconds int64  `json:"remainingSeconds"`
		} `json:"proposals"`
	}
	getJSON(client, "/v1/proposals", &list)
	for _, p := range list.Proposals {
		log.Info().Str("id", p.ID).Str("name", p.Name).Int64("remaining_s", p.RemainingSeconds).Msg("active proposal")
		mustStatus(client, "/v1/proposals/"+url.PathEscape(p.ID), http.StatusOK)
	}
	mustStatus(client, "/v1/proposals/does-not-exist-"+fmt.Sprint(time.Now().UnixNano()), http.StatusNotFound)

	if redisURL != "" {
		checkStream()
	}

	fmt.Println("✓ all endpoints passed")
}

func mustStatus(client *http.Client, path string, want int) {
	resp, err := client.Get(baseURL + path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("request failed")
	}
	resp.Body.Close()
	if resp.StatusCode != want {
		log.Fatal().Str("path", path).Int("status", resp.StatusCode).Int("want", want).Msg("unexpected status")
	}
}

func getJSON(client *http.Client, path string, out interface{}) {
	resp, err := client.Get(baseURL + path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatal().Str("path", path).Int("status", resp.StatusCode).Msg("unexpected status")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("decode")
	}
}

func checkStream() {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis url")
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := rdb.XRevRangeN(ctx, "proposals.events", "+", "-", 5).Result()
	if err != nil {
		log.Fatal().Err(err).Msg("read event stream")
	}
	for _, m := range msgs {
		log.Info().Str("stream_id", m.ID).Interface("event", m.Values).Msg("recent event")
	}
}
