// Package notify pushes per-turn summaries to a Discord channel. Delivery
// is strictly best effort; the loop never blocks or fails on it.
package notify

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bwmarrin/discordgo"

	"franz/internal/config"
	"franz/internal/reconcile"
)

const maxMessageLen = 1900

type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	errw      func(format string, args ...any)
}

func NewDiscord(cfg config.DiscordConfig) (*DiscordNotifier, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" && cfg.TokenEnv != "" {
		token = strings.TrimSpace(os.Getenv(cfg.TokenEnv))
	}
	if token == "" {
		return nil, fmt.Errorf("discord token is missing (set %s or discord.token)", cfg.TokenEnv)
	}
	channelID := strings.TrimSpace(cfg.ChannelID)
	if channelID == "" {
		return nil, fmt.Errorf("discord.channel_id is required")
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordNotifier{
		session:   session,
		channelID: channelID,
		errw: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, "[notify] "+format+"\n", args...)
		},
	}, nil
}

func (n *DiscordNotifier) Close() error {
	if n == nil || n.session == nil {
		return nil
	}
	return n.session.Close()
}

func (n *DiscordNotifier) NotifyTurn(_ context.Context, turn int, report reconcile.Report, response string) {
	if n == nil || n.session == nil {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**turn %d** executed=%d ignored=%d", turn, len(report.Executed), len(report.Ignored))
	if report.WantsScreenshot {
		b.WriteString(" screenshot")
	}
	b.WriteString("\n")
	for _, s := range report.Executed {
		b.WriteString("`" + s + "`\n")
	}
	if resp := strings.TrimSpace(response); resp != "" {
		b.WriteString("```\n")
		b.WriteString(resp)
		b.WriteString("\n```")
	}

	msg := truncate(b.String(), maxMessageLen)
	if _, err := n.session.ChannelMessageSend(n.channelID, msg); err != nil {
		n.errw("discord send failed: %v", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	// back off to a rune boundary
	for len(cut) > 0 && cut[len(cut)-1]&0xC0 == 0x80 {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
