package discord

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/voxbridge/voxbridge/internal/session"
)

const (
	embedColorGreen = 0x2ECC71
	embedColorRed   = 0xE74C3C
)

// statusEmbed renders the /status response from the server-wide stats.
func statusEmbed(snap session.Snapshot, participants int) *discordgo.MessageEmbed {
	color := embedColorGreen
	if snap.Errors > 0 {
		color = embedColorRed
	}

	embed := &discordgo.MessageEmbed{
		Title: "VoxBridge status",
		Color: color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Voice participants", Value: fmt.Sprintf("%d", participants), Inline: true},
			{Name: "Turns", Value: fmt.Sprintf("%d", snap.Turns), Inline: true},
			{Name: "Errors", Value: fmt.Sprintf("%d", snap.Errors), Inline: true},
		},
	}
	if lat := latencyField(snap); lat != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Latency (mean / min / max ms)",
			Value: lat,
		})
	}
	return embed
}

func latencyField(snap session.Snapshot) string {
	names := make([]string, 0, len(snap.Latencies))
	for name, a := range snap.Latencies {
		if a.Samples > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		a := snap.Latencies[name]
		fmt.Fprintf(&sb, "`%s` %.0f / %.0f / %.0f\n", name, a.MeanMS, a.MinMS, a.MaxMS)
	}
	return strings.TrimRight(sb.String(), "\n")
}
