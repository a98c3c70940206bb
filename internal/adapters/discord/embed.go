package discord

import (
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/PabloGalante/intel-relay/internal/adapters/present"
)

// Discord embed limits.
const (
	maxTitle       = 256
	maxDescription = 4096
	maxFieldName   = 256
	maxFieldValue  = 1024
	maxFooter      = 2048
	maxFields      = 25
)

// Embed converts a card into a Discord embed, truncating to Discord's limits.
func Embed(c present.Card) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       present.Truncate(c.Title, maxTitle),
		Description: present.Truncate(c.Description, maxDescription),
		Color:       c.Color,
	}
	if !c.Timestamp.IsZero() {
		e.Timestamp = c.Timestamp.UTC().Format(time.RFC3339)
	}
	if c.Thumbnail != "" {
		e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: c.Thumbnail}
	}
	if c.Footer != "" {
		e.Footer = &discordgo.MessageEmbedFooter{Text: present.Truncate(c.Footer, maxFooter)}
	}

	for i, f := range c.Fields {
		if i == maxFields {
			break
		}
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name:   present.Truncate(f.Name, maxFieldName),
			Value:  present.Truncate(f.Value, maxFieldValue),
			Inline: f.Inline,
		})
	}
	return e
}

func Embeds(cards []present.Card) []*discordgo.MessageEmbed {
	out := make([]*discordgo.MessageEmbed, 0, len(cards))
	for _, c := range cards {
		out = append(out, Embed(c))
	}
	return out
}
