package discord

import (
	"strings"
)

// ParseContent extracts a command name and its arguments from a message.
// "<prefix>name args" is a command; a message mentioning the bot is a
// "mention" command whose arguments are the text without the mention.
// ok is false for messages the bot should ignore.
func ParseContent(content, prefix, botID string) (name, args string, ok bool) {
	content = strings.TrimSpace(content)

	if prefix != "" && strings.HasPrefix(content, prefix) {
		rest := strings.TrimSpace(content[len(prefix):])
		if rest == "" {
			return "", "", false
		}
		name, args, _ = strings.Cut(rest, " ")
		return strings.ToLower(name), strings.TrimSpace(args), true
	}

	if botID == "" {
		return "", "", false
	}
	mentioned := false
	for _, tag := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		if strings.Contains(content, tag) {
			mentioned = true
			content = strings.ReplaceAll(content, tag, "")
		}
	}
	if !mentioned {
		return "", "", false
	}
	return "mention", strings.Join(strings.Fields(content), " "), true
}
