package present

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/PabloGalante/intel-relay/internal/app/conversation"
	"github.com/PabloGalante/intel-relay/internal/domain"
)

const timeLayout = "2006-01-02 15:04:05"

// Renderer turns coordinator replies into cards.
type Renderer struct {
	botName string
	prefix  string
	now     func() time.Time
}

func NewRenderer(botName, prefix string) *Renderer {
	if botName == "" {
		botName = "911 Intel"
	}
	if prefix == "" {
		prefix = ">"
	}
	return &Renderer{botName: botName, prefix: prefix, now: time.Now}
}

// Render returns the cards for reply. A cancelled request renders nothing.
func (r *Renderer) Render(reply conversation.Reply) []Card {
	if reply.Err != nil {
		return r.renderError(reply)
	}

	switch cmd := reply.Command.(type) {
	case conversation.Ask:
		return r.completion(reply, "🤖 Response", ColorBlue)
	case conversation.Analyze:
		return r.completion(reply, analysisTitle(cmd.Kind), ColorOrange)
	case conversation.Search:
		return r.search(reply, cmd)
	case conversation.Forget:
		return []Card{r.forget(reply, cmd)}
	case conversation.Status:
		return []Card{r.status(reply)}
	case conversation.Expiry:
		return []Card{r.expiry(reply)}
	case conversation.Help:
		return []Card{r.help()}
	case conversation.Greeting:
		return []Card{r.greeting(reply)}
	default:
		return []Card{r.card("❓ Command Not Found", r.unknownCommandText(), ColorRed)}
	}
}

// RenderError renders a failure that happened before a command could be dispatched.
func (r *Renderer) RenderError(err error) []Card {
	return r.renderError(conversation.Reply{Err: err})
}

func (r *Renderer) card(title, description string, color int) Card {
	return Card{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   r.now(),
	}
}

func (r *Renderer) footer(reply conversation.Reply) string {
	if reply.DisplayName == "" {
		return r.botName
	}
	return fmt.Sprintf("Requested by %s | %s", reply.DisplayName, r.botName)
}

func (r *Renderer) completion(reply conversation.Reply, title string, color int) []Card {
	chunks := Split(reply.Completion, MaxDescription)
	cards := make([]Card, 0, len(chunks))
	for i, chunk := range chunks {
		t := title
		if len(chunks) > 1 {
			if i == 0 {
				t = fmt.Sprintf("%s (1/%d)", title, len(chunks))
			} else {
				t = fmt.Sprintf("%s (continued %d/%d)", title, i+1, len(chunks))
			}
		}
		cards = append(cards, r.card(t, chunk, color))
	}

	last := &cards[len(cards)-1]
	if reply.SessionWasReset {
		last.Fields = append(last.Fields, Field{
			Name:  "Memory",
			Value: "Your previous conversation had expired, so I started fresh.",
		})
	}
	if !reply.Stored {
		last.Fields = append(last.Fields, Field{
			Name:  "Note",
			Value: "This exchange was not remembered because your conversation was reset while I was answering.",
		})
	}
	last.Footer = r.footer(reply)
	return cards
}

// Limits for the sources listed under a search answer.
const (
	maxSources    = 5
	maxSourceText = 900
)

func (r *Renderer) search(reply conversation.Reply, cmd conversation.Search) []Card {
	if len(reply.Sources) == 0 {
		c := r.card("😕 No Results", "Sorry, I couldn't find any relevant search results.", ColorYellow)
		c.Footer = r.footer(reply)
		return []Card{c}
	}

	// Search answers are never remembered, so the unstored note does not apply.
	reply.Stored = true
	cards := r.completion(reply, "🔍 Search results for: "+cmd.Query, ColorOrange)
	cards[0].Thumbnail = reply.Sources[0].Thumbnail

	last := &cards[len(cards)-1]
	last.Fields = append(last.Fields, Field{Name: "📚 Sources", Value: sourcesText(reply.Sources)})
	return cards
}

func sourcesText(sources []domain.SearchResult) string {
	var b strings.Builder
	for i, src := range sources {
		if i == maxSources {
			break
		}
		fmt.Fprintf(&b, "[%d] [%s](%s)\n", i+1, src.Title, src.Link)
		if b.Len() > maxSourceText {
			b.WriteString("...(more results available)")
			break
		}
	}
	return b.String()
}

func analysisTitle(kind domain.MediaKind) string {
	switch kind {
	case domain.MediaVideo:
		return "🎬 Video Analysis"
	case domain.MediaAudio:
		return "🎵 Audio Analysis"
	default:
		return "🖼️ Image Analysis"
	}
}

func (r *Renderer) forget(reply conversation.Reply, cmd conversation.Forget) Card {
	c := r.card("🧹 Memory Reset", "", ColorGreen)
	if cmd.Scope == conversation.ForgetAll {
		c.Description = fmt.Sprintf("I've cleared %d conversation(s)!", reply.Cleared)
		c.Fields = []Field{{Name: "Details", Value: "Reset: all users"}}
	} else if reply.Cleared > 0 {
		c.Description = "I've forgotten our conversation history!"
	} else {
		c.Description = "There was no conversation history to forget."
	}
	c.Footer = r.footer(reply)
	return c
}

func (r *Renderer) status(reply conversation.Reply) Card {
	c := r.card(fmt.Sprintf("🤖 %s Status", r.botName),
		fmt.Sprintf("Here's the current status of %s.", r.botName), ColorTeal)
	st := reply.Status
	if st == nil {
		return c
	}

	c.Fields = []Field{
		{Name: "Bot Status", Value: "✅ Online", Inline: true},
		{Name: "Model", Value: orDash(st.ModelName), Inline: true},
		{Name: "Uptime", Value: formatDuration(st.Uptime), Inline: true},
		{Name: "Active Conversations", Value: fmt.Sprintf("%d", st.Sessions.Active), Inline: true},
		{Name: "Your Conversation", Value: expirySummary(st.Expiry), Inline: true},
	}
	if st.Usage.User.Enabled {
		c.Fields = append(c.Fields, Field{
			Name:   "Your Requests",
			Value:  fmt.Sprintf("%d/%d per %s", st.Usage.User.Used, st.Usage.User.Limit, windowLabel(st.Usage.User.Window)),
			Inline: true,
		})
	}
	if st.Usage.Global.Enabled {
		c.Fields = append(c.Fields, Field{
			Name:   "All Requests",
			Value:  fmt.Sprintf("%d/%d per %s", st.Usage.Global.Used, st.Usage.Global.Limit, windowLabel(st.Usage.Global.Window)),
			Inline: true,
		})
	}
	c.Footer = r.footer(reply)
	return c
}

func expirySummary(rep conversation.ExpiryReport) string {
	switch {
	case !rep.HasSession:
		return "No active conversation"
	case rep.Expired:
		return "Expired, resets on your next message"
	default:
		return fmt.Sprintf("Expires in %d days", int(rep.Remaining.Hours())/24)
	}
}

func (r *Renderer) expiry(reply conversation.Reply) Card {
	rep := reply.Expiry
	if rep == nil || !rep.HasSession {
		c := r.card("No Active Conversation", "You don't have an active conversation yet.", ColorTeal)
		c.Footer = r.footer(reply)
		return c
	}

	c := r.card("Conversation Expiry", "", ColorTeal)
	if rep.Expired {
		c.Description = "Your conversation has expired and will reset with your next message."
	} else {
		hours := int(rep.Remaining.Hours())
		c.Description = fmt.Sprintf("Your conversation will automatically reset in %d days and %d hours.", hours/24, hours%24)
	}
	c.Fields = []Field{
		{Name: "Last Activity", Value: rep.LastActivityAt.UTC().Format(timeLayout), Inline: true},
		{Name: "Expires", Value: rep.ExpiresAt.UTC().Format(timeLayout), Inline: true},
	}
	c.Footer = r.footer(reply)
	return c
}

func (r *Renderer) help() Card {
	c := r.card(fmt.Sprintf("🤖 %s Commands", r.botName),
		fmt.Sprintf("Here are all the commands you can use with %s:", r.botName), ColorPurple)
	p := r.prefix
	c.Fields = []Field{
		{Name: p + "ask <question>", Value: "Ask a question. Mentioning the bot works too."},
		{Name: p + "image", Value: "Describe an attached image."},
		{Name: p + "video", Value: "Describe an attached video."},
		{Name: p + "audio", Value: "Transcribe and analyze an attached audio file."},
		{Name: p + "search <query>", Value: "Search the web and summarise the results with sources."},
		{Name: p + "forget [user|all]", Value: "Reset your conversation history. `all` is for administrators."},
		{Name: p + "status", Value: "Show bot status and your remaining quota."},
		{Name: p + "expiry", Value: "Show when your conversation will reset."},
		{Name: p + "help", Value: "Show this message."},
	}
	c.Footer = r.botName
	return c
}

func (r *Renderer) greeting(reply conversation.Reply) Card {
	name := reply.DisplayName
	if name == "" {
		name = "there"
	}
	c := r.card("👋 Hello there!", fmt.Sprintf(
		"I'm **%s**, an AI assistant.\n\n"+
			"Try commands like `%sask`, `%simage` or `%shelp` to see what I can do.\n\n"+
			"What intelligence can I gather for you today, %s?",
		r.botName, r.prefix, r.prefix, r.prefix, name), ColorBlue)
	c.Footer = r.botName
	return c
}

func (r *Renderer) unknownCommandText() string {
	return fmt.Sprintf("Command not found. Type `%shelp` to see available commands.", r.prefix)
}

func (r *Renderer) renderError(reply conversation.Reply) []Card {
	err := reply.Err

	var rl *domain.RateLimitedError
	if errors.As(err, &rl) {
		secs := math.Ceil(rl.RetryAfter.Seconds()*10) / 10
		if rl.Scope == domain.ScopeGlobal {
			return []Card{r.card("⚠️ Global Rate Limit Reached",
				fmt.Sprintf("The bot is handling too many requests right now. Please try again in %.1f seconds.", secs), ColorYellow)}
		}
		return []Card{r.card("⚠️ Rate Limit Reached",
			fmt.Sprintf("You're sending messages too quickly! Please wait %.1f seconds before trying again.", secs), ColorYellow)}
	}

	if errors.Is(err, domain.ErrAuthorizationDenied) {
		return []Card{r.card("❌ Permission Denied", "Only administrators can clear all conversations.", ColorRed)}
	}
	if errors.Is(err, domain.ErrUnknownCommand) {
		return []Card{r.card("❓ Command Not Found", r.unknownCommandText(), ColorRed)}
	}

	var ue *domain.UpstreamError
	if errors.As(err, &ue) {
		switch ue.Kind {
		case domain.FailureCancelled:
			return nil
		case domain.FailureInvalidInput:
			title := "❌ Invalid Request"
			if _, ok := reply.Command.(conversation.Search); ok {
				title = "❌ Search Error"
			}
			if an, ok := reply.Command.(conversation.Analyze); ok && an.Attachment == nil {
				title = "❌ Missing " + capitalize(string(an.Kind))
			}
			desc := ue.Public
			if desc == "" {
				desc = "The request could not be processed."
			}
			return []Card{r.card(title, desc, ColorRed)}
		case domain.FailureTimeout:
			return []Card{r.card("⌛ Timed Out", "The AI took too long to answer. Please try again.", ColorYellow)}
		case domain.FailureQuotaExceeded:
			return []Card{r.card("⚠️ AI Quota Reached", "The AI service is over its quota right now. Please try again later.", ColorYellow)}
		}
	}

	if _, ok := reply.Command.(conversation.Search); ok {
		return []Card{r.card("❌ Search Error", "I couldn't complete that web search. Please try again later.", ColorRed)}
	}
	return []Card{r.card("❌ Error", "I'm experiencing technical difficulties. Please try again later.", ColorRed)}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func windowLabel(d time.Duration) string {
	switch d {
	case time.Minute:
		return "minute"
	case time.Hour:
		return "hour"
	default:
		return formatDuration(d)
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	days := int(d / (24 * time.Hour))
	rest := (d % (24 * time.Hour)).Truncate(time.Second)
	if days > 0 {
		return fmt.Sprintf("%dd %s", days, rest)
	}
	return rest.String()
}
