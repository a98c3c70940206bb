package present_test

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/intel-relay/internal/adapters/present"
	"github.com/PabloGalante/intel-relay/internal/app/conversation"
	"github.com/PabloGalante/intel-relay/internal/app/ratelimit"
	"github.com/PabloGalante/intel-relay/internal/domain"
)

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"short"}, present.Split("short", 10))

	text := strings.Repeat("é", 9000)
	chunks := present.Split(text, present.MaxDescription)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), present.MaxDescription)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))

	lines := strings.Repeat("line of text\n", 10)
	chunks = present.Split(lines, 30)
	for _, c := range chunks[:len(chunks)-1] {
		assert.True(t, strings.HasSuffix(c, "\n"), "chunk %q should end at a line break", c)
	}
	assert.Equal(t, lines, strings.Join(chunks, ""))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", present.Truncate("abc", 5))
	assert.Equal(t, "abcd…", present.Truncate("abcdefgh", 5))
}

func TestRenderLongCompletionIsSplit(t *testing.T) {
	r := present.NewRenderer("", "")
	cards := r.Render(conversation.Reply{
		Command:     conversation.Ask{Question: "essay"},
		DisplayName: "Alice",
		Completion:  strings.Repeat("x", 4500),
		Stored:      true,
	})
	require.Len(t, cards, 2)
	assert.Equal(t, "🤖 Response (1/2)", cards[0].Title)
	assert.Equal(t, "🤖 Response (continued 2/2)", cards[1].Title)
	assert.Equal(t, present.ColorBlue, cards[0].Color)
	assert.Equal(t, "Requested by Alice | 911 Intel", cards[1].Footer)
	assert.Empty(t, cards[1].Fields)
}

func TestRenderNotes(t *testing.T) {
	r := present.NewRenderer("", "")
	cards := r.Render(conversation.Reply{
		Command:         conversation.Ask{Question: "q"},
		Completion:      "a",
		SessionWasReset: true,
	})
	require.Len(t, cards, 1)
	require.Len(t, cards[0].Fields, 2)
	assert.Equal(t, "Memory", cards[0].Fields[0].Name)
	assert.Equal(t, "Note", cards[0].Fields[1].Name)
}

func TestRenderErrors(t *testing.T) {
	r := present.NewRenderer("", ">")

	tests := []struct {
		name  string
		reply conversation.Reply
		title string
		color int
		desc  string
	}{
		{
			name:  "user rate limit",
			reply: conversation.Reply{Err: &domain.RateLimitedError{Scope: domain.ScopeUser, RetryAfter: 12 * time.Second}},
			title: "⚠️ Rate Limit Reached",
			color: present.ColorYellow,
			desc:  "12.0 seconds",
		},
		{
			name:  "global rate limit",
			reply: conversation.Reply{Err: &domain.RateLimitedError{Scope: domain.ScopeGlobal, RetryAfter: time.Second}},
			title: "⚠️ Global Rate Limit Reached",
			color: present.ColorYellow,
		},
		{
			name:  "denied",
			reply: conversation.Reply{Err: domain.ErrAuthorizationDenied},
			title: "❌ Permission Denied",
			color: present.ColorRed,
		},
		{
			name:  "missing attachment",
			reply: conversation.Reply{Command: conversation.Analyze{Kind: domain.MediaAudio}, Err: domain.InvalidInput("Please attach an audio file to analyze.")},
			title: "❌ Missing Audio",
			color: present.ColorRed,
			desc:  "Please attach an audio file to analyze.",
		},
		{
			name:  "timeout",
			reply: conversation.Reply{Err: &domain.UpstreamError{Kind: domain.FailureTimeout}},
			title: "⌛ Timed Out",
			color: present.ColorYellow,
		},
		{
			name:  "unknown failure hides cause",
			reply: conversation.Reply{Err: &domain.UpstreamError{Kind: domain.FailureUnknown, Err: errors.New("secret stack trace")}},
			title: "❌ Error",
			color: present.ColorRed,
		},
		{
			name:  "unknown command",
			reply: conversation.Reply{Err: domain.ErrUnknownCommand},
			title: "❓ Command Not Found",
			color: present.ColorRed,
			desc:  ">help",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cards := r.Render(tt.reply)
			require.Len(t, cards, 1)
			assert.Equal(t, tt.title, cards[0].Title)
			assert.Equal(t, tt.color, cards[0].Color)
			assert.NotContains(t, cards[0].Description, "secret")
			if tt.desc != "" {
				assert.Contains(t, cards[0].Description, tt.desc)
			}
		})
	}

	assert.Empty(t, r.Render(conversation.Reply{Err: &domain.UpstreamError{Kind: domain.FailureCancelled}}))
}

func TestRenderStatusAndExpiry(t *testing.T) {
	r := present.NewRenderer("", "")

	cards := r.Render(conversation.Reply{
		Command: conversation.Status{},
		Status: &conversation.StatusReport{
			ModelName: "gemini-2.5-flash",
			Uptime:    26 * time.Hour,
			Sessions:  domain.StoreStats{Total: 4, Active: 3},
			Usage: ratelimit.Usage{
				User:   ratelimit.TierUsage{Enabled: true, Used: 2, Limit: 5, Window: time.Minute},
				Global: ratelimit.TierUsage{Enabled: true, Used: 7, Limit: 30, Window: time.Minute},
			},
			Expiry: conversation.ExpiryReport{HasSession: true, Remaining: 50 * time.Hour},
		},
	})
	require.Len(t, cards, 1)
	values := map[string]string{}
	for _, f := range cards[0].Fields {
		values[f.Name] = f.Value
	}
	assert.Equal(t, "3", values["Active Conversations"])
	assert.Equal(t, "2/5 per minute", values["Your Requests"])
	assert.Equal(t, "7/30 per minute", values["All Requests"])
	assert.Equal(t, "Expires in 2 days", values["Your Conversation"])
	assert.Equal(t, "1d 2h0m0s", values["Uptime"])

	last := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cards = r.Render(conversation.Reply{
		Command: conversation.Expiry{},
		Expiry: &conversation.ExpiryReport{
			HasSession:     true,
			LastActivityAt: last,
			ExpiresAt:      last.Add(7 * 24 * time.Hour),
			Remaining:      3*24*time.Hour + 5*time.Hour,
		},
	})
	require.Len(t, cards, 1)
	assert.Contains(t, cards[0].Description, "3 days and 5 hours")
	assert.Equal(t, "2026-01-09 03:04:05", cards[0].Fields[1].Value)

	cards = r.Render(conversation.Reply{Command: conversation.Expiry{}, Expiry: &conversation.ExpiryReport{}})
	assert.Equal(t, "No Active Conversation", cards[0].Title)
}

func TestRenderForgetAndHelp(t *testing.T) {
	r := present.NewRenderer("", "!")

	cards := r.Render(conversation.Reply{Command: conversation.Forget{Scope: conversation.ForgetAll}, Cleared: 3})
	assert.Equal(t, "I've cleared 3 conversation(s)!", cards[0].Description)
	assert.Equal(t, present.ColorGreen, cards[0].Color)

	cards = r.Render(conversation.Reply{Command: conversation.Forget{Scope: conversation.ForgetSelf}})
	assert.Equal(t, "There was no conversation history to forget.", cards[0].Description)

	cards = r.Render(conversation.Reply{Command: conversation.Help{}})
	assert.Equal(t, present.ColorPurple, cards[0].Color)
	assert.Equal(t, "!ask <question>", cards[0].Fields[0].Name)

	cards = r.Render(conversation.Reply{Command: conversation.Greeting{}, DisplayName: "Bob"})
	assert.Contains(t, cards[0].Description, "Bob")
}

func TestRenderSearch(t *testing.T) {
	r := present.NewRenderer("", "")
	sources := []domain.SearchResult{
		{Title: "Go", Link: "https://go.dev", Thumbnail: "https://go.dev/logo.png"},
		{Title: "Tour", Link: "https://go.dev/tour"},
	}

	cards := r.Render(conversation.Reply{
		Command:     conversation.Search{Query: "golang"},
		DisplayName: "Alice",
		Completion:  "Go is a language [1].",
		Sources:     sources,
	})
	require.Len(t, cards, 1)
	c := cards[0]
	assert.Equal(t, "🔍 Search results for: golang", c.Title)
	assert.Equal(t, present.ColorOrange, c.Color)
	assert.Equal(t, "https://go.dev/logo.png", c.Thumbnail)
	require.Len(t, c.Fields, 1)
	assert.Equal(t, "📚 Sources", c.Fields[0].Name)
	assert.Equal(t, "[1] [Go](https://go.dev)\n[2] [Tour](https://go.dev/tour)\n", c.Fields[0].Value)
	assert.Equal(t, "Requested by Alice | 911 Intel", c.Footer)

	cards = r.Render(conversation.Reply{Command: conversation.Search{Query: "zzz"}})
	require.Len(t, cards, 1)
	assert.Equal(t, "😕 No Results", cards[0].Title)

	cards = r.Render(conversation.Reply{
		Command: conversation.Search{Query: "golang"},
		Err:     &domain.UpstreamError{Kind: domain.FailureUnknown, Err: errors.New("serpapi: status 401")},
	})
	require.Len(t, cards, 1)
	assert.Equal(t, "❌ Search Error", cards[0].Title)
	assert.NotContains(t, cards[0].Description, "401")
}

func TestRenderSearchSourcesAreBounded(t *testing.T) {
	r := present.NewRenderer("", "")
	var sources []domain.SearchResult
	for i := 0; i < 8; i++ {
		sources = append(sources, domain.SearchResult{Title: strings.Repeat("t", 300), Link: "https://example.com"})
	}

	cards := r.Render(conversation.Reply{
		Command:    conversation.Search{Query: "long"},
		Completion: "answer",
		Sources:    sources,
	})
	value := cards[0].Fields[0].Value
	assert.LessOrEqual(t, utf8.RuneCountInString(value), 1024)
	assert.True(t, strings.HasSuffix(value, "...(more results available)"))
	assert.NotContains(t, value, "[5]")
}
