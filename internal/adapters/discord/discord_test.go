package discord

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/intel-relay/internal/adapters/llm"
	"github.com/PabloGalante/intel-relay/internal/adapters/present"
	"github.com/PabloGalante/intel-relay/internal/adapters/storage/memory"
	"github.com/PabloGalante/intel-relay/internal/app/conversation"
	"github.com/PabloGalante/intel-relay/internal/app/ratelimit"
	"github.com/PabloGalante/intel-relay/internal/domain"
)

func TestParseContent(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantName  string
		wantArgs  string
		wantMatch bool
	}{
		{"prefix command", ">ask what is up", "ask", "what is up", true},
		{"command is lowercased", ">HELP", "help", "", true},
		{"space after prefix", ">  status", "status", "", true},
		{"bare prefix", ">", "", "", false},
		{"plain chat", "hello there", "", "", false},
		{"mention", "<@42> who are you?", "mention", "who are you?", true},
		{"nick mention", "hey <@!42>   there", "mention", "hey there", true},
		{"empty mention", "<@42>", "mention", "", true},
		{"other user mention", "<@7> hi", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args, ok := ParseContent(tt.content, ">", "42")
			assert.Equal(t, tt.wantMatch, ok)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestEmbedTruncatesToDiscordLimits(t *testing.T) {
	card := present.Card{
		Title:       strings.Repeat("t", 300),
		Description: strings.Repeat("d", 5000),
		Color:       present.ColorBlue,
		Footer:      "Requested by Alice | 911 Intel",
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	for i := 0; i < 30; i++ {
		card.Fields = append(card.Fields, present.Field{Name: "n", Value: strings.Repeat("v", 2000)})
	}

	e := Embed(card)

	assert.LessOrEqual(t, len([]rune(e.Title)), maxTitle)
	assert.LessOrEqual(t, len([]rune(e.Description)), maxDescription)
	assert.Len(t, e.Fields, maxFields)
	assert.LessOrEqual(t, len([]rune(e.Fields[0].Value)), maxFieldValue)
	assert.Equal(t, "2026-01-02T03:04:05Z", e.Timestamp)
	assert.Equal(t, "Requested by Alice | 911 Intel", e.Footer.Text)
	assert.Equal(t, present.ColorBlue, e.Color)
}

func TestDownloaderEnforcesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/small":
			_, _ = w.Write([]byte("tiny"))
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d := NewDownloader(16)
	ctx := context.Background()

	data, err := d.Fetch(ctx, srv.URL+"/small")
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), data)

	_, err = d.Fetch(ctx, srv.URL+"/big")
	var tl *TooLargeError
	require.ErrorAs(t, err, &tl)
	assert.Equal(t, int64(16), tl.Max)

	_, err = d.Fetch(ctx, srv.URL+"/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func newTestGateway(t *testing.T, model *llm.MockLLM, maxBytes int64) *Gateway {
	t.Helper()

	store := memory.NewSessionStore(domain.StoreOptions{TTL: domain.DefaultSessionTTL})
	limiter := ratelimit.NewLimiter(memory.NewWindowStore(),
		ratelimit.Rule{Limit: 5, Window: time.Minute},
		ratelimit.Rule{Limit: 30, Window: time.Minute})
	svc := conversation.NewService(model, store, limiter, conversation.Options{ModelName: "mock"})

	return newGateway(svc, present.NewRenderer("", ">"), Options{Prefix: ">", MaxAttachmentBytes: maxBytes})
}

func TestHandleAsk(t *testing.T) {
	model := llm.NewMockLLM()
	g := newTestGateway(t, model, 1024)

	cards := g.handle(context.Background(), incoming{AuthorID: "1", DisplayName: "Alice"}, "ask", "hello")

	require.NotEmpty(t, cards)
	assert.Equal(t, "🤖 Response", cards[0].Title)
	assert.Equal(t, "Requested by Alice | 911 Intel", cards[len(cards)-1].Footer)
	require.Equal(t, 1, model.Calls())
	assert.Equal(t, "hello", model.Requests()[0].Prompt)
}

func TestHandleDownloadsOnlyTheMatchingAttachment(t *testing.T) {
	var (
		mu   sync.Mutex
		hits []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	model := llm.NewMockLLM()
	g := newTestGateway(t, model, 1024)
	in := incoming{AuthorID: "1", DisplayName: "Alice", Attachments: []*discordgo.MessageAttachment{
		{URL: srv.URL + "/notes.txt", Filename: "notes.txt", ContentType: "text/plain", Size: 10},
		{URL: srv.URL + "/cat.png", Filename: "cat.png", ContentType: "image/png", Size: 9},
	}}

	cards := g.handle(context.Background(), in, "image", "")

	require.NotEmpty(t, cards)
	assert.Equal(t, "🖼️ Image Analysis", cards[0].Title)
	mu.Lock()
	assert.Equal(t, []string{"/cat.png"}, hits)
	mu.Unlock()
	reqs := model.Requests()
	require.Len(t, reqs, 1)
	require.NotNil(t, reqs[0].Media)
	assert.Equal(t, []byte("png-bytes"), reqs[0].Media.Data)
}

func TestHandleRejectsOversizedAttachmentWithoutDownloading(t *testing.T) {
	model := llm.NewMockLLM()
	g := newTestGateway(t, model, 1024*1024)
	in := incoming{AuthorID: "1", Attachments: []*discordgo.MessageAttachment{
		{URL: "http://127.0.0.1:0/never", Filename: "clip.mp4", ContentType: "video/mp4", Size: 5 * 1024 * 1024},
	}}

	cards := g.handle(context.Background(), in, "video", "")

	require.Len(t, cards, 1)
	assert.Equal(t, "❌ Invalid Request", cards[0].Title)
	assert.Contains(t, cards[0].Description, "1 MB")
	assert.Zero(t, model.Calls())
}

func TestHandleMissingAttachment(t *testing.T) {
	model := llm.NewMockLLM()
	g := newTestGateway(t, model, 1024)

	cards := g.handle(context.Background(), incoming{AuthorID: "1"}, "audio", "")

	require.Len(t, cards, 1)
	assert.Equal(t, "❌ Missing Audio", cards[0].Title)
	assert.Zero(t, model.Calls())
}

func TestHandleUnknownCommand(t *testing.T) {
	g := newTestGateway(t, llm.NewMockLLM(), 1024)

	cards := g.handle(context.Background(), incoming{AuthorID: "1"}, "dance", "")

	require.Len(t, cards, 1)
	assert.Equal(t, "❓ Command Not Found", cards[0].Title)
	assert.Contains(t, cards[0].Description, "`>help`")
}

func TestDeletedMessageCancelsItsRequest(t *testing.T) {
	model := llm.NewMockLLM().WithDelay(5 * time.Second)
	g := newTestGateway(t, model, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.track("m1", ">ask slow", cancel)

	done := make(chan []present.Card, 1)
	go func() {
		done <- g.handle(ctx, incoming{MessageID: "m1", AuthorID: "1"}, "ask", "slow")
	}()

	require.Eventually(t, func() bool { return model.Calls() == 1 }, time.Second, 5*time.Millisecond)
	g.onMessageDelete(nil, &discordgo.MessageDelete{Message: &discordgo.Message{ID: "m1"}})

	select {
	case cards := <-done:
		assert.Empty(t, cards)
	case <-time.After(2 * time.Second):
		t.Fatal("request was not cancelled")
	}
}

func TestEditedMessageCancelsOnlyOnContentChange(t *testing.T) {
	g := newTestGateway(t, llm.NewMockLLM(), 1024)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.track("m1", ">ask one", cancel)

	g.onMessageUpdate(nil, &discordgo.MessageUpdate{Message: &discordgo.Message{ID: "m1", Content: ">ask one"}})
	assert.NoError(t, ctx.Err())

	g.onMessageUpdate(nil, &discordgo.MessageUpdate{Message: &discordgo.Message{ID: "m1", Content: ">ask two"}})
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	g.untrack("m1")
	assert.Zero(t, g.pending())
	assert.False(t, g.cancel("m1"))
}

type failingTyper struct{ calls int }

func (f *failingTyper) ChannelTyping(string, ...discordgo.RequestOption) error {
	f.calls++
	return errors.New("HTTP 403 Forbidden")
}

func TestTypingFailureIsLoggedAtDebug(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	typer := &failingTyper{}

	showTyping(log, typer, "c1")

	assert.Equal(t, 1, typer.calls)
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "typing indicator failed")
	assert.Contains(t, buf.String(), "channel=c1")
	assert.Contains(t, buf.String(), "403 Forbidden")
}
