package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/PabloGalante/intel-relay/internal/adapters/present"
	"github.com/PabloGalante/intel-relay/internal/app/conversation"
	"github.com/PabloGalante/intel-relay/internal/domain"
	"github.com/PabloGalante/intel-relay/internal/observability"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req conversation.Request) conversation.Reply
}

type Options struct {
	Prefix             string
	MaxAttachmentBytes int64
}

// Gateway connects the coordinator to Discord. Each triggering message is
// dispatched on its own context, cancelled when the message is deleted or
// its content is edited.
type Gateway struct {
	session    *discordgo.Session
	svc        Dispatcher
	renderer   *present.Renderer
	downloader *Downloader
	prefix     string
	maxBytes   int64

	baseCtx context.Context
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]inflight
}

type inflight struct {
	cancel  context.CancelFunc
	content string
}

// incoming is the part of a Discord message the gateway acts on.
type incoming struct {
	MessageID   string
	AuthorID    string
	DisplayName string
	IsAdmin     bool
	Attachments []*discordgo.MessageAttachment
}

func NewGateway(token string, svc Dispatcher, renderer *present.Renderer, opts Options) (*Gateway, error) {
	if token == "" {
		return nil, errors.New("discord: bot token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	g := newGateway(svc, renderer, opts)
	g.session = session
	session.AddHandler(g.onMessageCreate)
	session.AddHandler(g.onMessageDelete)
	session.AddHandler(g.onMessageUpdate)
	return g, nil
}

func newGateway(svc Dispatcher, renderer *present.Renderer, opts Options) *Gateway {
	return &Gateway{
		svc:        svc,
		renderer:   renderer,
		downloader: NewDownloader(opts.MaxAttachmentBytes),
		prefix:     opts.Prefix,
		maxBytes:   opts.MaxAttachmentBytes,
		baseCtx:    context.Background(),
		inflight:   make(map[string]inflight),
	}
}

// Run connects to Discord and blocks until ctx is done. In-flight requests
// are cancelled and awaited before it returns.
func (g *Gateway) Run(ctx context.Context) error {
	g.baseCtx = ctx
	if err := g.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	log := observability.WithFields("component", "discord")
	log.Info("discord gateway connected", "prefix", g.prefix)

	<-ctx.Done()

	log.Info("discord gateway shutting down")
	err := g.session.Close()
	g.wg.Wait()
	if err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	return nil
}

func (g *Gateway) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	name, args, ok := ParseContent(m.Content, g.prefix, botID(s))
	if !ok {
		return
	}

	g.wg.Add(1)
	defer g.wg.Done()

	ctx, cancel := context.WithCancel(g.baseCtx)
	defer cancel()
	ctx = observability.WithRequestID(ctx, observability.NewRequestID())
	g.track(m.ID, m.Content, cancel)
	defer g.untrack(m.ID)

	log := observability.LoggerFromContext(ctx)
	showTyping(log, s, m.ChannelID)

	in := incoming{
		MessageID:   m.ID,
		AuthorID:    m.Author.ID,
		DisplayName: displayName(m.Message),
		IsAdmin:     isAdmin(s, m.Message),
		Attachments: m.Attachments,
	}
	embeds := Embeds(g.handle(ctx, in, name, args))

	for i, e := range embeds {
		send := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{e}}
		if i == 0 {
			send.Reference = m.Reference()
		}
		if _, err := s.ChannelMessageSendComplex(m.ChannelID, send); err != nil {
			log.Error("failed to send reply", "channel", m.ChannelID, "error", err)
			return
		}
	}
}

type typer interface {
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// showTyping is best effort; a missing indicator never fails the request.
func showTyping(log *slog.Logger, s typer, channelID string) {
	if err := s.ChannelTyping(channelID); err != nil {
		log.Debug("typing indicator failed", "channel", channelID, "error", err)
	}
}

func (g *Gateway) onMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	g.cancel(m.ID)
}

func (g *Gateway) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Message == nil || m.Content == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.inflight[m.ID]; ok && f.content != m.Content {
		f.cancel()
	}
}

func (g *Gateway) track(id, content string, cancel context.CancelFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight[id] = inflight{cancel: cancel, content: content}
}

func (g *Gateway) untrack(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, id)
}

// cancel stops the request triggered by message id, if it is still running.
func (g *Gateway) cancel(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.inflight[id]
	if ok {
		f.cancel()
	}
	return ok
}

func (g *Gateway) pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

// handle turns one parsed message into the cards to send back. Media
// attachments are only downloaded for the command that needs them.
func (g *Gateway) handle(ctx context.Context, in incoming, name, args string) []present.Card {
	cmd, err := conversation.ParseCommand(name, args, attachmentMeta(in.Attachments))
	if err != nil {
		return g.renderer.RenderError(err)
	}

	if an, ok := cmd.(conversation.Analyze); ok && an.Attachment != nil {
		if err := g.fetch(ctx, an.Attachment); err != nil {
			return g.renderer.Render(conversation.Reply{Command: an, DisplayName: in.DisplayName, Err: err})
		}
	}

	reply := g.svc.Dispatch(ctx, conversation.Request{
		Identity:      domain.Identity(in.AuthorID),
		DisplayName:   in.DisplayName,
		CallerIsAdmin: in.IsAdmin,
		Command:       cmd,
	})
	return g.renderer.Render(reply)
}

func (g *Gateway) fetch(ctx context.Context, att *domain.Attachment) error {
	log := observability.LoggerFromContext(ctx)

	if g.maxBytes > 0 && int64(att.Size) > g.maxBytes {
		return tooLarge(g.maxBytes)
	}
	data, err := g.downloader.Fetch(ctx, att.URL)
	if err != nil {
		var tl *TooLargeError
		if errors.As(err, &tl) {
			return tooLarge(tl.Max)
		}
		if ctx.Err() != nil {
			return domain.AsUpstream(ctx.Err())
		}
		log.Error("attachment download failed", "filename", att.Filename, "error", err)
		return domain.InvalidInput("I couldn't download that attachment. Please try again.")
	}
	att.Data = data
	return nil
}

func tooLarge(limit int64) error {
	return domain.InvalidInput(fmt.Sprintf("That attachment is too large. The limit is %d MB.", limit/(1024*1024)))
}

func attachmentMeta(in []*discordgo.MessageAttachment) []domain.Attachment {
	out := make([]domain.Attachment, 0, len(in))
	for _, a := range in {
		if a == nil {
			continue
		}
		out = append(out, domain.Attachment{
			MimeType: a.ContentType,
			Filename: a.Filename,
			URL:      a.URL,
			Size:     a.Size,
		})
	}
	return out
}

func botID(s *discordgo.Session) string {
	if s.State == nil || s.State.User == nil {
		return ""
	}
	return s.State.User.ID
}

func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// isAdmin reports whether the author holds the Administrator permission in
// the message's channel. Direct messages never carry admin rights.
func isAdmin(s *discordgo.Session, m *discordgo.Message) bool {
	if m.GuildID == "" {
		return false
	}
	perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err != nil {
		observability.WithFields("component", "discord").
			Warn("could not resolve permissions", "user", m.Author.ID, "error", err)
		return false
	}
	return perms&discordgo.PermissionAdministrator != 0
}
