package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/PabloGalante/intel-relay/internal/app/ratelimit"
	"github.com/PabloGalante/intel-relay/internal/domain"
	"github.com/PabloGalante/intel-relay/internal/observability"
)

const (
	DefaultModelTimeout  = 60 * time.Second
	DefaultModelAttempts = 3
	DefaultRetryInterval = 2 * time.Second
)

var errEmptyCompletion = errors.New("model returned empty text")

type Options struct {
	// ModelName is only reported by status.
	ModelName string
	// ModelTimeout bounds the whole model call, retries included.
	ModelTimeout time.Duration
	// ModelAttempts is how many times a transient model failure is tried.
	ModelAttempts        int
	RetryInitialInterval time.Duration
	TTL                  time.Duration
	// Admins may run administrative commands regardless of what the gateway reports.
	Admins []domain.Identity
	// Searcher backs the search command; nil disables it.
	Searcher domain.Searcher
	Clock  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ModelTimeout <= 0 {
		o.ModelTimeout = DefaultModelTimeout
	}
	if o.ModelAttempts <= 0 {
		o.ModelAttempts = DefaultModelAttempts
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = DefaultRetryInterval
	}
	if o.TTL <= 0 {
		o.TTL = domain.DefaultSessionTTL
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Service coordinates a single request: admission, expiry, prompt assembly,
// the model call and storing the exchange.
type Service struct {
	model   domain.ModelClient
	store   domain.ConversationStore
	limiter *ratelimit.Limiter
	opts    Options
	admins  map[domain.Identity]bool
	locks   *identityLocks
	now     func() time.Time
	started time.Time

	// resetMu orders appends against forget all. resetEpoch changes with
	// every store-wide reset; an exchange read under an older epoch is
	// never stored, even for an identity that had no session to bump.
	resetMu    sync.RWMutex
	resetEpoch uint64
}

func NewService(
	model domain.ModelClient,
	store domain.ConversationStore,
	limiter *ratelimit.Limiter,
	opts Options,
) *Service {
	opts = opts.withDefaults()

	admins := make(map[domain.Identity]bool, len(opts.Admins))
	for _, id := range opts.Admins {
		admins[id] = true
	}

	return &Service{
		model:   model,
		store:   store,
		limiter: limiter,
		opts:    opts,
		admins:  admins,
		locks:   newIdentityLocks(),
		now:     opts.Clock,
		started: opts.Clock(),
	}
}

type Request struct {
	Identity      domain.Identity
	DisplayName   string
	CallerIsAdmin bool
	Command       Command
}

// Reply is the outcome of one request. Err is nil on success and otherwise
// one of *domain.RateLimitedError, *domain.UpstreamError,
// domain.ErrAuthorizationDenied, domain.ErrUnknownCommand or an
// infrastructure error.
type Reply struct {
	RequestID   string
	Identity    domain.Identity
	DisplayName string
	Command     Command

	Completion string
	// Sources are the web results a search answer was built from.
	Sources []domain.SearchResult
	// SessionWasReset is set when stale history was dropped before the prompt was built.
	SessionWasReset bool
	// Stored is false when the exchange was delivered but not remembered
	// because the session changed while the model was answering.
	Stored bool

	Cleared int
	Status  *StatusReport
	Expiry  *ExpiryReport

	Err error
}

type StatusReport struct {
	ModelName string
	Uptime    time.Duration
	Sessions  domain.StoreStats
	Usage     ratelimit.Usage
	Expiry    ExpiryReport
}

type ExpiryReport struct {
	HasSession     bool
	Expired        bool
	LastActivityAt time.Time
	ExpiresAt      time.Time
	Remaining      time.Duration
}

func (s *Service) Dispatch(ctx context.Context, req Request) Reply {
	ctx, reqID := observability.EnsureRequestID(ctx)
	reply := Reply{
		RequestID:   reqID,
		Identity:    req.Identity,
		DisplayName: req.DisplayName,
		Command:     req.Command,
	}

	name := "unknown"
	if req.Command != nil {
		name = req.Command.Name()
	}
	log := observability.LoggerFromContext(ctx).With(
		"identity", req.Identity,
		"command", name,
	)
	log.Info("dispatching command")

	switch cmd := req.Command.(type) {
	case Ask:
		if strings.TrimSpace(cmd.Question) == "" {
			reply.Err = domain.InvalidInput("Please provide a question.")
			break
		}
		s.converse(ctx, log, req.Identity, turnInput{
			prompt:     cmd.Question,
			remembered: cmd.Question,
		}, &reply)
	case Analyze:
		if cmd.Attachment == nil {
			reply.Err = domain.InvalidInput(missingAttachmentMessage(cmd.Kind))
			break
		}
		att := *cmd.Attachment
		att.Kind = cmd.Kind
		s.converse(ctx, log, req.Identity, turnInput{
			prompt:     analysisPrompt(cmd.Kind),
			remembered: analysisTurn(&att),
			media:      &att,
		}, &reply)
	case Search:
		s.search(ctx, log, req.Identity, cmd, &reply)
	case Forget:
		s.forget(ctx, log, req, cmd, &reply)
	case Status:
		s.status(ctx, log, req.Identity, &reply)
	case Expiry:
		report, err := s.expiry(ctx, req.Identity)
		if err != nil {
			log.Error("failed to read session expiry", "error", err)
			reply.Err = err
			break
		}
		reply.Expiry = report
	case Help, Greeting:
	default:
		reply.Err = domain.ErrUnknownCommand
	}

	if reply.Err != nil {
		log.Info("command finished with error", "error", reply.Err)
	} else {
		log.Info("command completed", "stored", reply.Stored, "session_reset", reply.SessionWasReset)
	}
	return reply
}

type turnInput struct {
	prompt     string
	remembered string
	media      *domain.Attachment
}

func (s *Service) converse(ctx context.Context, log *slog.Logger, id domain.Identity, in turnInput, reply *Reply) {
	decision, err := s.limiter.CheckAndConsume(ctx, id)
	if err != nil {
		log.Error("rate limiter failed", "error", err)
		reply.Err = err
		return
	}
	if !decision.Admitted {
		log.Info("request rate limited", "scope", decision.Scope, "retry_after", decision.RetryAfter)
		reply.Err = decision.Err()
		return
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		reply.Err = domain.AsUpstream(err)
		return
	}
	defer unlock()

	epoch := s.epoch()
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		log.Error("failed to load session", "error", err)
		reply.Err = fmt.Errorf("load session: %w", err)
		return
	}

	now := s.now()
	if domain.IsExpired(sess.LastActivityAt, now, s.opts.TTL) {
		log.Info("session expired, resetting history", "last_activity_at", sess.LastActivityAt)
		if _, err := s.store.Reset(ctx, id); err != nil {
			log.Error("failed to reset expired session", "error", err)
			reply.Err = fmt.Errorf("reset expired session: %w", err)
			return
		}
		if sess, err = s.store.Get(ctx, id); err != nil {
			reply.Err = fmt.Errorf("load session: %w", err)
			return
		}
		reply.SessionWasReset = true
	}

	text, err := s.complete(ctx, log, domain.CompletionRequest{
		Prompt:  in.prompt,
		History: sess.History,
		Media:   in.media,
	})
	if err != nil {
		ue := domain.AsUpstream(err)
		log.Warn("model call failed", "kind", ue.Kind, "error", err)
		reply.Err = ue
		return
	}
	if cerr := ctx.Err(); cerr != nil {
		log.Info("request abandoned after completion, not storing", "error", cerr)
		reply.Err = &domain.UpstreamError{Kind: domain.FailureCancelled, Err: cerr}
		return
	}

	reply.Completion = text
	err = s.appendUnlessReset(ctx, id, epoch, sess.Version,
		domain.Turn{Role: domain.RoleUser, Content: in.remembered, At: now},
		domain.Turn{Role: domain.RoleAssistant, Content: text, At: s.now()},
	)
	switch {
	case errors.Is(err, errResetAll):
		log.Warn("all sessions were reset while the model was answering, exchange not stored")
	case errors.Is(err, domain.ErrVersionConflict):
		log.Warn("session changed while the model was answering, exchange not stored")
	case err != nil:
		log.Error("failed to store exchange", "error", err)
	default:
		reply.Stored = true
	}
}

var errResetAll = errors.New("sessions reset since the request started")

func (s *Service) epoch() uint64 {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	return s.resetEpoch
}

// appendUnlessReset stores turns only if no forget all ran since epoch was read.
func (s *Service) appendUnlessReset(ctx context.Context, id domain.Identity, epoch, version uint64, turns ...domain.Turn) error {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	if s.resetEpoch != epoch {
		return errResetAll
	}
	_, err := s.store.Append(ctx, id, version, turns...)
	return err
}

func (s *Service) resetAll(ctx context.Context) (int, error) {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	s.resetEpoch++
	return s.store.ResetAll(ctx)
}

// complete calls the model under ModelTimeout. The caller stops waiting as
// soon as the deadline passes or ctx is cancelled; a late result is dropped.
func (s *Service) complete(ctx context.Context, log *slog.Logger, req domain.CompletionRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.ModelTimeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := s.completeWithRetry(callCtx, log, req)
		done <- result{text: text, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", classify(ctx, callCtx, r.err)
		}
		return r.text, nil
	case <-callCtx.Done():
		return "", classify(ctx, callCtx, callCtx.Err())
	}
}

func classify(parent, call context.Context, err error) *domain.UpstreamError {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return &domain.UpstreamError{Kind: domain.FailureCancelled, Err: err}
	case errors.Is(call.Err(), context.DeadlineExceeded):
		return &domain.UpstreamError{Kind: domain.FailureTimeout, Err: err}
	default:
		return domain.AsUpstream(err)
	}
}

// completeWithRetry retries Unknown failures with exponential backoff.
func (s *Service) completeWithRetry(ctx context.Context, log *slog.Logger, req domain.CompletionRequest) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.RetryInitialInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.opts.ModelAttempts-1)), ctx)

	var (
		text    string
		attempt int
	)
	op := func() error {
		attempt++
		out, err := s.model.Complete(ctx, req)
		if err == nil && strings.TrimSpace(out) == "" {
			err = errEmptyCompletion
		}
		if err != nil {
			if ctx.Err() != nil || domain.AsUpstream(err).Kind != domain.FailureUnknown {
				return backoff.Permanent(err)
			}
			return err
		}
		text = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("model call failed, retrying",
			"attempt", attempt,
			"max_attempts", s.opts.ModelAttempts,
			"wait", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return "", err
	}
	return text, nil
}

// search admits the request, fetches results and has the model summarise
// them. It never reads or writes the caller's history.
func (s *Service) search(ctx context.Context, log *slog.Logger, id domain.Identity, cmd Search, reply *Reply) {
	query := strings.TrimSpace(cmd.Query)
	if query == "" {
		reply.Err = domain.InvalidInput("Please provide something to search for.")
		return
	}
	if s.opts.Searcher == nil {
		reply.Err = domain.InvalidInput("Web search is not configured.")
		return
	}

	decision, err := s.limiter.CheckAndConsume(ctx, id)
	if err != nil {
		log.Error("rate limiter failed", "error", err)
		reply.Err = err
		return
	}
	if !decision.Admitted {
		log.Info("request rate limited", "scope", decision.Scope, "retry_after", decision.RetryAfter)
		reply.Err = decision.Err()
		return
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.opts.ModelTimeout)
	results, err := s.opts.Searcher.Search(searchCtx, query)
	cancel()
	if err != nil {
		ue := classify(ctx, searchCtx, err)
		log.Warn("web search failed", "kind", ue.Kind, "error", err)
		reply.Err = ue
		return
	}
	if len(results) == 0 {
		log.Info("web search returned no results")
		return
	}
	reply.Sources = results

	text, err := s.complete(ctx, log, domain.CompletionRequest{Prompt: searchPrompt(query, results)})
	if err != nil {
		ue := domain.AsUpstream(err)
		log.Warn("model call failed", "kind", ue.Kind, "error", err)
		reply.Err = ue
		return
	}
	reply.Completion = text
}

func (s *Service) isAdmin(req Request) bool {
	return req.CallerIsAdmin || s.admins[req.Identity]
}

// forget does not wait for the identity lock: the reset changes the session
// version, so an in-flight request for the same identity cannot store its
// exchange afterwards.
func (s *Service) forget(ctx context.Context, log *slog.Logger, req Request, cmd Forget, reply *Reply) {
	if cmd.Scope == ForgetAll {
		if !s.isAdmin(req) {
			log.Warn("forget all denied for non-admin caller")
			reply.Err = domain.ErrAuthorizationDenied
			return
		}
		n, err := s.resetAll(ctx)
		if err != nil {
			log.Error("failed to reset all sessions", "error", err)
			reply.Err = fmt.Errorf("reset all sessions: %w", err)
			return
		}
		log.Info("all sessions reset", "cleared", n)
		reply.Cleared = n
		return
	}

	cleared, err := s.store.Reset(ctx, req.Identity)
	if err != nil {
		log.Error("failed to reset session", "error", err)
		reply.Err = fmt.Errorf("reset session: %w", err)
		return
	}
	if cleared {
		reply.Cleared = 1
	}
}

func (s *Service) status(ctx context.Context, log *slog.Logger, id domain.Identity, reply *Reply) {
	now := s.now()

	stats, err := s.store.Stats(ctx, now)
	if err != nil {
		log.Error("failed to read session stats", "error", err)
		reply.Err = fmt.Errorf("session stats: %w", err)
		return
	}
	usage, err := s.limiter.Peek(ctx, id)
	if err != nil {
		log.Error("failed to read rate limit usage", "error", err)
		reply.Err = err
		return
	}
	expiry, err := s.expiry(ctx, id)
	if err != nil {
		log.Error("failed to read session expiry", "error", err)
		reply.Err = err
		return
	}

	reply.Status = &StatusReport{
		ModelName: s.opts.ModelName,
		Uptime:    now.Sub(s.started),
		Sessions:  stats,
		Usage:     usage,
		Expiry:    *expiry,
	}
}

// expiry reports when the caller's history will be dropped. A session that
// is already stale is reported as expired; it is reset on its next use.
func (s *Service) expiry(ctx context.Context, id domain.Identity) (*ExpiryReport, error) {
	now := s.now()

	left, ok, err := s.store.TimeUntilExpiry(ctx, id, now)
	if err != nil {
		return nil, fmt.Errorf("time until expiry: %w", err)
	}
	if !ok {
		return &ExpiryReport{}, nil
	}

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	return &ExpiryReport{
		HasSession:     true,
		Expired:        domain.IsExpired(sess.LastActivityAt, now, s.opts.TTL),
		LastActivityAt: sess.LastActivityAt,
		ExpiresAt:      sess.LastActivityAt.Add(s.opts.TTL),
		Remaining:      left,
	}, nil
}
