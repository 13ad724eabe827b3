package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "gigchat/internal/errors"
	"gigchat/internal/media"
	"gigchat/internal/metrics"
	"gigchat/internal/models"
	"gigchat/internal/moderation"
	"gigchat/internal/store"
	"gigchat/internal/tracing"
	"gigchat/pkg/api"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Draft is what the user asked to send.
type Draft struct {
	Text     string
	Files    []media.File
	ReplyRef *models.ReplyRef
}

// IsEmpty reports whether the draft has neither visible text nor files.
func (d Draft) IsEmpty() bool {
	return strings.TrimSpace(moderation.StripMarkup(d.Text)) == "" && len(d.Files) == 0
}

func (d Draft) clone() Draft {
	out := Draft{Text: d.Text}
	if len(d.Files) > 0 {
		out.Files = append([]media.File(nil), d.Files...)
	}
	if d.ReplyRef != nil {
		ref := *d.ReplyRef
		out.ReplyRef = &ref
	}
	return out
}

// Ticket tracks one accepted send until it resolves.
type Ticket struct {
	CorrelationID string

	draft Draft
	done  chan struct{}
	once  sync.Once
	err   error
	msg   *models.Message
}

func newTicket(correlationID string, draft Draft) *Ticket {
	return &Ticket{CorrelationID: correlationID, draft: draft, done: make(chan struct{})}
}

func (t *Ticket) resolve(msg *models.Message, err error) {
	t.once.Do(func() {
		t.msg = msg
		t.err = err
		close(t.done)
	})
}

// Done is closed once the send resolved.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the send resolved or ctx ends. It returns the send
// outcome, nil on success.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Message returns the confirmed message after a successful send.
func (t *Ticket) Message() (models.Message, bool) {
	select {
	case <-t.done:
	default:
		return models.Message{}, false
	}
	if t.msg == nil {
		return models.Message{}, false
	}
	return t.msg.Clone(), true
}

// Draft returns the original draft, kept for editing after a failure.
func (t *Ticket) Draft() Draft { return t.draft.clone() }

// FailedDraft is a send that failed and awaits an explicit retry or discard.
type FailedDraft struct {
	CorrelationID string
	Draft         Draft
	Err           error
	FailedAt      time.Time
}

// FailureFunc is notified when a send fails after its placeholder was shown.
type FailureFunc func(failed FailedDraft)

// Pipeline turns drafts into placeholders and confirmed messages for one
// conversation.
type Pipeline struct {
	conversationID string
	userID         string
	sender         Sender
	store          *store.Store
	gate           *moderation.Gate
	preprocessor   AttachmentPreprocessor
	previews       *media.PreviewRegistry
	logger         *logrus.Logger
	errLogger      *apperrors.Logger
	metrics        *metrics.Registry

	mu        sync.Mutex
	closed    bool
	failed    map[string]FailedDraft
	inFlight  map[string]*Ticket
	listeners []FailureFunc
	wg        sync.WaitGroup
}

// PipelineDeps are the collaborators of a Pipeline. Nil Gate, Preprocessor
// and Previews get defaults.
type PipelineDeps struct {
	Sender       Sender
	Store        *store.Store
	Gate         *moderation.Gate
	Preprocessor AttachmentPreprocessor
	Previews     *media.PreviewRegistry
	Logger       *logrus.Logger
}

func NewPipeline(conversationID, userID string, deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if deps.Gate == nil {
		deps.Gate = moderation.NewGate(moderation.Options{})
	}
	if deps.Preprocessor == nil {
		deps.Preprocessor = media.NewPreprocessor(media.Options{}, logger)
	}
	if deps.Previews == nil {
		deps.Previews = media.NewPreviewRegistry()
	}
	return &Pipeline{
		conversationID: conversationID,
		userID:         userID,
		sender:         deps.Sender,
		store:          deps.Store,
		gate:           deps.Gate,
		preprocessor:   deps.Preprocessor,
		previews:       deps.Previews,
		logger:         logger,
		errLogger:      apperrors.WrapLogger(logger),
		metrics:        metrics.GetRegistry(),
		failed:         make(map[string]FailedDraft),
		inFlight:       make(map[string]*Ticket),
	}
}

// Submit validates draft and, if it may be sent, starts sending it in the
// background. A blocked draft returns a VALIDATION_REJECTED error; an
// empty draft returns a nil ticket and nil error.
func (p *Pipeline) Submit(ctx context.Context, draft Draft) (*Ticket, error) {
	return p.submit(ctx, draft, uuid.NewString())
}

// Retry resubmits a failed draft under its original correlation id.
func (p *Pipeline) Retry(ctx context.Context, correlationID string) (*Ticket, error) {
	p.mu.Lock()
	failed, ok := p.failed[correlationID]
	if ok {
		delete(p.failed, correlationID)
	}
	p.mu.Unlock()
	if !ok {
		return nil, apperrors.NewNotFoundError("failed draft", correlationID)
	}

	ticket, err := p.submit(ctx, failed.Draft, correlationID)
	if err != nil && !apperrors.IsContentPolicy(err) {
		p.mu.Lock()
		p.failed[correlationID] = failed
		p.mu.Unlock()
	}
	return ticket, err
}

// Discard forgets a failed draft.
func (p *Pipeline) Discard(correlationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.failed[correlationID]; !ok {
		return false
	}
	delete(p.failed, correlationID)
	return true
}

// FailedDrafts lists drafts awaiting retry, oldest first.
func (p *Pipeline) FailedDrafts() []FailedDraft {
	p.mu.Lock()
	out := make([]FailedDraft, 0, len(p.failed))
	for _, f := range p.failed {
		f.Draft = f.Draft.clone()
		out = append(out, f)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.Before(out[j].FailedAt)
		}
		return out[i].CorrelationID < out[j].CorrelationID
	})
	return out
}

// OnFailure registers fn for failed sends.
func (p *Pipeline) OnFailure(fn FailureFunc) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// Close makes in-flight sends that have not reached the store resolve with
// ErrSessionClosed. It does not wait for them.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Wait blocks until every background send has settled.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipeline) submit(ctx context.Context, draft Draft, correlationID string) (*Ticket, error) {
	if p.isClosed() {
		return nil, apperrors.ErrSessionClosed
	}

	result := p.gate.Validate(draft.Text)
	if !result.CanSend {
		p.metrics.IncrementCounter(metrics.SendsBlocked, map[string]string{"stage": "client"}, "Sends blocked by the local content gate")
		p.logger.WithFields(logrus.Fields{
			LogFieldConversationID: p.conversationID,
			LogFieldSeverity:       result.Severity.String(),
			LogFieldCategories:     result.CategoryNames(),
			LogFieldText:           SanitizeContent(ctx, draft.Text),
		}).Info("Send blocked by content policy")
		return nil, apperrors.NewValidationRejected(result.CategoryNames())
	}

	if draft.IsEmpty() {
		return nil, nil
	}

	draft = draft.clone()
	ticket := newTicket(correlationID, draft)

	p.mu.Lock()
	if p.inFlight[correlationID] != nil {
		p.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "send already in flight").
			WithContext(LogFieldCorrelationID, correlationID)
	}
	p.inFlight[correlationID] = ticket
	p.wg.Add(1)
	p.mu.Unlock()

	p.metrics.IncrementCounter(metrics.SendsSubmitted, nil, "Drafts accepted for sending")

	go p.run(context.WithoutCancel(ctx), ticket)
	return ticket, nil
}

func (p *Pipeline) run(ctx context.Context, ticket *Ticket) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, ticket.CorrelationID)
		p.mu.Unlock()
	}()

	started := time.Now()
	ctx = tracing.WithCorrelationID(ctx, ticket.CorrelationID)
	ctx, span := tracing.StartSpan(ctx, "send.submit",
		attribute.String("conversation.id", p.conversationID),
		attribute.Int("attachments", len(ticket.draft.Files)),
	)
	defer span.End()

	files := p.preprocessor.Process(ctx, ticket.draft.Files)
	if p.isClosed() {
		ticket.resolve(nil, apperrors.ErrSessionClosed)
		return
	}

	placeholder, previewURLs := p.placeholder(ticket, files)
	p.store.AppendPending(placeholder)

	fields := sendFields(ctx, p.conversationID, ticket.CorrelationID, placeholder.ID)
	p.logger.WithFields(fields).WithField(LogFieldAttachments, len(files)).Debug("Placeholder added")

	confirmed, err := p.sender.SendMessage(ctx, api.SendRequest{
		ConversationID: p.conversationID,
		CorrelationID:  ticket.CorrelationID,
		Text:           moderation.SanitizeRichText(ticket.draft.Text),
		ReplyRef:       ticket.draft.ReplyRef,
		Files:          files,
	})
	p.releasePreviews(previewURLs)

	if err != nil {
		p.fail(ctx, ticket, err)
		return
	}

	p.store.Resolve(ticket.CorrelationID, *confirmed)
	p.metrics.IncrementCounter(metrics.SendsConfirmed, nil, "Sends confirmed by the server")
	p.metrics.RecordTimer(metrics.SendLatency, time.Since(started), nil, "Time from submit to confirmation")
	p.logger.WithFields(sendFields(ctx, p.conversationID, ticket.CorrelationID, confirmed.ID)).
		WithField(LogFieldDuration, time.Since(started).Milliseconds()).
		Debug("Send confirmed")
	ticket.resolve(confirmed, nil)
}

func (p *Pipeline) fail(ctx context.Context, ticket *Ticket, err error) {
	p.store.Rollback(ticket.CorrelationID)
	tracing.RecordError(ctx, err)

	code := string(apperrors.GetCode(err))
	p.metrics.IncrementCounter(metrics.SendsFailed, map[string]string{"code": code}, "Sends rolled back after a failure")
	if apperrors.GetCode(err) == apperrors.ErrCodeServerRejected {
		p.metrics.IncrementCounter(metrics.SendsBlocked, map[string]string{"stage": "server"}, "Sends blocked by the server content policy")
	}
	p.errLogger.LogWarn(err, "Send failed; placeholder rolled back", sendFields(ctx, p.conversationID, ticket.CorrelationID, ""))

	failed := FailedDraft{
		CorrelationID: ticket.CorrelationID,
		Draft:         ticket.draft.clone(),
		Err:           err,
		FailedAt:      time.Now(),
	}

	p.mu.Lock()
	p.failed[ticket.CorrelationID] = failed
	listeners := append([]FailureFunc(nil), p.listeners...)
	p.mu.Unlock()

	ticket.resolve(nil, err)
	for _, fn := range listeners {
		fn(failed)
	}
}

func (p *Pipeline) placeholder(ticket *Ticket, files []media.File) (models.Message, []string) {
	msg := models.Message{
		ID:             models.TempIDPrefix + ticket.CorrelationID,
		ConversationID: p.conversationID,
		SenderID:       p.userID,
		Text:           moderation.SanitizeRichText(ticket.draft.Text),
		CreatedAt:      time.Now(),
		Status:         models.StatusPending,
		CorrelationID:  ticket.CorrelationID,
	}
	if ticket.draft.ReplyRef != nil {
		ref := *ticket.draft.ReplyRef
		msg.ReplyRef = &ref
	}

	urls := make([]string, 0, len(files))
	for _, f := range files {
		url := p.previews.Allocate(f)
		urls = append(urls, url)
		msg.Attachments = append(msg.Attachments, f.Attachment(url, true))
	}
	return msg, urls
}

func (p *Pipeline) releasePreviews(urls []string) {
	for _, url := range urls {
		p.previews.Release(url)
	}
}
