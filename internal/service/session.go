package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"gigchat/internal/constants"
	apperrors "gigchat/internal/errors"
	"gigchat/internal/media"
	"gigchat/internal/models"
	"gigchat/internal/moderation"
	"gigchat/internal/presence"
	"gigchat/internal/store"
	"gigchat/internal/validation"

	"github.com/sirupsen/logrus"
)

// SessionConfig is the slice of configuration one open conversation needs.
type SessionConfig struct {
	ConversationID string
	UserID         string
	Moderation     models.ModerationConfig
	Media          models.MediaConfig
	Presence       models.PresenceConfig
}

// NewSessionConfig picks the session settings out of the application config.
func NewSessionConfig(cfg *models.Config, conversationID string) SessionConfig {
	return SessionConfig{
		ConversationID: conversationID,
		UserID:         cfg.UserID,
		Moderation:     cfg.Moderation,
		Media:          cfg.Media,
		Presence:       cfg.Presence,
	}
}

// Session is one mounted conversation: its store, presence, composer
// helpers and send pipeline, kept in sync with the push channel until
// Close.
type Session struct {
	cfg     SessionConfig
	api     API
	channel Channel
	logger  *logrus.Logger

	store      *store.Store
	tracker    *presence.Tracker
	reconciler *Reconciler
	gate       *moderation.Gate
	banner     *moderation.Banner
	advisor    *moderation.Advisor
	emitter    *presence.Emitter
	previews   *media.PreviewRegistry
	pipeline   *Pipeline

	unsubscribe func()
	closeOnce   sync.Once
	closeErr    error
}

// OpenSession joins the conversation's channel, fetches the baseline and
// starts reconciling. Events that arrive while the baseline loads are
// applied on top of it.
func OpenSession(ctx context.Context, cfg SessionConfig, apiClient API, ch Channel, logger *logrus.Logger) (*Session, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if cfg.ConversationID == "" {
		return nil, apperrors.NewValidationError("conversation_id", "", "conversation id is required")
	}
	if cfg.UserID == "" {
		return nil, apperrors.NewValidationError("user_id", "", "user id is required")
	}

	s := &Session{
		cfg:      cfg,
		api:      apiClient,
		channel:  ch,
		logger:   logger,
		store:    store.New(),
		tracker:  presence.NewTracker(secondsOr(cfg.Presence.TypingExpirySec, constants.DefaultTypingExpirySec), logger),
		gate:     moderation.NewGateFromConfig(cfg.Moderation),
		banner:   moderation.NewBanner(secondsOr(cfg.Moderation.AdvisoryBannerTTLSec, constants.DefaultAdvisoryBannerTTLSec)),
		previews: media.NewPreviewRegistry(),
	}
	s.reconciler = NewReconciler(cfg.ConversationID, cfg.UserID, s.store, s.tracker, logger)
	s.unsubscribe = ch.Subscribe(s.reconciler.Handle)

	if err := ch.Join(ctx, cfg.ConversationID); err != nil {
		s.teardown()
		return nil, err
	}

	conv, msgs, err := s.fetchBaseline(ctx)
	if err != nil {
		_ = ch.Leave(ctx)
		s.teardown()
		return nil, err
	}
	if len(conv.ParticipantIDs) > 0 && !conv.HasParticipant(cfg.UserID) {
		_ = ch.Leave(ctx)
		s.teardown()
		return nil, apperrors.NewNotFoundError("conversation", cfg.ConversationID)
	}
	s.store.Reset(*conv, msgs)
	s.reconciler.Release()

	s.advisor = moderation.NewAdvisor(s.gate, s.banner,
		millisOr(cfg.Moderation.DebounceMs, constants.DefaultAdvisoryDebounceMs), logger)
	s.emitter = presence.NewEmitter(ch,
		millisOr(cfg.Presence.TypingInactivityMs, constants.DefaultTypingInactivityMs), logger)
	s.pipeline = NewPipeline(cfg.ConversationID, cfg.UserID, PipelineDeps{
		Sender:       apiClient,
		Store:        s.store,
		Gate:         s.gate,
		Preprocessor: media.NewPreprocessorFromConfig(cfg.Media, logger),
		Previews:     s.previews,
		Logger:       logger,
	})

	logger.WithFields(logrus.Fields{
		LogFieldConversationID: cfg.ConversationID,
		"messages":             len(msgs),
	}).Info("Conversation session opened")
	return s, nil
}

func (s *Session) fetchBaseline(ctx context.Context) (*models.Conversation, []models.Message, error) {
	conv, err := s.api.FetchConversation(ctx, s.cfg.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.api.FetchMessages(ctx, s.cfg.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// Refetch reloads the message baseline. It is the only way to recover
// events missed while the channel was down. Sends still in flight keep
// their placeholders.
func (s *Session) Refetch(ctx context.Context) error {
	s.reconciler.Hold()
	defer s.reconciler.Release()

	msgs, err := s.api.FetchMessages(ctx, s.cfg.ConversationID)
	if err != nil {
		return err
	}
	s.store.Rebase(msgs)
	s.logger.WithFields(logrus.Fields{
		LogFieldConversationID: s.cfg.ConversationID,
		"messages":             len(msgs),
	}).Info("Conversation baseline refetched")
	return nil
}

// Compose reports the current composer content: it feeds the advisory
// check and the typing indicator.
func (s *Session) Compose(text string) {
	s.advisor.Check(text)
	if strings.TrimSpace(text) == "" {
		s.emitter.Stop()
		return
	}
	s.emitter.Keystroke()
}

// Blur stops the typing indicator when the composer loses focus.
func (s *Session) Blur() {
	s.emitter.Stop()
}

// StartReply snapshots the message being replied to.
func (s *Session) StartReply(messageID string) (*models.ReplyRef, error) {
	ref, ok := s.store.ReplyRefFor(messageID)
	if !ok {
		return nil, apperrors.NewNotFoundError("message", messageID)
	}
	return ref, nil
}

// Submit sends a draft. A blocked draft shows a blocking banner and
// returns VALIDATION_REJECTED.
func (s *Session) Submit(ctx context.Context, draft Draft) (*Ticket, error) {
	s.emitter.Stop()
	s.advisor.Cancel()

	ticket, err := s.pipeline.Submit(ctx, draft)
	if apperrors.IsContentPolicy(err) {
		s.advisor.CheckNow(draft.Text)
	}
	return ticket, err
}

// Retry resubmits a failed send.
func (s *Session) Retry(ctx context.Context, correlationID string) (*Ticket, error) {
	return s.pipeline.Retry(ctx, correlationID)
}

// React toggles emoji on a confirmed message.
func (s *Session) React(ctx context.Context, messageID, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if err := validation.ValidateEmoji(emoji); err != nil {
		return err
	}
	if _, err := s.confirmed(messageID); err != nil {
		return err
	}

	reactions, err := s.api.React(ctx, messageID, emoji)
	if err != nil {
		return err
	}
	s.store.SetReactions(messageID, reactions)
	return nil
}

// Edit replaces the text of one of the user's own confirmed messages.
func (s *Session) Edit(ctx context.Context, messageID, text string) error {
	msg, err := s.confirmed(messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != s.cfg.UserID {
		return apperrors.NewValidationError("message_id", messageID, "only your own messages can be edited")
	}
	if strings.TrimSpace(moderation.StripMarkup(text)) == "" {
		return apperrors.NewValidationError("text", "", "edited text cannot be empty")
	}
	if result := s.gate.Validate(text); !result.CanSend {
		s.banner.Show(text, result)
		return apperrors.NewValidationRejected(result.CategoryNames())
	}

	edited, err := s.api.EditMessage(ctx, messageID, moderation.SanitizeRichText(text))
	if err != nil {
		return err
	}
	at := time.Now()
	if edited.EditedAt != nil {
		at = *edited.EditedAt
	}
	s.store.ApplyEdit(messageID, edited.Text, at)
	return nil
}

// Delete removes one of the user's own confirmed messages.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	msg, err := s.confirmed(messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != s.cfg.UserID {
		return apperrors.NewValidationError("message_id", messageID, "only your own messages can be deleted")
	}
	if err := s.api.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.store.Remove(messageID)
	return nil
}

func (s *Session) confirmed(messageID string) (models.Message, error) {
	msg, ok := s.store.Get(messageID)
	if !ok {
		return models.Message{}, apperrors.NewNotFoundError("message", messageID)
	}
	if msg.Status == models.StatusPending {
		return models.Message{}, apperrors.NewValidationError("message_id", messageID, "message is still sending")
	}
	return msg, nil
}

func (s *Session) ConversationID() string           { return s.cfg.ConversationID }
func (s *Session) Store() *store.Store              { return s.store }
func (s *Session) Tracker() *presence.Tracker       { return s.tracker }
func (s *Session) Banner() *moderation.Banner       { return s.banner }
func (s *Session) Advisor() *moderation.Advisor     { return s.advisor }
func (s *Session) Pipeline() *Pipeline              { return s.pipeline }
func (s *Session) Previews() *media.PreviewRegistry { return s.previews }

// Close leaves the channel and stops every timer the session owns. Sends
// still preprocessing resolve with ErrSessionClosed. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.pipeline.Close()
		s.advisor.Cancel()
		s.emitter.Close()
		s.closeErr = s.channel.Leave(ctx)
		s.teardown()
		s.logger.WithField(LogFieldConversationID, s.cfg.ConversationID).Info("Conversation session closed")
	})
	return s.closeErr
}

func (s *Session) teardown() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.banner.Close()
	s.tracker.Close()
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func millisOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}
