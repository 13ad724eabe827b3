package service

import (
	"sync"

	apperrors "gigchat/internal/errors"
	"gigchat/internal/metrics"
	"gigchat/internal/models"
	"gigchat/internal/presence"
	"gigchat/internal/privacy"
	"gigchat/internal/store"
	"gigchat/pkg/channel"

	"github.com/sirupsen/logrus"
)

// Reconciler merges push events for one conversation into the store and
// the presence tracker. Until Release is called events are buffered so a
// baseline fetched after joining does not wipe them.
type Reconciler struct {
	conversationID string
	userID         string
	store          *store.Store
	tracker        *presence.Tracker
	logger         *logrus.Logger
	errLogger      *apperrors.Logger
	metrics        *metrics.Registry

	mu      sync.Mutex
	live    bool
	pending []channel.Envelope
}

func NewReconciler(conversationID, userID string, st *store.Store, tracker *presence.Tracker, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Reconciler{
		conversationID: conversationID,
		userID:         userID,
		store:          st,
		tracker:        tracker,
		logger:         logger,
		errLogger:      apperrors.WrapLogger(logger),
		metrics:        metrics.GetRegistry(),
	}
}

// Handle applies one event, or buffers it while the reconciler is held.
func (r *Reconciler) Handle(ev channel.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live {
		r.pending = append(r.pending, ev)
		return
	}
	r.apply(ev)
}

// Release applies buffered events in arrival order and goes live.
func (r *Reconciler) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.pending {
		r.apply(ev)
	}
	r.pending = nil
	r.live = true
}

// Hold buffers events again until the next Release.
func (r *Reconciler) Hold() {
	r.mu.Lock()
	r.live = false
	r.mu.Unlock()
}

func (r *Reconciler) apply(ev channel.Envelope) {
	switch ev.Type {
	case channel.EventDisconnected:
		var p channel.ConnectionPayload
		_ = ev.Decode(&p)
		r.logger.WithFields(logrus.Fields{
			LogFieldConversationID: r.conversationID,
			"error":                p.Error,
		}).Warn("Push channel disconnected; live updates paused")
		return
	case channel.EventReconnected:
		var p channel.ConnectionPayload
		_ = ev.Decode(&p)
		r.logger.WithFields(logrus.Fields{
			LogFieldConversationID: r.conversationID,
			"attempt":              p.Attempt,
		}).Info("Push channel reconnected; missed events need a refetch")
		return
	case channel.EventError:
		var p channel.ErrorPayload
		_ = ev.Decode(&p)
		r.logger.WithFields(logrus.Fields{"code": p.Code, "message": p.Message}).Warn("Push channel reported an error")
		return
	}

	if ev.ConversationID != r.conversationID {
		r.ignore(ev.Type, "other_conversation")
		return
	}

	var applied bool
	var err error
	switch ev.Type {
	case channel.EventMessageNew:
		applied, err = r.messageNew(ev)
	case channel.EventReactionUpdated:
		var p channel.ReactionPayload
		if err = ev.Decode(&p); err == nil {
			applied = r.store.SetReactions(p.MessageID, p.Reactions)
		}
	case channel.EventMessageEdited:
		var p channel.EditPayload
		if err = ev.Decode(&p); err == nil {
			applied = r.store.ApplyEdit(p.MessageID, p.Text, p.EditedAt)
		}
	case channel.EventMessageDeleted:
		var p channel.DeletePayload
		if err = ev.Decode(&p); err == nil {
			applied = r.store.Remove(p.MessageID)
		}
	case channel.EventTypingChanged:
		var p channel.TypingPayload
		if err = ev.Decode(&p); err == nil && p.UserID != r.userID {
			r.tracker.SetTyping(p.UserID, p.Typing)
			applied = true
		}
	case channel.EventPresenceChanged:
		var p channel.PresencePayload
		if err = ev.Decode(&p); err == nil {
			r.tracker.SetOnline(p.UserID, p.Online)
			applied = true
		}
	case channel.EventMemberJoined, channel.EventMemberLeft:
		var p channel.MemberPayload
		if err = ev.Decode(&p); err == nil {
			r.tracker.SetOnline(p.UserID, ev.Type == channel.EventMemberJoined)
			applied = true
		}
	default:
		r.ignore(ev.Type, "unknown_type")
		return
	}

	if err != nil {
		r.errLogger.LogWarn(apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed event payload"),
			"Dropping push event", logrus.Fields{LogFieldEvent: ev.Type})
		r.ignore(ev.Type, "malformed")
		return
	}
	if !applied {
		r.ignore(ev.Type, "no_effect")
		return
	}
	r.metrics.IncrementCounter(metrics.EventsReconciled, map[string]string{"type": ev.Type}, "Push events applied to the conversation")
}

func (r *Reconciler) messageNew(ev channel.Envelope) (bool, error) {
	var msg models.Message
	if err := ev.Decode(&msg); err != nil {
		return false, err
	}
	if msg.SenderID == r.userID {
		r.logger.WithField(LogFieldMessageID, privacy.MaskMessageID(msg.ID)).Debug("Dropping self echo")
		return false, nil
	}
	if msg.ConversationID == "" {
		msg.ConversationID = ev.ConversationID
	}
	return r.store.Append(msg), nil
}

func (r *Reconciler) ignore(eventType, reason string) {
	r.metrics.IncrementCounter(metrics.EventsIgnored, map[string]string{"type": eventType, "reason": reason}, "Push events that did not change the conversation")
	r.logger.WithFields(logrus.Fields{LogFieldEvent: eventType, "reason": reason}).Debug("Push event ignored")
}
