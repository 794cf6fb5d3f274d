package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/memohai/clibridge/internal/conversation"
)

// Resolution source constants.
const (
	SourceNone     = ""
	SourceExplicit = "explicit"
	SourceAuto     = "auto"
)

// Resolution is the outcome of Resolve. SessionID is empty for a fresh
// conversation.
type Resolution struct {
	SessionID string
	Count     int
	Source    string
}

// Resolver decides whether a request continues an external session.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// NewResolver creates a resolver over store.
func NewResolver(log *slog.Logger, store Store) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store:  store,
		logger: log.With(slog.String("service", "session")),
	}
}

// Resolve looks up the explicit conversation id first and falls back to the
// digest of every message but the last. Store failures are logged and read as
// a miss.
func (r *Resolver) Resolve(ctx context.Context, messages []conversation.Message, conversationID string) Resolution {
	if conversationID != "" {
		entry, err := r.store.Get(ctx, conversationID)
		switch {
		case err == nil && entry.SessionID != "":
			return Resolution{SessionID: entry.SessionID, Count: entry.Count, Source: SourceExplicit}
		case err != nil && !errors.Is(err, ErrNotFound):
			r.logger.Warn("session lookup failed", slog.String("conversation_id", conversationID), slog.Any("error", err))
		}
	}

	if len(messages) > 1 {
		hash, err := HistoryHash(messages[:len(messages)-1])
		if err != nil {
			r.logger.Warn("history hash failed", slog.Any("error", err))
			return Resolution{}
		}
		entry, err := r.store.FindAuto(ctx, hash)
		switch {
		case err == nil && entry.SessionID != "":
			r.logger.Debug("auto session matched", slog.String("session_id", entry.SessionID), slog.Int("count", entry.Count))
			return Resolution{SessionID: entry.SessionID, Count: entry.Count, Source: SourceAuto}
		case err != nil && !errors.Is(err, ErrNotFound):
			r.logger.Warn("auto session lookup failed", slog.Any("error", err))
		}
	}
	return Resolution{}
}

// Commit records a successful turn. The explicit entry is written when an id
// was given; the auto entry is always written, keyed by the history including
// the assistant reply so that the client's next request finds it.
func (r *Resolver) Commit(ctx context.Context, messages []conversation.Message, conversationID, sessionID, reply string, toolCalls []conversation.ToolCall) error {
	if sessionID == "" {
		return nil
	}
	entry := Entry{SessionID: sessionID, Count: len(messages) + 1}

	var errs []error
	if conversationID != "" {
		if err := r.store.Set(ctx, conversationID, entry); err != nil {
			errs = append(errs, fmt.Errorf("save session: %w", err))
		}
	}

	history := make([]conversation.Message, 0, len(messages)+1)
	history = append(history, messages...)
	history = append(history, AssistantMessage(reply, toolCalls))
	hash, err := HistoryHash(history)
	if err != nil {
		errs = append(errs, err)
	} else if err := r.store.SaveAuto(ctx, hash, entry); err != nil {
		errs = append(errs, fmt.Errorf("save auto session: %w", err))
	}
	return errors.Join(errs...)
}

// AssistantMessage is the message a client will echo back for this reply.
func AssistantMessage(reply string, toolCalls []conversation.ToolCall) conversation.Message {
	msg := conversation.Message{
		Role:    conversation.RoleAssistant,
		Content: conversation.NewTextContent(reply),
	}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}
	return msg
}
