package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/clibridge/internal/bridge"
	"github.com/memohai/clibridge/internal/chat"
	"github.com/memohai/clibridge/internal/conversation"
	"github.com/memohai/clibridge/internal/session"
)

type ChatHandler struct {
	bridge   *bridge.Bridge
	sessions *session.Resolver
	logger   *slog.Logger
}

func NewChatHandler(log *slog.Logger, b *bridge.Bridge, sessions *session.Resolver) *ChatHandler {
	return &ChatHandler{
		bridge:   b,
		sessions: sessions,
		logger:   log.With(slog.String("handler", "chat")),
	}
}

func (h *ChatHandler) Register(e *echo.Echo) {
	e.POST("/v1/chat/completions", h.Completions)
}

// Completions handles POST /v1/chat/completions.
func (h *ChatHandler) Completions(c echo.Context) error {
	var req conversation.ChatCompletionRequest
	if err := c.Bind(&req); err != nil {
		return invalidRequest(err.Error(), "")
	}
	if len(req.Messages) == 0 {
		return invalidRequest("Invalid messages", "messages")
	}
	if err := c.Validate(&req); err != nil {
		return invalidRequest(err.Error(), "messages")
	}

	turn := newTurn(c.Request().Context(), h.sessions, req)
	if req.Stream {
		inv := h.bridge.Start(c.Request().Context(), turn.request())
		return streamInvocation(c, h.logger, inv, turn, true)
	}

	completion, err := h.bridge.Collect(c.Request().Context(), turn.request())
	if err != nil {
		h.logger.Error("chat completion failed", slog.Any("error", err))
		return bridgeError(err)
	}
	turn.commit(c.Request().Context(), h.logger, completion, completion.Text)
	return c.JSON(http.StatusOK, chat.NewCompletion(completion.ID, completion.Model, completion.Text, completion.Usage(), completion.ToolCalls))
}

// turn ties one request to its resolved external session.
type turn struct {
	sessions   *session.Resolver
	req        conversation.ChatCompletionRequest
	resolution session.Resolution
}

func newTurn(ctx context.Context, sessions *session.Resolver, req conversation.ChatCompletionRequest) *turn {
	t := &turn{sessions: sessions, req: req}
	if sessions != nil {
		t.resolution = sessions.Resolve(ctx, req.Messages, req.ConversationID)
	}
	return t
}

func (t *turn) request() bridge.Request {
	return bridge.Request{Chat: t.req, SessionID: t.resolution.SessionID, KnownTurns: t.resolution.Count}
}

// commit writes the session mapping back. Failures only cost a future resume.
func (t *turn) commit(ctx context.Context, log *slog.Logger, completion bridge.Completion, reply string) {
	if t.sessions == nil {
		return
	}
	if err := t.sessions.Commit(context.WithoutCancel(ctx), t.req.Messages, t.req.ConversationID, completion.SessionID, reply, completion.ToolCalls); err != nil {
		log.Warn("session write-back failed", slog.String("session_id", completion.SessionID), slog.Any("error", err))
	}
}

// sseSink writes an invocation as chat.completion.chunk events.
type sseSink struct {
	c         echo.Context
	logger    *slog.Logger
	turn      *turn
	id        string
	model     string
	withUsage bool
	broken    bool
}

func streamInvocation(c echo.Context, log *slog.Logger, inv *bridge.Invocation, t *turn, withUsage bool) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	sink := &sseSink{c: c, logger: log, turn: t, id: inv.ID, model: inv.Model, withUsage: withUsage}
	sink.write(chat.RoleChunk(inv.ID, inv.Model))
	bridge.Drive(inv, sink)
	return nil
}

func (s *sseSink) OnChunk(d bridge.Delta) {
	switch d.Kind {
	case bridge.DeltaToolCall:
		s.write(chat.ToolCallChunk(s.id, s.model, d.Index, d.ToolCall))
	default:
		if d.Text != "" {
			s.write(chat.TextChunk(s.id, s.model, d.Text))
		}
	}
}

func (s *sseSink) OnEnd(completion bridge.Completion) {
	// The client saw the fenced text, so that is what it will send back.
	s.turn.commit(s.c.Request().Context(), s.logger, completion, completion.StreamedText)
	if usage := completion.Usage(); usage != nil && s.withUsage {
		s.write(chat.UsageChunk(s.id, s.model, *usage))
	}
	s.write(chat.FinishChunk(s.id, s.model, completion.HasToolCalls()))
	s.writeRaw("[DONE]")
}

func (s *sseSink) OnError(err error) {
	s.logger.Error("streaming completion failed", slog.String("id", s.id), slog.Any("error", err))
	s.write(chat.NewError(err.Error(), ErrTypeAPI, ""))
}

func (s *sseSink) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode stream event", slog.Any("error", err))
		return
	}
	s.writeRaw(string(data))
}

// writeRaw stops writing after the first failure; the client is gone and the
// invocation is ending through its cancelled context.
func (s *sseSink) writeRaw(data string) {
	if s.broken {
		return
	}
	res := s.c.Response()
	if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
		s.broken = true
		s.logger.Debug("stream client went away", slog.Any("error", err))
		return
	}
	res.Flush()
}
