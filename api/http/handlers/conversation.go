package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/artem13815/chatrelay/api/http/presenter"
	"github.com/artem13815/chatrelay/pkg/chat"
	"github.com/artem13815/chatrelay/pkg/llm"
	"github.com/artem13815/chatrelay/pkg/security/jwt"
)

type ConversationHandler struct {
	uc chat.UseCase
}

func NewConversationHandler(uc chat.UseCase) *ConversationHandler {
	return &ConversationHandler{uc: uc}
}

type sendMessageRequest struct {
	Content     string   `json:"content"`
	Stream      bool     `json:"stream"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	// Model переопределяет LLM_MODEL для одного запроса.
	Model string `json:"model,omitempty"`
}

type sendMessageResponse struct {
	ConversationID   uuid.UUID        `json:"conversationId"`
	AssistantContent string           `json:"assistantContent"`
	UserTurn         chat.Turn        `json:"userTurn"`
	AssistantTurn    chat.Turn        `json:"assistantTurn"`
	Context          chat.WindowStats `json:"context"`
}

type conversationResponse struct {
	chat.Conversation
	Turns []chat.Turn `json:"turns"`
}

// SSE payloads.
type (
	deltaEvent struct {
		Content string `json:"content"`
	}
	doneEvent struct {
		ConversationID   uuid.UUID `json:"conversationId"`
		AssistantContent string    `json:"assistantContent"`
		TurnID           uuid.UUID `json:"turnId"`
	}
)

// requestContext adds the authenticated user to the request logger.
func requestContext(c *fiber.Ctx, owner uuid.UUID) context.Context {
	ctx := c.UserContext()
	log := zerolog.Ctx(ctx).With().Str("user_id", owner.String()).Logger()
	return log.WithContext(ctx)
}

func unauthorized(c *fiber.Ctx) error {
	return presenter.ErrorCode(c, http.StatusUnauthorized, "unauthorized", "не удалось определить пользователя")
}

// SendMessage отправляет сообщение пользователя и возвращает ответ ассистента.
// Без id создаётся новый диалог. Потоковый режим (SSE) включается полем stream,
// параметром ?stream=true или заголовком Accept: text/event-stream.
// @Summary Отправить сообщение
// @Tags    Диалоги
// @Accept  json
// @Produce json
// @Produce text/event-stream
// @Param   id     path  string             false "ID диалога (UUID)"
// @Param   stream query bool               false "Потоковый ответ (SSE)"
// @Param   input  body  sendMessageRequest true  "Текст сообщения"
// @Security BearerAuth
// @Success 200 {object} sendMessageResponse
// @Failure 400 {object} presenter.ErrorResponse
// @Failure 401 {object} presenter.ErrorResponse
// @Failure 404 {object} presenter.ErrorResponse
// @Failure 429 {object} presenter.ErrorResponse
// @Failure 500 {object} presenter.ErrorResponse
// @Failure 502 {object} presenter.ErrorResponse
// @Failure 504 {object} presenter.ErrorResponse
// @Router  /conversations/messages [post]
// @Router  /conversations/{id}/messages [post]
func (h *ConversationHandler) SendMessage(c *fiber.Ctx) error {
	owner, ok := jwt.UserID(c)
	if !ok {
		return unauthorized(c)
	}
	in := chat.SubmitInput{OwnerID: owner}
	if raw := c.Params("id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return presenter.ErrorCode(c, http.StatusBadRequest, "validation_error", "невалидный id диалога")
		}
		in.ConversationID = id
	}
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return presenter.ErrorCode(c, http.StatusBadRequest, "validation_error", "невалидный JSON")
	}
	in.Content = req.Content
	in.Temperature = req.Temperature
	in.MaxTokens = req.MaxTokens
	in.Model = req.Model
	ctx := requestContext(c, owner)

	if !wantsStream(c, req) {
		res, err := h.uc.SubmitTurn(ctx, in, nil)
		if err != nil {
			return writeError(c, err)
		}
		return presenter.JSON(c, http.StatusOK, sendMessageResponse{
			ConversationID:   res.Conversation.ID,
			AssistantContent: res.AssistantTurn.Content,
			UserTurn:         res.UserTurn,
			AssistantTurn:    res.AssistantTurn,
			Context:          res.Window,
		})
	}

	// Once the event stream starts the status is fixed at 200, so input and
	// ownership problems are reported before that.
	if err := h.uc.Validate(in); err != nil {
		return writeError(c, err)
	}
	if in.ConversationID != uuid.Nil {
		if _, err := h.uc.GetConversation(ctx, owner, false, in.ConversationID); err != nil {
			return writeError(c, err)
		}
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	// The writer runs after the handler returns; it must not touch c.
	uc := h.uc
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		log := zerolog.Ctx(ctx)
		sink := func(delta string) error {
			if err := writeEvent(w, "delta", deltaEvent{Content: delta}); err != nil {
				return err
			}
			return w.Flush()
		}
		res, err := uc.SubmitTurn(ctx, in, sink)
		if err != nil {
			_, code, msg := errorInfo(err)
			if werr := writeEvent(w, "error", presenter.ErrorResponse{Message: msg, Code: code}); werr == nil {
				_ = w.Flush()
			}
			log.Warn().Err(err).Str("code", code).Msg("stream finished with error")
			return
		}
		if err := writeEvent(w, "done", doneEvent{
			ConversationID:   res.Conversation.ID,
			AssistantContent: res.AssistantTurn.Content,
			TurnID:           res.AssistantTurn.ID,
		}); err == nil {
			_ = w.Flush()
		}
	})
	return nil
}

func wantsStream(c *fiber.Ctx, req sendMessageRequest) bool {
	if req.Stream {
		return true
	}
	if v, err := strconv.ParseBool(c.Query("stream")); err == nil && v {
		return true
	}
	return strings.Contains(c.Get(fiber.HeaderAccept), "text/event-stream")
}

func writeEvent(w *bufio.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// errorInfo maps use case errors to an HTTP status, a stable code and a
// client-safe message. Provider details never reach the client.
func errorInfo(err error) (int, string, string) {
	var verr chat.ValidationError
	var pe *llm.ProviderError
	var se *chat.StoreError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "validation_error", verr.Error()
	case errors.Is(err, chat.ErrConversationNotFound):
		return http.StatusNotFound, "not_found", "диалог не найден"
	case errors.Is(err, llm.ErrTimeout):
		return http.StatusGatewayTimeout, llm.CodeTimeout, "модель не ответила вовремя"
	case errors.As(err, &pe):
		return http.StatusBadGateway, pe.Code, "ошибка провайдера модели"
	case errors.Is(err, chat.ErrCallerGone):
		return http.StatusRequestTimeout, "caller_disconnected", "клиент отключился"
	case errors.As(err, &se):
		return http.StatusInternalServerError, "store_error", "ошибка хранилища"
	default:
		return http.StatusInternalServerError, "internal_error", "внутренняя ошибка сервера"
	}
}

func writeError(c *fiber.Ctx, err error) error {
	status, code, msg := errorInfo(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(c.UserContext()).Error().Err(err).Str("code", code).Msg("request failed")
	}
	return presenter.ErrorCode(c, status, code, msg)
}

// List возвращает диалоги текущего пользователя, новые первыми.
// @Summary Список диалогов
// @Tags    Диалоги
// @Produce json
// @Param   limit  query int false "Размер страницы (по умолчанию 20, максимум 200)"
// @Param   offset query int false "Смещение"
// @Security BearerAuth
// @Success 200 {array} chat.Conversation
// @Failure 401 {object} presenter.ErrorResponse
// @Failure 500 {object} presenter.ErrorResponse
// @Router  /conversations [get]
func (h *ConversationHandler) List(c *fiber.Ctx) error {
	owner, ok := jwt.UserID(c)
	if !ok {
		return unauthorized(c)
	}
	limit, offset := parseLimitOffset(c, 20)
	items, err := h.uc.ListConversations(requestContext(c, owner), owner, limit, offset)
	if err != nil {
		return writeError(c, err)
	}
	return presenter.JSON(c, http.StatusOK, items)
}

// Get возвращает диалог и его последние ходы. Доступ: владелец/админ.
// @Summary Получить диалог
// @Tags    Диалоги
// @Produce json
// @Param   id path string true "ID диалога (UUID)"
// @Security BearerAuth
// @Success 200 {object} conversationResponse
// @Failure 400 {object} presenter.ErrorResponse
// @Failure 401 {object} presenter.ErrorResponse
// @Failure 404 {object} presenter.ErrorResponse
// @Router  /conversations/{id} [get]
func (h *ConversationHandler) Get(c *fiber.Ctx) error {
	owner, ok := jwt.UserID(c)
	if !ok {
		return unauthorized(c)
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return presenter.ErrorCode(c, http.StatusBadRequest, "validation_error", "невалидный id")
	}
	isAdmin := jwt.IsAdmin(c)
	ctx := requestContext(c, owner)
	conv, err := h.uc.GetConversation(ctx, owner, isAdmin, id)
	if err != nil {
		return writeError(c, err)
	}
	turns, err := h.uc.ListTurns(ctx, owner, isAdmin, id, 50)
	if err != nil {
		return writeError(c, err)
	}
	return presenter.JSON(c, http.StatusOK, conversationResponse{Conversation: conv, Turns: turns})
}

// Turns возвращает ходы диалога по порядку; limit ограничивает выборку последними ходами.
// Доступ: владелец/админ.
// @Summary Ходы диалога
// @Tags    Диалоги
// @Produce json
// @Param   id    path  string true  "ID диалога (UUID)"
// @Param   limit query int    false "Сколько последних ходов вернуть (0 означает все)"
// @Security BearerAuth
// @Success 200 {array} chat.Turn
// @Failure 400 {object} presenter.ErrorResponse
// @Failure 401 {object} presenter.ErrorResponse
// @Failure 404 {object} presenter.ErrorResponse
// @Router  /conversations/{id}/turns [get]
func (h *ConversationHandler) Turns(c *fiber.Ctx) error {
	owner, ok := jwt.UserID(c)
	if !ok {
		return unauthorized(c)
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return presenter.ErrorCode(c, http.StatusBadRequest, "validation_error", "невалидный id")
	}
	limit, _, err := queryInt(c, "limit")
	if err != nil {
		return presenter.ErrorCode(c, http.StatusBadRequest, "validation_error", err.Error())
	}
	items, err := h.uc.ListTurns(requestContext(c, owner), owner, jwt.IsAdmin(c), id, limit)
	if err != nil {
		return writeError(c, err)
	}
	return presenter.JSON(c, http.StatusOK, items)
}
