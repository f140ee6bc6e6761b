package app

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/internal/api"
	"github.com/putto11262002/chatsync/pkg/router"
)

// ViewHandler serves the engine's read model and commands over HTTP.
type ViewHandler struct {
	engine *Engine
}

func NewViewHandler(engine *Engine) *ViewHandler {
	return &ViewHandler{engine: engine}
}

type SetActiveChatPayload struct {
	ChatID core.ChatID `json:"chatId" validate:"required"`
}

type CreateChatPayload struct {
	Title string `json:"title"`
}

type SendMessagePayload struct {
	Text string `json:"text"`
}

// Mount registers the routes and error mappings of the view on r.
func (h *ViewHandler) Mount(r *router.Router) {
	r.RegisterErrorMatcher(core.IsUnauthorized, func(err error) router.Error {
		return router.NewJsonError(http.StatusUnauthorized, err.Error())
	})
	r.RegisterErrorMatcher(func(err error) bool {
		var validationErr *core.ValidationError
		return errors.As(err, &validationErr)
	}, func(err error) router.Error {
		var validationErr *core.ValidationError
		errors.As(err, &validationErr)
		return router.NewJsonError(http.StatusBadRequest, err.Error()).WithField(validationErr.Field)
	})
	r.RegisterErrorMapper(core.ErrUnknownChat, func(err error) router.Error {
		return router.NewJsonError(http.StatusNotFound, err.Error())
	})
	r.RegisterErrorMatcher(func(err error) bool {
		var fetchErr *core.FetchError
		return errors.As(err, &fetchErr)
	}, func(err error) router.Error {
		var fetchErr *core.FetchError
		errors.As(err, &fetchErr)
		return router.NewJsonError(http.StatusBadGateway, fetchErr.Err.Message)
	})
	r.RegisterErrorMapper(ErrEngineStopped, func(err error) router.Error {
		return router.NewJsonError(http.StatusServiceUnavailable, err.Error())
	})

	r.Get("/snapshot", h.SnapshotHandler)
	r.Put("/active", h.SetActiveChatHandler)
	r.Route("/chats", func(r *router.Router) {
		r.Post("/", h.CreateChatHandler)
		r.Post("/global/join", h.JoinGlobalChatHandler)
		r.Get("/{chatID}", h.ChatHandler)
		r.Get("/{chatID}/messages", h.MessagesHandler)
		r.Post("/{chatID}/messages", h.SendMessageHandler)
		r.Post("/{chatID}/typing", h.TypingHandler)
	})
}

func (h *ViewHandler) SnapshotHandler(w http.ResponseWriter, r *http.Request) error {
	return router.JSON(w, http.StatusOK, h.engine.Snapshot())
}

func (h *ViewHandler) ChatHandler(w http.ResponseWriter, r *http.Request) error {
	chat, err := h.engine.Lookup(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, chat)
}

func (h *ViewHandler) MessagesHandler(w http.ResponseWriter, r *http.Request) error {
	history, err := h.engine.History(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, history)
}

func (h *ViewHandler) SetActiveChatHandler(w http.ResponseWriter, r *http.Request) error {
	var payload SetActiveChatPayload
	if err := api.DecodeJson(r.Body, &payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "malformed body")
	}
	if err := core.Validate(payload); err != nil {
		return err
	}
	if err := h.engine.SetActiveChat(r.Context(), payload.ChatID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *ViewHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) error {
	var payload CreateChatPayload
	if err := api.DecodeJson(r.Body, &payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "malformed body")
	}
	chat, err := h.engine.CreateChat(r.Context(), payload.Title)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusCreated, chat)
}

func (h *ViewHandler) JoinGlobalChatHandler(w http.ResponseWriter, r *http.Request) error {
	chat, err := h.engine.JoinGlobalChat(r.Context())
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, chat)
}

func (h *ViewHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) error {
	var payload SendMessagePayload
	if err := api.DecodeJson(r.Body, &payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "malformed body")
	}
	if err := h.engine.Send(r.Context(), chi.URLParam(r, "chatID"), payload.Text); err != nil {
		return err
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (h *ViewHandler) TypingHandler(w http.ResponseWriter, r *http.Request) error {
	if err := h.engine.NotifyTyping(r.Context(), chi.URLParam(r, "chatID")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
