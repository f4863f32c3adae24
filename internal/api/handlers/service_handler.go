package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"greendrake/tuition/internal/config"
	"greendrake/tuition/internal/email"
	"greendrake/tuition/internal/services"
	"greendrake/tuition/internal/tasks"
)

// JsonApiRequest is a call on the service API.
type JsonApiRequest struct {
	Method    string          `json:"method"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// JsonApiResponse is the reply to a JsonApiRequest.
type JsonApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ApiError struct {
	Status  int
	Message string
}

func (e *ApiError) Error() string {
	return e.Message
}

func NewApiError(status int, message string) *ApiError {
	return &ApiError{Status: status, Message: message}
}

type apiMethodFunc func(c *gin.Context, args json.RawMessage) (any, *ApiError)

// Mailbox reads messages captured by the mock email sender.
type Mailbox interface {
	GetDel(ctx context.Context, key string) *redis.StringCmd
}

// ServiceHandler serves the operations API. It listens on its own port and is never exposed
// publicly.
type ServiceHandler struct {
	cfg          *config.Config
	dispatcher   TaskDispatcher
	settings     services.ISettingsService
	mailbox      Mailbox
	shutdownChan chan<- struct{}
	pollEvery    time.Duration
	methods      map[string]apiMethodFunc
}

// NewServiceHandler creates a new ServiceHandler. mailbox may be nil; getTestEmail is only offered
// when mock services are enabled.
func NewServiceHandler(cfg *config.Config, dispatcher TaskDispatcher, settings services.ISettingsService, mailbox Mailbox, shutdownChan chan<- struct{}) *ServiceHandler {
	h := &ServiceHandler{
		cfg:          cfg,
		dispatcher:   dispatcher,
		settings:     settings,
		mailbox:      mailbox,
		shutdownChan: shutdownChan,
		pollEvery:    200 * time.Millisecond,
	}
	h.methods = map[string]apiMethodFunc{
		"ping":           h.ping,
		"shutdown":       h.shutdown,
		"enqueue":        h.enqueue,
		"reloadSettings": h.reloadSettings,
	}
	if cfg.MockServices && mailbox != nil {
		h.methods["getTestEmail"] = h.getTestEmail
	}
	return h
}

// HandleRequest handles POST /api on the service port.
func (h *ServiceHandler) HandleRequest(c *gin.Context) {
	var req JsonApiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, NewApiError(http.StatusBadRequest, "Invalid request format"))
		return
	}
	method, ok := h.methods[req.Method]
	if !ok {
		h.sendError(c, NewApiError(http.StatusNotFound, fmt.Sprintf("Unknown service method: %s", req.Method)))
		return
	}
	data, apiErr := method(c, req.Arguments)
	if apiErr != nil {
		h.sendError(c, apiErr)
		return
	}
	c.JSON(http.StatusOK, JsonApiResponse{Success: true, Data: data})
}

func (h *ServiceHandler) sendError(c *gin.Context, e *ApiError) {
	c.JSON(e.Status, JsonApiResponse{Success: false, Error: e.Message})
}

func (h *ServiceHandler) ping(c *gin.Context, _ json.RawMessage) (any, *ApiError) {
	return "pong", nil
}

func (h *ServiceHandler) shutdown(c *gin.Context, _ json.RawMessage) (any, *ApiError) {
	log.Println("Received shutdown command via Service API")
	select {
	case h.shutdownChan <- struct{}{}:
	default:
		log.Println("Shutdown channel already signaled or blocked.")
	}
	return "Shutdown initiated", nil
}

type enqueueArgs struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// enqueue queues a task by type name, e.g. {"type":"billing:invoice:check_overdue","payload":{"date":"2024-03-01"}}.
func (h *ServiceHandler) enqueue(c *gin.Context, args json.RawMessage) (any, *ApiError) {
	var a enqueueArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, NewApiError(http.StatusBadRequest, "Invalid arguments: expected {type, payload}")
	}
	desc, ok := tasks.Lookup(a.Type)
	if !ok {
		return nil, NewApiError(http.StatusBadRequest, fmt.Sprintf("Unknown task type: %s", a.Type))
	}
	payload := []byte(a.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	info, err := h.dispatcher.DispatchRaw(c.Request.Context(), desc, payload)
	if errors.Is(err, tasks.ErrDuplicateTask) {
		return nil, NewApiError(http.StatusConflict, "Task already enqueued")
	}
	if err != nil {
		log.Printf("Service API: failed to enqueue %s: %v", a.Type, err)
		return nil, NewApiError(http.StatusInternalServerError, "Failed to enqueue task")
	}
	return gin.H{"task_id": info.ID, "queue": info.Queue}, nil
}

func (h *ServiceHandler) reloadSettings(c *gin.Context, _ json.RawMessage) (any, *ApiError) {
	if err := h.settings.Load(c.Request.Context()); err != nil {
		log.Printf("Service API: failed to reload settings: %v", err)
		return nil, NewApiError(http.StatusInternalServerError, "Failed to reload settings")
	}
	return "Settings reloaded", nil
}

// getTestEmail returns (and removes) the last captured message for ["template_id", "recipient"],
// polling briefly since delivery happens on the worker.
func (h *ServiceHandler) getTestEmail(c *gin.Context, args json.RawMessage) (any, *ApiError) {
	var a []string
	if err := json.Unmarshal(args, &a); err != nil || len(a) != 2 {
		return nil, NewApiError(http.StatusBadRequest, "Invalid arguments: expected JSON array [templateID, email]")
	}
	key := email.MockEmailKey(a[1], a[0])

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	notFound := NewApiError(http.StatusNotFound, fmt.Sprintf("Test email not found for key %s", key))
	for i := 0; i < 10; i++ {
		raw, err := h.mailbox.GetDel(ctx, key).Result()
		if err == nil {
			var data map[string]any
			if err := json.Unmarshal([]byte(raw), &data); err != nil {
				log.Printf("Service API: Error unmarshalling email data from key %s: %v", key, err)
				return nil, NewApiError(http.StatusInternalServerError, "Failed to parse stored email data")
			}
			return data, nil
		}
		if !errors.Is(err, redis.Nil) {
			log.Printf("Service API: Error getting key %s from Redis: %v", key, err)
			return nil, NewApiError(http.StatusInternalServerError, "Redis error")
		}
		select {
		case <-ctx.Done():
			return nil, notFound
		case <-time.After(h.pollEvery):
		}
	}
	return nil, notFound
}
