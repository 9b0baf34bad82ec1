package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/opsloop/opsloop/pkg/kv"
	"github.com/opsloop/opsloop/pkg/models"
	"github.com/opsloop/opsloop/pkg/pollers"
)

// ticketingSecretHeader carries the shared secret on ticketing webhooks.
const ticketingSecretHeader = "X-Webhook-Secret"

// --- Request types ---

// chatWebhookRequest is the chat provider's push event. Only MESSAGE events
// publish; membership and removal events are acknowledged and dropped.
type chatWebhookRequest struct {
	Token   string `json:"token"`
	Type    string `json:"type"`
	Message struct {
		Name   string `json:"name"`
		Text   string `json:"text"`
		Sender struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"sender"`
		Space struct {
			Name string `json:"name"`
		} `json:"space"`
		CreateTime string `json:"createTime"`
	} `json:"message"`
	Space struct {
		Name string `json:"name"`
	} `json:"space"`
}

// mailPushEnvelope is the pub/sub push wrapper around a mail notification.
// Data is base64 JSON: {"emailAddress": ..., "historyId": ...}.
type mailPushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// ticketingWebhookRequest is the helpdesk's ticket-update notification,
// mirroring the fields the ticketing poller reads.
type ticketingWebhookRequest struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	Requester string `json:"requester"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`
	UpdatedAt string `json:"updated_at"`
}

// --- Handlers ---

// chatWebhookHandler handles POST /webhooks/chat.
// Push is the interactive path for chat; the poller sweep is the backstop.
// Both claim the same dedup keys, so a message observed on both paths
// publishes once.
func (s *Server) chatWebhookHandler(c *echo.Context) error {
	var req chatWebhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// 1. Verify the payload token before trusting anything else in it.
	if !secureCompare(req.Token, s.cfg.Webhooks.ChatToken) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid verification token")
	}

	// 2. Only message events carry work. Everything else is acknowledged so
	// the provider stops retrying.
	if req.Type != "" && req.Type != "MESSAGE" {
		return c.JSON(http.StatusOK, map[string]any{})
	}
	if req.Message.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message name is required")
	}

	channel := req.Message.Space.Name
	if channel == "" {
		channel = req.Space.Name
	}

	sent := time.Now().UTC()
	if req.Message.CreateTime != "" {
		if t, err := time.Parse(time.RFC3339, req.Message.CreateTime); err == nil {
			sent = t.UTC()
		}
	}

	// 3. Same payload shape the chat poller publishes.
	payload := map[string]any{
		"message_id": req.Message.Name,
		"channel":    channel,
		"user_id":    req.Message.Sender.Name,
		"user_name":  req.Message.Sender.DisplayName,
		"text":       req.Message.Text,
		"sent":       sent.Format(time.RFC3339),
	}
	if channel != "" {
		payload["session_key"] = "chat:" + channel
	}
	evt := models.NewEvent(models.SourceChat, "chat.message", models.PriorityHigh,
		payload, "chat:"+req.Message.Name)

	if err := s.publishDeduped(c, "chat", req.Message.Name, evt); err != nil {
		return err
	}

	// An empty reply object tells the provider not to post anything back;
	// the agent answers asynchronously.
	return c.JSON(http.StatusOK, map[string]any{})
}

// mailWebhookHandler handles POST /webhooks/mail.
// The push only says "the inbox changed at history N"; the worker reacts by
// sweeping the inbox immediately instead of waiting for the next heartbeat.
func (s *Server) mailWebhookHandler(c *echo.Context) error {
	// 1. The subscription appends the shared token as a query parameter.
	if !secureCompare(c.QueryParam("token"), s.cfg.Webhooks.MailToken) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid token")
	}

	var env mailPushEnvelope
	if err := c.Bind(&env); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if env.Message.Data == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "push message data is required")
	}

	// 2. Unwrap the envelope.
	address, historyID, err := decodeMailNotification(env.Message.Data)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	evt := models.NewEvent(models.SourceMail, "mail.history", models.PriorityHigh,
		map[string]any{
			"email_address": address,
			"history_id":    historyID,
		}, "mail:history:"+historyID)

	if err := s.publishDeduped(c, "mail", "history:"+historyID, evt); err != nil {
		return err
	}

	// Any 2xx acknowledges the push; the broker redelivers everything else.
	return c.JSON(http.StatusOK, &AckResponse{Status: "accepted"})
}

// ticketingWebhookHandler handles POST /webhooks/ticketing.
// Dedup pairs the ticket id with its update timestamp, exactly like the
// ticketing poller, so each state change publishes once across both paths.
func (s *Server) ticketingWebhookHandler(c *echo.Context) error {
	// 1. Shared-secret header, constant time.
	if !secureCompare(c.Request().Header.Get(ticketingSecretHeader), s.cfg.Webhooks.TicketingSecret) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid webhook secret")
	}

	var req ticketingWebhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "ticket id is required")
	}

	updated := time.Now().UTC()
	if req.UpdatedAt != "" {
		t, err := time.Parse(time.RFC3339, req.UpdatedAt)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "updated_at must be RFC 3339")
		}
		updated = t.UTC()
	}

	dedupID := fmt.Sprintf("%s:%d", req.ID, updated.Unix())
	evt := models.NewEvent(models.SourceTicketing, "ticket.updated", pollers.TicketPriority(req.Priority),
		map[string]any{
			"ticket_id":  req.ID,
			"subject":    req.Subject,
			"from":       req.Requester,
			"status":     req.Status,
			"priority":   req.Priority,
			"updated_at": updated.Format(time.RFC3339),
		}, "ticketing:"+dedupID)

	if err := s.publishDeduped(c, "ticketing", dedupID, evt); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &AckResponse{Status: "accepted", ID: evt.ID})
}

// publishDeduped claims the per-item dedup key and publishes. A duplicate is
// not an error: the caller still acknowledges so the provider stops
// retrying. A KV outage degrades to publish-anyway; the relational
// idempotency key still drops true duplicates.
func (s *Server) publishDeduped(c *echo.Context, source, dedupID string, evt *models.Event) error {
	ctx := c.Request().Context()

	if err := s.kvClient.ClaimDedup(ctx, kv.DedupKey(source, dedupID), s.cfg.Queue.DedupTTL); err != nil {
		if errors.Is(err, kv.ErrDeduplicated) {
			return nil
		}
		slog.Warn("Dedup claim failed, relying on the idempotency key",
			"source", source, "dedup_id", dedupID, "error", err)
	}

	if _, err := s.queue.Publish(ctx, evt); err != nil {
		slog.Error("Failed to publish webhook event",
			"source", source, "dedup_id", dedupID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to enqueue event")
	}
	return nil
}

// decodeMailNotification unwraps the base64 JSON payload of a mail push.
// The history id arrives as a JSON number or string depending on the
// publisher; both normalize to a string.
func decodeMailNotification(data string) (address, historyID string, err error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return "", "", errors.New("push message data is not valid base64")
		}
	}

	var note struct {
		EmailAddress string `json:"emailAddress"`
		HistoryID    any    `json:"historyId"`
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&note); err != nil {
		return "", "", errors.New("push message data is not valid JSON")
	}

	switch v := note.HistoryID.(type) {
	case json.Number:
		historyID = v.String()
	case string:
		historyID = v
	}
	if historyID == "" {
		return "", "", errors.New("notification has no history id")
	}
	return note.EmailAddress, historyID, nil
}
