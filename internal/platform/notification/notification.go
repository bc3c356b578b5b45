// Package notification records hospital-facing notices (new referrals,
// admissions, escalations) rendered from templates and hands them to a Sender.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/referralhub/internal/platform/auth"
)

const (
	TemplateReferralCreated   = "referral-created"
	TemplatePatientAdmitted   = "patient-admitted"
	TemplateReferralEscalated = "referral-escalated"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// DefaultMaxStored bounds the in-memory log; the oldest entries are evicted.
const DefaultMaxStored = 1000

var ErrNotFound = errors.New("notification not found")

// ---------------------------------------------------------------------------
// Notification
// ---------------------------------------------------------------------------

// Notification is a single notice addressed to a hospital.
type Notification struct {
	ID           string            `json:"id"`
	Recipient    uuid.UUID         `json:"recipient_hospital_id"`
	Subject      string            `json:"subject"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Sender delivers a rendered notification.
type Sender interface {
	Deliver(ctx context.Context, n *Notification) error
}

// LogSender writes notifications to the structured log. Email delivery is
// handled outside this service.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) Deliver(_ context.Context, n *Notification) error {
	s.Logger.Info().
		Str("notification_id", n.ID).
		Str("recipient_hospital_id", n.Recipient.String()).
		Str("template", n.TemplateID).
		Str("subject", n.Subject).
		Msg(n.Body)
	return nil
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine renders {{key}} placeholders.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, t := range []Template{
		{
			ID:      TemplateReferralCreated,
			Subject: "New {{urgency}} referral from {{from_hospital}}",
			Body:    "{{from_hospital}} requests a bed for a patient with {{diagnosis}}. Respond before {{deadline}}.",
		},
		{
			ID:      TemplatePatientAdmitted,
			Subject: "Patient admitted at {{to_hospital}}",
			Body:    "Patient {{patient_name}} transferred from {{from_hospital}} was admitted at {{to_hospital}} on {{admitted_at}}. {{arrival_notes}}",
		},
		{
			ID:      TemplateReferralEscalated,
			Subject: "Referral escalated to {{new_hospital}}",
			Body:    "No response from {{old_hospital}} for the {{urgency}} referral ({{diagnosis}}). It was escalated to {{new_hospital}}.",
		},
	} {
		t := t
		e.templates[t.ID] = &t
	}
	return e
}

func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement. Keys
// absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, strings.TrimSpace(body), nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager sends notifications and keeps a bounded in-memory log of them.
type Manager struct {
	sender    Sender
	templates *TemplateEngine
	maxStored int

	mu            sync.RWMutex
	notifications map[string]*Notification
	order         []string
}

func NewManager(sender Sender, tpl *TemplateEngine, maxStored int) *Manager {
	if maxStored <= 0 {
		maxStored = DefaultMaxStored
	}
	return &Manager{
		sender:        sender,
		templates:     tpl,
		maxStored:     maxStored,
		notifications: make(map[string]*Notification),
	}
}

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	err := m.sender.Deliver(ctx, n)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		return err
	}
	n.Status = StatusSent
	n.Error = ""
	sentAt := time.Now().UTC()
	n.SentAt = &sentAt
	return nil
}

// Notify renders templateID for recipient, delivers it and stores the
// result. The notification is returned even when delivery fails.
func (m *Manager) Notify(ctx context.Context, recipient uuid.UUID, templateID string, data map[string]string) (*Notification, error) {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	n := &Notification{
		ID:           uuid.New().String(),
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
		CreatedAt:    time.Now().UTC(),
	}

	m.mu.Lock()
	m.notifications[n.ID] = n
	m.order = append(m.order, n.ID)
	for len(m.order) > m.maxStored {
		delete(m.notifications, m.order[0])
		m.order = m.order[1:]
	}
	m.mu.Unlock()

	return n, m.deliver(ctx, n)
}

func (m *Manager) Get(_ context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// ListByRecipient returns the newest notifications for recipient, up to limit.
func (m *Manager) ListByRecipient(_ context.Context, recipient uuid.UUID, limit int) []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Notification
	for _, id := range m.order {
		if n := m.notifications[id]; n.Recipient == recipient {
			cp := *n
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Retry re-delivers a failed notification.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.RLock()
	n, ok := m.notifications[id]
	status := ""
	if ok {
		status = n.Status
	}
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if status != StatusFailed {
		return fmt.Errorf("notification %q is not in failed status (current: %s)", id, status)
	}
	return m.deliver(ctx, n)
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes the caller hospital's notifications.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.List)
	g.GET("/notifications/:id", h.Get)
	g.POST("/notifications/:id/retry", h.Retry)
}

func (h *Handler) List(c echo.Context) error {
	self := auth.HospitalFromContext(c.Request().Context())
	if self == uuid.Nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "hospital context required")
	}
	list := h.manager.ListByRecipient(c.Request().Context(), self, 100)
	if list == nil {
		list = []*Notification{}
	}
	return c.JSON(http.StatusOK, list)
}

// owned loads a notification and hides other hospitals' notices as 404.
func (h *Handler) owned(c echo.Context) (*Notification, error) {
	n, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil || n.Recipient != auth.HospitalFromContext(c.Request().Context()) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	return n, nil
}

func (h *Handler) Get(c echo.Context) error {
	n, err := h.owned(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Retry(c echo.Context) error {
	n, err := h.owned(c)
	if err != nil {
		return err
	}
	if err := h.manager.Retry(c.Request().Context(), n.ID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, _ = h.manager.Get(c.Request().Context(), n.ID)
	return c.JSON(http.StatusOK, n)
}
