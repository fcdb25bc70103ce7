// Package collaborators defines the small, intentionally opaque interfaces
// the core needs from external enterprise systems — ticketing, network
// monitoring, directory, mail, webhook notification — plus thin
// HTTP/SMTP-backed implementations. Contract shapes are grounded on
// original_source/.../clients/{glpi,observium,activedirectory,smtp,
// notification}.py; spec.md §1 scopes the concrete integrations out of the
// governance core, so these stay minimal by design.
package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
)

// Ticketing opens tickets in an external helpdesk (GLPI-shaped).
type Ticketing interface {
	CreateTicket(ctx context.Context, title, description string) (ticketID string, err error)
}

// NetworkMonitor reads device status from a monitoring system
// (Observium-shaped).
type NetworkMonitor interface {
	DeviceStatus(ctx context.Context, deviceName string) (map[string]any, error)
}

// Directory mutates identity records (Active-Directory-shaped).
type Directory interface {
	ResetPassword(ctx context.Context, username, newPassword string) error
	CreateUser(ctx context.Context, username string, attributes map[string]any) error
}

// Mailer sends notification email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// WebhookNotifier posts event notifications to a configured sink, used by
// the health monitor's transition notifications. The transport's SAFEGUARD
// L2 path does not call it; L2 executions are only logged.
type WebhookNotifier interface {
	Notify(ctx context.Context, event, message string) error
}

// HTTPTicketing is a minimal JSON-over-HTTP ticketing client.
type HTTPTicketing struct {
	BaseURL string
	Client  *http.Client
}

func (t *HTTPTicketing) CreateTicket(ctx context.Context, title, description string) (string, error) {
	body, _ := json.Marshal(map[string]string{"title": title, "description": description})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/tickets", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("collaborators: create ticket: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("collaborators: ticketing returned %d", resp.StatusCode)
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("collaborators: decoding ticket response: %w", err)
	}
	return parsed.ID, nil
}

func (t *HTTPTicketing) client() *http.Client {
	if t.Client == nil {
		return http.DefaultClient
	}
	return t.Client
}

// HTTPNetworkMonitor reads device status from a monitoring HTTP API.
type HTTPNetworkMonitor struct {
	BaseURL string
	Client  *http.Client
}

func (m *HTTPNetworkMonitor) DeviceStatus(ctx context.Context, deviceName string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/devices/%s/status", m.BaseURL, deviceName), nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("collaborators: device status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("collaborators: monitoring returned %d for %s", resp.StatusCode, deviceName)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("collaborators: decoding device status: %w", err)
	}
	return payload, nil
}

func (m *HTTPNetworkMonitor) client() *http.Client {
	if m.Client == nil {
		return http.DefaultClient
	}
	return m.Client
}

// HTTPDirectory mutates identity records through a directory HTTP API.
type HTTPDirectory struct {
	BaseURL string
	Client  *http.Client
}

func (d *HTTPDirectory) ResetPassword(ctx context.Context, username, newPassword string) error {
	body, _ := json.Marshal(map[string]string{"new_password": newPassword})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/users/%s/password", d.BaseURL, username), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client().Do(req)
	if err != nil {
		return fmt.Errorf("collaborators: reset password: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("collaborators: directory returned %d", resp.StatusCode)
	}
	return nil
}

func (d *HTTPDirectory) CreateUser(ctx context.Context, username string, attributes map[string]any) error {
	payload := map[string]any{"username": username}
	for k, v := range attributes {
		payload[k] = v
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/users", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client().Do(req)
	if err != nil {
		return fmt.Errorf("collaborators: create user: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("collaborators: directory returned %d", resp.StatusCode)
	}
	return nil
}

func (d *HTTPDirectory) client() *http.Client {
	if d.Client == nil {
		return http.DefaultClient
	}
	return d.Client
}

// SMTPMailer sends mail through a configured SMTP relay.
type SMTPMailer struct {
	Addr string
	From string
	Auth smtp.Auth
}

func (m *SMTPMailer) Send(_ context.Context, to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", m.From, to, subject, body)
	return smtp.SendMail(m.Addr, m.Auth, m.From, []string{to}, []byte(msg))
}

// HTTPWebhookNotifier posts event notifications as JSON to a single
// configured webhook URL.
type HTTPWebhookNotifier struct {
	URL    string
	Client *http.Client
}

func (w *HTTPWebhookNotifier) Notify(ctx context.Context, event, message string) error {
	body, _ := json.Marshal(map[string]string{"event": event, "message": message})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("collaborators: webhook notify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("collaborators: webhook returned %d", resp.StatusCode)
	}
	return nil
}
