package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/fentz26/ticketd/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the ticketd API
type Client struct {
	baseURL    string
	holderID   string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	hostname, _ := os.Hostname()
	return &Client{
		baseURL:  baseURL,
		holderID: fmt.Sprintf("tui@%s", hostname),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ListTickets fetches tickets, optionally filtered by status
func (c *Client) ListTickets(status models.Status) ([]TicketItem, error) {
	path := "/tickets"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}

	var tickets []models.Ticket
	if err := c.do(http.MethodGet, path, nil, &tickets); err != nil {
		return nil, err
	}

	items := make([]TicketItem, len(tickets))
	for i, t := range tickets {
		items[i] = newTicketItem(t)
	}
	return items, nil
}

// GetTicket fetches a single ticket
func (c *Client) GetTicket(id string) (*models.Ticket, error) {
	var t models.Ticket
	if err := c.do(http.MethodGet, "/tickets/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTicket creates a new ticket and returns its ID
func (c *Client) CreateTicket(title string) (string, error) {
	body := map[string]string{
		"title":     title,
		"requester": c.holderID,
	}
	var t models.Ticket
	if err := c.do(http.MethodPost, "/tickets", body, &t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// Transition moves a ticket to status. holder is only used when entering executing.
func (c *Client) Transition(id string, to models.Status, reason, holder string) (*models.Ticket, error) {
	body := map[string]string{
		"to":           string(to),
		"by":           c.holderID,
		"reason":       reason,
		"lease_holder": holder,
	}
	return c.action(id, "transition", body)
}

// AddEvidence attaches a note to a ticket
func (c *Client) AddEvidence(id, content string) (*models.Ticket, error) {
	body := map[string]string{
		"kind":    "note",
		"content": content,
		"source":  c.holderID,
	}
	return c.action(id, "evidence", body)
}

// Signoff approves a ticket in review
func (c *Client) Signoff(id, notes string) (*models.Ticket, error) {
	return c.action(id, "signoff", map[string]string{"notes": notes})
}

// Reject sends a ticket in review back to executing
func (c *Client) Reject(id, reason string) (*models.Ticket, error) {
	return c.action(id, "reject", map[string]string{"reason": reason})
}

// Stats fetches the lifecycle summary
func (c *Client) Stats() (*models.Stats, error) {
	var stats models.Stats
	if err := c.do(http.MethodGet, "/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}

	return health.OK, nil
}

func (c *Client) action(id, name string, body interface{}) (*models.Ticket, error) {
	var t models.Ticket
	if err := c.do(http.MethodPost, "/tickets/"+url.PathEscape(id)+"/"+name, body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) do(method, path string, data, out interface{}) error {
	var reader io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(body)}
		var parsed struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
			apiErr.Code = parsed.Code
			apiErr.Message = parsed.Error
		}
		return apiErr
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
