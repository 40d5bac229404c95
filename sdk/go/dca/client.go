package dca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ChainDCA REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// OrderRequest represents the payload required to create a recurring order.
type OrderRequest struct {
	UserAddress        string `json:"user_address"`
	DestinationAddress string `json:"destination_address,omitempty"`
	AccountAddress     string `json:"account_address,omitempty"`
	InputToken         string `json:"input_token"`
	OutputToken        string `json:"output_token"`
	TotalAmount        string `json:"total_amount"`
	Occurrences        int    `json:"occurrences"`
	Cadence            string `json:"cadence"`
	CredentialRef      string `json:"credential_ref"`
	MinRate            string `json:"min_rate,omitempty"`
	MaxRate            string `json:"max_rate,omitempty"`
	StartAt            int64  `json:"start_at,omitempty"`
	ExpiresAt          int64  `json:"expires_at,omitempty"`
}

// Order mirrors the server side order representation.
type Order struct {
	ID                  string `json:"id"`
	UserAddress         string `json:"user_address"`
	DestinationAddress  string `json:"destination_address"`
	AccountAddress      string `json:"account_address,omitempty"`
	InputToken          string `json:"input_token"`
	OutputToken         string `json:"output_token"`
	TotalAmount         string `json:"total_amount"`
	PerOccurrenceAmount string `json:"per_occurrence_amount"`
	Cadence             string `json:"cadence"`
	PlannedOccurrences  int    `json:"planned_occurrences"`
	OccurrencesExecuted int    `json:"occurrences_executed"`
	Status              string `json:"status"`
	ConsumedAmount      string `json:"consumed_amount"`
	RemainingAmount     string `json:"remaining_amount"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	CredentialRef       string `json:"credential_ref"`
	MinRate             string `json:"min_rate,omitempty"`
	MaxRate             string `json:"max_rate,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	UpdatedAt           int64  `json:"updated_at"`
	LastExecutedAt      int64  `json:"last_executed_at,omitempty"`
	NextDueAt           int64  `json:"next_due_at"`
	ExpiresAt           int64  `json:"expires_at,omitempty"`
}

// ExecutionRecord mirrors one execution attempt of an order.
type ExecutionRecord struct {
	ID           string `json:"id"`
	OrderID      string `json:"order_id"`
	AttemptedAt  int64  `json:"attempted_at"`
	InputAmount  string `json:"input_amount"`
	OutputAmount string `json:"output_amount"`
	TxHash       string `json:"tx_hash,omitempty"`
	Outcome      string `json:"outcome"`
	Reason       string `json:"reason,omitempty"`
	Rate         string `json:"rate,omitempty"`
}

// Scope restricts what an issued session key may sign.
type Scope struct {
	AllowedTargets   []string `json:"allowed_targets"`
	AllowedSelectors []string `json:"allowed_selectors,omitempty"`
	SpendCeiling     string   `json:"spend_ceiling,omitempty"`
}

// CredentialRequest represents the payload required to issue a session key.
type CredentialRequest struct {
	UserAddress string `json:"user_address"`
	Scope       Scope  `json:"scope"`
	NotBefore   int64  `json:"not_before,omitempty"`
	NotAfter    int64  `json:"not_after,omitempty"`
}

// Credential mirrors the server side credential representation. The session
// private key never leaves the server.
type Credential struct {
	ID            string `json:"id"`
	UserAddress   string `json:"user_address"`
	SignerAddress string `json:"signer_address"`
	Scope         Scope  `json:"scope"`
	NotBefore     int64  `json:"not_before"`
	NotAfter      int64  `json:"not_after"`
	Revoked       bool   `json:"revoked"`
	CreatedAt     int64  `json:"created_at"`
	RevokedAt     int64  `json:"revoked_at,omitempty"`
}

// OrderStats aggregates order counts per status.
type OrderStats struct {
	Total               int `json:"total"`
	Active              int `json:"active"`
	Paused              int `json:"paused"`
	Completed           int `json:"completed"`
	Cancelled           int `json:"cancelled"`
	InsufficientBalance int `json:"insufficient_balance"`
	DueNow              int `json:"due_now"`
}

// SweepSummary reports the result of a manually triggered due-order sweep.
type SweepSummary struct {
	Due       int   `json:"due"`
	Published int   `json:"published"`
	Failed    int   `json:"failed"`
	SweptAt   int64 `json:"swept_at"`
}

// ListOrdersParams filters the order listing.
type ListOrdersParams struct {
	UserAddress string
	Statuses    []string
	Limit       int
	Offset      int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chaindca api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chaindca api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainDCA API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// CreateOrder submits a new recurring order.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var order Order
	if err := c.post(ctx, "/api/v1/orders", req, &order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// GetOrder fetches order details by identifier.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var order Order
	if err := c.get(ctx, "/api/v1/orders/"+url.PathEscape(orderID), &order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// ListOrders fetches orders matching the given filters.
func (c *Client) ListOrders(ctx context.Context, params ListOrdersParams) ([]Order, error) {
	query := url.Values{}
	if params.UserAddress != "" {
		query.Set("user", params.UserAddress)
	}
	if len(params.Statuses) > 0 {
		query.Set("status", strings.Join(params.Statuses, ","))
	}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		query.Set("offset", strconv.Itoa(params.Offset))
	}
	endpoint := "/api/v1/orders"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var orders []Order
	if err := c.get(ctx, endpoint, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// PauseOrder pauses an active order.
func (c *Client) PauseOrder(ctx context.Context, orderID string) (Order, error) {
	return c.orderAction(ctx, orderID, "pause", nil)
}

// ResumeOrder resumes a paused or balance-starved order.
func (c *Client) ResumeOrder(ctx context.Context, orderID string) (Order, error) {
	return c.orderAction(ctx, orderID, "resume", nil)
}

// CancelOrder cancels an order. Cancellation is terminal.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (Order, error) {
	return c.orderAction(ctx, orderID, "cancel", nil)
}

// RescheduleOrder moves the next execution time of an order.
func (c *Client) RescheduleOrder(ctx context.Context, orderID string, nextDueAt int64) (Order, error) {
	payload := struct {
		NextDueAt int64 `json:"next_due_at"`
	}{NextDueAt: nextDueAt}
	return c.orderAction(ctx, orderID, "reschedule", payload)
}

// OrderHistory fetches the execution history of an order.
func (c *Client) OrderHistory(ctx context.Context, orderID string, limit int) ([]ExecutionRecord, error) {
	endpoint := "/api/v1/orders/" + url.PathEscape(orderID) + "/history"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var records []ExecutionRecord
	if err := c.get(ctx, endpoint, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// OrderStats fetches aggregated order statistics.
func (c *Client) OrderStats(ctx context.Context) (OrderStats, error) {
	var stats OrderStats
	if err := c.get(ctx, "/api/v1/orders/stats", &stats); err != nil {
		return OrderStats{}, err
	}
	return stats, nil
}

// IssueCredential asks the server to generate and seal a new session key.
func (c *Client) IssueCredential(ctx context.Context, req CredentialRequest) (Credential, error) {
	var cred Credential
	if err := c.post(ctx, "/api/v1/credentials", req, &cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// RevokeCredential revokes a session key. Revocation is idempotent.
func (c *Client) RevokeCredential(ctx context.Context, credentialID string) (Credential, error) {
	var cred Credential
	endpoint := "/api/v1/credentials/" + url.PathEscape(credentialID) + "/revoke"
	if err := c.post(ctx, endpoint, nil, &cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// ListCredentials fetches the credentials issued to a user.
func (c *Client) ListCredentials(ctx context.Context, userAddress string) ([]Credential, error) {
	var creds []Credential
	endpoint := "/api/v1/credentials?user=" + url.QueryEscape(userAddress)
	if err := c.get(ctx, endpoint, &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// WaitUntilTerminal polls the order until it reaches a terminal status
// (completed or cancelled) or the context is done.
func (c *Client) WaitUntilTerminal(ctx context.Context, orderID string, pollInterval time.Duration) (Order, error) {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		order, err := c.GetOrder(ctx, orderID)
		if err != nil {
			return Order{}, err
		}
		if order.Status == "completed" || order.Status == "cancelled" {
			return order, nil
		}
		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TriggerSweep runs one due-order sweep immediately.
func (c *Client) TriggerSweep(ctx context.Context) (SweepSummary, error) {
	var summary SweepSummary
	if err := c.post(ctx, "/api/v1/sweep", nil, &summary); err != nil {
		return SweepSummary{}, err
	}
	return summary, nil
}

func (c *Client) orderAction(ctx context.Context, orderID, action string, payload any) (Order, error) {
	var order Order
	endpoint := "/api/v1/orders/" + url.PathEscape(orderID) + "/" + action
	if err := c.post(ctx, endpoint, payload, &order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
