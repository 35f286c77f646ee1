package kerysdk

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

// Client is a minimal Kerya HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Resource represents a rentable resource (partial).
type Resource struct {
	ID                 string `json:"id"`
	OwnerID            string `json:"owner_id"`
	Kind               string `json:"kind"`
	Title              string `json:"title"`
	Status             string `json:"status"`
	Capacity           int    `json:"capacity"`
	CancellationPolicy string `json:"cancellation_policy"`
	Currency           string `json:"currency"`
}

type Reservation struct {
	ID            string     `json:"id"`
	Reference     string     `json:"reference"`
	ResourceID    string     `json:"resource_id"`
	Interval      Interval   `json:"interval"`
	ClientID      string     `json:"client_id"`
	Guests        int        `json:"guests"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	OfferID       string     `json:"offer_id,omitempty"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
	Refund        *float64   `json:"refund_fraction,omitempty"`
}

type Availability struct {
	ResourceID string     `json:"resource_id"`
	Window     Interval   `json:"window"`
	Busy       []Interval `json:"busy"`
	Free       []Interval `json:"free"`
}

type BudgetPost struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Category  string    `json:"category"`
	Interval  Interval  `json:"interval"`
	MaxPrice  int64     `json:"max_price"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Offer struct {
	ID            string   `json:"id"`
	PostID        string   `json:"post_id"`
	HostID        string   `json:"host_id"`
	ResourceID    string   `json:"resource_id"`
	Interval      Interval `json:"interval"`
	Price         int64    `json:"price"`
	Status        string   `json:"status"`
	ReservationID string   `json:"reservation_id,omitempty"`
}

// RankedOffer is one entry of a post's ranking.
type RankedOffer struct {
	Offer      Offer   `json:"offer"`
	Score      float64 `json:"score"`
	Rank       int     `json:"rank"`
	Components struct {
		Price       float64 `json:"price"`
		Overlap     float64 `json:"overlap"`
		Reliability float64 `json:"reliability"`
	} `json:"components"`
}

type Thread struct {
	ID          string `json:"id"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	LastSeq     int64  `json:"last_seq"`
}

type Message struct {
	ThreadID  string    `json:"thread_id"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// MessagePage is one page of a thread; NextCursor is zero on the last page.
type MessagePage struct {
	Items      []Message `json:"items"`
	NextCursor int64     `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ResourceInput describes a resource to create.
type ResourceInput struct {
	ID                 string `json:"id,omitempty"`
	Kind               string `json:"kind"`
	Title              string `json:"title"`
	Capacity           int    `json:"capacity,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
	CancellationPolicy string `json:"cancellation_policy,omitempty"`
	HorizonDays        int    `json:"horizon_days,omitempty"`
	MinStayNights      int    `json:"min_stay_nights,omitempty"`
	Currency           string `json:"currency,omitempty"`
}

func (c *Client) CreateResource(ctx context.Context, in ResourceInput) (Resource, error) {
	var resp Resource
	err := c.do(ctx, http.MethodPost, "resources", in, &resp)
	return resp, err
}

func (c *Client) GetResource(ctx context.Context, id string) (Resource, error) {
	var resp Resource
	err := c.do(ctx, http.MethodGet, "resources/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Availability returns busy and free intervals of a resource within window.
func (c *Client) Availability(ctx context.Context, resourceID string, window Interval) (Availability, error) {
	q := url.Values{}
	q.Set("from", window.Start.UTC().Format(time.RFC3339))
	q.Set("to", window.End.UTC().Format(time.RFC3339))
	var resp Availability
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("resources/%s/availability?%s", url.PathEscape(resourceID), q.Encode()), nil, &resp)
	return resp, err
}

// RequestReservation places a pending hold.
func (c *Client) RequestReservation(ctx context.Context, resourceID string, window Interval, guests int) (Reservation, error) {
	body := map[string]any{
		"resource_id": resourceID,
		"interval":    window,
		"guests":      guests,
	}
	var resp Reservation
	err := c.do(ctx, http.MethodPost, "reservations", body, &resp)
	return resp, err
}

func (c *Client) GetReservation(ctx context.Context, id string) (Reservation, error) {
	var resp Reservation
	err := c.do(ctx, http.MethodGet, "reservations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ConfirmReservation(ctx context.Context, id string) (Reservation, error) {
	return c.transition(ctx, id, "confirm")
}

func (c *Client) RejectReservation(ctx context.Context, id string) (Reservation, error) {
	return c.transition(ctx, id, "reject")
}

func (c *Client) CancelReservation(ctx context.Context, id string) (Reservation, error) {
	return c.transition(ctx, id, "cancel")
}

func (c *Client) CompleteReservation(ctx context.Context, id string) (Reservation, error) {
	return c.transition(ctx, id, "complete")
}

func (c *Client) transition(ctx context.Context, id, action string) (Reservation, error) {
	var resp Reservation
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("reservations/%s/%s", url.PathEscape(id), action), nil, &resp)
	return resp, err
}

// CreateBudgetPost publishes a post; a zero expiresAt uses the server default.
func (c *Client) CreateBudgetPost(ctx context.Context, category string, window Interval, maxPrice int64, expiresAt time.Time) (BudgetPost, error) {
	body := map[string]any{
		"category":  category,
		"interval":  window,
		"max_price": maxPrice,
	}
	if !expiresAt.IsZero() {
		body["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	var resp BudgetPost
	err := c.do(ctx, http.MethodPost, "posts", body, &resp)
	return resp, err
}

func (c *Client) CloseBudgetPost(ctx context.Context, id string) (BudgetPost, error) {
	var resp BudgetPost
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("posts/%s/close", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) SubmitOffer(ctx context.Context, postID, resourceID string, window Interval, price int64) (Offer, error) {
	body := map[string]any{
		"resource_id": resourceID,
		"interval":    window,
		"price":       price,
	}
	var resp Offer
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("posts/%s/offers", url.PathEscape(postID)), body, &resp)
	return resp, err
}

// RankOffers returns the pending offers on a post, best first.
func (c *Client) RankOffers(ctx context.Context, postID string) ([]RankedOffer, error) {
	var resp []RankedOffer
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("posts/%s/ranking", url.PathEscape(postID)), nil, &resp)
	return resp, err
}

func (c *Client) WithdrawOffer(ctx context.Context, id string) (Offer, error) {
	var resp Offer
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("offers/%s/withdraw", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// AcceptOffer turns an offer into a pending hold for the caller.
func (c *Client) AcceptOffer(ctx context.Context, id string) (Reservation, error) {
	var resp Reservation
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("offers/%s/accept", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) OpenThread(ctx context.Context, subjectType, subjectID string) (Thread, error) {
	body := map[string]any{"subject_type": subjectType, "subject_id": subjectID}
	var resp Thread
	err := c.do(ctx, http.MethodPost, "threads", body, &resp)
	return resp, err
}

func (c *Client) AppendMessage(ctx context.Context, threadID, text string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("threads/%s/messages", url.PathEscape(threadID)), map[string]any{"body": text}, &resp)
	return resp, err
}

// MessagesPage returns messages with seq greater than after.
func (c *Client) MessagesPage(ctx context.Context, threadID string, after int64, limit int) (MessagePage, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := fmt.Sprintf("threads/%s/messages", url.PathEscape(threadID))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp MessagePage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Messages walks every page of a thread.
func (c *Client) Messages(ctx context.Context, threadID string) ([]Message, error) {
	var out []Message
	var after int64
	for {
		page, err := c.MessagesPage(ctx, threadID, after, 0)
		if err != nil {
			return out, err
		}
		out = append(out, page.Items...)
		if page.NextCursor == 0 {
			return out, nil
		}
		after = page.NextCursor
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
