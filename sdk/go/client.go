package studygatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Studygate HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Study represents the API study model.
type Study struct {
	ID          string `json:"id"`
	LabID       string `json:"lab_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`
	Version     int64  `json:"version"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// AuditEntry is one committed transition.
type AuditEntry struct {
	ID           int64          `json:"id"`
	StudyID      string         `json:"study_id"`
	Seq          int64          `json:"seq"`
	Trigger      string         `json:"trigger"`
	FromState    string         `json:"from_state"`
	ToState      string         `json:"to_state"`
	ActorID      string         `json:"actor_id"`
	ActorRank    string         `json:"actor_rank"`
	TS           string         `json:"ts"`
	Comments     string         `json:"comments,omitempty"`
	Declarations map[string]any `json:"declarations,omitempty"`
}

// TransitionResult pairs the updated study with its audit entry.
type TransitionResult struct {
	Study Study      `json:"study"`
	Entry AuditEntry `json:"entry"`
}

// TransitionOffer describes one trigger legal from the current state.
type TransitionOffer struct {
	Trigger      string   `json:"trigger"`
	Destination  string   `json:"destination"`
	RequiredRank string   `json:"required_rank"`
	Declarations []string `json:"declarations,omitempty"`
	Permitted    bool     `json:"permitted"`
}

// BuildJob is a study artifact build.
type BuildJob struct {
	ID          string  `json:"id"`
	StudyID     string  `json:"study_id"`
	Status      string  `json:"status"`
	RequestedAt string  `json:"requested_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Detail      string  `json:"detail,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEntries wraps log listings with cursors.
type PaginatedEntries struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// CreateStudy creates a study in the initial state.
func (c *Client) CreateStudy(ctx context.Context, labID, title, description string) (Study, error) {
	body := map[string]any{
		"lab_id": labID,
		"title":  title,
	}
	if description != "" {
		body["description"] = description
	}
	var resp Study
	err := c.do(ctx, http.MethodPost, "v0/studies", body, &resp)
	return resp, err
}

// GetStudy fetches a study by id.
func (c *Client) GetStudy(ctx context.Context, id string) (Study, error) {
	var resp Study
	err := c.do(ctx, http.MethodGet, studyPath(id, ""), nil, &resp)
	return resp, err
}

// TransitionOptions carry the optional payload of an attempt.
type TransitionOptions struct {
	Comments        string
	Declarations    map[string]any
	ExpectedVersion *int64
}

// Transition attempts a trigger on a study.
func (c *Client) Transition(ctx context.Context, id, trigger string, opts TransitionOptions) (TransitionResult, error) {
	body := map[string]any{}
	if opts.Comments != "" {
		body["comments"] = opts.Comments
	}
	if len(opts.Declarations) > 0 {
		body["declarations"] = opts.Declarations
	}
	if opts.ExpectedVersion != nil {
		body["expected_version"] = *opts.ExpectedVersion
	}
	var resp TransitionResult
	endpoint := studyPath(id, "transitions/"+url.PathEscape(trigger))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AllowedTransitions lists the triggers legal from the study's current state.
func (c *Client) AllowedTransitions(ctx context.Context, id string) ([]TransitionOffer, error) {
	var resp []TransitionOffer
	err := c.do(ctx, http.MethodGet, studyPath(id, "transitions"), nil, &resp)
	return resp, err
}

// History returns a study's audit trail, oldest first.
func (c *Client) History(ctx context.Context, id string, limit int) ([]AuditEntry, error) {
	page, err := c.HistoryPage(ctx, id, limit, "")
	return page.Items, err
}

// HistoryPage returns a paginated audit trail listing.
func (c *Client) HistoryPage(ctx context.Context, id string, limit int, cursor string) (PaginatedEntries, error) {
	endpoint := studyPath(id, "log")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEntries
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Builds lists a study's build jobs, newest first.
func (c *Client) Builds(ctx context.Context, id string) ([]BuildJob, error) {
	var resp []BuildJob
	err := c.do(ctx, http.MethodGet, studyPath(id, "builds"), nil, &resp)
	return resp, err
}

// ReportBuildStatus is the builder callback: it moves a job to building,
// published, or failed.
func (c *Client) ReportBuildStatus(ctx context.Context, jobID, status, detail string) (BuildJob, error) {
	body := map[string]any{"status": status}
	if detail != "" {
		body["detail"] = detail
	}
	var resp BuildJob
	endpoint := fmt.Sprintf("v0/builds/%s/status", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func studyPath(id, p string) string {
	base := fmt.Sprintf("v0/studies/%s", url.PathEscape(id))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
