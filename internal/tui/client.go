package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fentz26/leasepool/internal/api"
	"github.com/fentz26/leasepool/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the leasepool API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// GetStats fetches queue and pool statistics
func (c *Client) GetStats() (*api.StatsResponse, error) {
	var stats api.StatsResponse
	if err := c.get("/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Peek fetches the newest messages of a queue without leasing them
func (c *Client) Peek(queue string, limit int) ([]models.Message, error) {
	path := "/queues/" + url.PathEscape(queue) + "/messages?limit=" + strconv.Itoa(limit)
	var msgs []models.Message
	if err := c.get(path, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// CheckHealth checks if the server is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}

	return health.OK, nil
}

func (c *Client) get(path string, v any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, v)
}
