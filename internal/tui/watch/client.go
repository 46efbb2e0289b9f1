package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/rendergate/internal/api"
	"github.com/mattjoyce/rendergate/internal/notify"
)

// Outcome is one job outcome received from the event stream.
type Outcome struct {
	ID    int64
	Type  string
	At    time.Time
	Event notify.Event
}

// Client reads the status API of a rendergate serve instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Health fetches GET /healthz.
func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var h api.HealthzResponse
	req, err := c.newRequest(ctx, "/healthz")
	if err != nil {
		return h, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return h, fmt.Errorf("healthz: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("decode healthz: %w", err)
	}
	return h, nil
}

// Stream subscribes to GET /events and sends every outcome newer than
// lastID to out. It returns when the server closes the stream or ctx ends.
func (c *Client) Stream(ctx context.Context, lastID int64, out chan<- Outcome) error {
	req, err := c.newRequest(ctx, "/events")
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("server has no event stream (notify.nats_url unset)")
	case http.StatusUnauthorized:
		return fmt.Errorf("event stream rejected the API token")
	default:
		return fmt.Errorf("events: %s", resp.Status)
	}

	return readStream(resp.Body, func(o Outcome) error {
		select {
		case out <- o:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// readStream parses server-sent event frames. Comment lines such as
// keep-alives are ignored; frames whose data is not an outcome are dropped.
func readStream(r io.Reader, emit func(Outcome) error) error {
	scanner := bufio.NewScanner(r)
	var (
		id   int64
		typ  string
		data string
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data != "" {
				if ev, err := notify.DecodeEvent([]byte(data)); err == nil {
					if err := emit(Outcome{ID: id, Type: typ, At: time.Now(), Event: ev}); err != nil {
						return err
					}
				}
			}
			id, typ, data = 0, "", ""
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if n, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				id = n
			}
		case strings.HasPrefix(line, "event: "):
			typ = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = line[6:]
		}
	}
	return scanner.Err()
}
