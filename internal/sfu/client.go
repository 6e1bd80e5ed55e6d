package sfu

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// client speaks the gateway's HTTP transport.
type client struct {
	endpoint  string
	http      *http.Client
	maxEvents int
}

func newTransaction() string {
	return uuid.NewString()
}

func (c *client) sessionURL(sessionID int64) string {
	return c.endpoint + "/" + strconv.FormatInt(sessionID, 10)
}

func (c *client) handleURL(sessionID, handleID int64) string {
	return c.sessionURL(sessionID) + "/" + strconv.FormatInt(handleID, 10)
}

// post sends req to url and returns the synchronous response. Gateway
// error envelopes are returned as *APIError.
func (c *client) post(ctx context.Context, op, url string, req *request) (*Event, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, protocolError(op, "encode request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, protocolError(op, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	body, err := c.do(op, httpReq)
	if err != nil {
		return nil, err
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, protocolError(op, "decode response: %v", err)
	}
	if ev.Transaction != "" && ev.Transaction != req.Transaction {
		return nil, protocolError(op, "transaction mismatch: sent %s, got %s", req.Transaction, ev.Transaction)
	}
	if err := isResponseValid(&ev); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &ev, nil
}

// poll performs one long-poll GET and returns the delivered events.
func (c *client) poll(ctx context.Context, sessionID int64) ([]*Event, error) {
	const op = "poll"
	url := c.sessionURL(sessionID) + "?maxev=" + strconv.Itoa(c.maxEvents)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, protocolError(op, "build request: %v", err)
	}

	body, err := c.do(op, httpReq)
	if err != nil {
		return nil, err
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	// maxev > 1 yields an array, a single event otherwise.
	if body[0] == '[' {
		var events []*Event
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, protocolError(op, "decode events: %v", err)
		}
		return events, nil
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, protocolError(op, "decode event: %v", err)
	}
	return []*Event{&ev}, nil
}

func (c *client) do(op string, req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, unavailableError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailableError(op, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, unavailableError(op, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, protocolError(op, "status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}
