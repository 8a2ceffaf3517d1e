package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// defaultMaxResponseBytes caps how much of a response body is read. A
// history payload fits comfortably; anything bigger is a misbehaving
// endpoint, not a conversation.
const defaultMaxResponseBytes = 10 << 20

// clientTimestampHeader carries the client's canonical send time so the
// server can log skew; serverTimeHeader carries the server's clock and
// feeds the ClockSync on every response that includes it.
const (
	clientTimestampHeader = "X-Client-Timestamp"
	serverTimeHeader      = "X-Server-Time"
)

// MessageChannel is the REST surface the engine consumes. The production
// implementation is Channel; tests substitute fakes.
type MessageChannel interface {
	LoadHistory(ctx context.Context, requestID int64) (History, error)
	MessagesSince(ctx context.Context, requestID int64, since string) ([]Message, error)
	Send(ctx context.Context, requestID int64, out OutgoingMessage) (SendReceipt, error)
}

// HTTPClient performs single JSON round-trips against one endpoint. It
// never retries: retry and backoff belong to the polling loop, and
// fallback across endpoints belongs to Channel.
type HTTPClient struct {
	httpClient       *http.Client
	token            string
	clock            Clock
	clockSync        *ClockSync
	maxResponseBytes int64
}

// NewHTTPClient returns an HTTPClient. A nil httpClient gets a 15 second
// timeout. clockSync may be nil when clock synchronization is not
// wanted; token may be empty when the backend is unauthenticated.
func NewHTTPClient(httpClient *http.Client, token string, clockSync *ClockSync) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		httpClient:       httpClient,
		token:            token,
		clock:            RealClock(),
		clockSync:        clockSync,
		maxResponseBytes: defaultMaxResponseBytes,
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, method, rawURL string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return err
	}
	sentAt := c.clock.Now()
	req.Header.Set(clientTimestampHeader, Canonical(sentAt))
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payloadBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if int64(len(payloadBytes)) > c.maxResponseBytes {
		return fmt.Errorf("response from %s exceeds %d bytes", rawURL, c.maxResponseBytes)
	}

	c.recordServerTime(sentAt, resp.Header.Get(serverTimeHeader))

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		return json.Unmarshal(payloadBytes, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

// recordServerTime feeds an opportunistic clock sample. The header is
// optional; absence or garbage is simply no sample.
func (c *HTTPClient) recordServerTime(sentAt time.Time, header string) {
	if c.clockSync == nil || header == "" {
		return
	}
	serverTime, ok := ParseTimestamp(header)
	if !ok {
		return
	}
	c.clockSync.RecordSample(sentAt, serverTime)
}

// Channel is the production MessageChannel: it drives each operation
// across the strategy's ordered candidates, returning the first success
// or an aggregate failure once every candidate failed. Attempts are
// independent; no candidate is retried here.
type Channel struct {
	client   *HTTPClient
	strategy *EndpointStrategy
}

// NewChannel returns a Channel using client against strategy's routes.
func NewChannel(client *HTTPClient, strategy *EndpointStrategy) *Channel {
	return &Channel{client: client, strategy: strategy}
}

// LoadHistory fetches the full conversation snapshot.
func (c *Channel) LoadHistory(ctx context.Context, requestID int64) (History, error) {
	var out History
	err := c.firstSuccess(ctx, "load history", c.strategy.History(), func(ctx context.Context, e Endpoint) error {
		out = History{}
		return c.client.doJSON(ctx, http.MethodGet, e.Resolve(requestID), nil, &out)
	})
	return out, err
}

// MessagesSince fetches messages newer than the since timestamp, in
// ascending server order.
func (c *Channel) MessagesSince(ctx context.Context, requestID int64, since string) ([]Message, error) {
	var out []Message
	err := c.firstSuccess(ctx, "poll messages", c.strategy.Poll(), func(ctx context.Context, e Endpoint) error {
		out = nil
		target := e.Resolve(requestID) + "?since=" + url.QueryEscape(since)
		return c.client.doJSON(ctx, http.MethodGet, target, nil, &out)
	})
	return out, err
}

// Send posts a new message and returns the server-assigned id and
// timestamp.
func (c *Channel) Send(ctx context.Context, requestID int64, outgoing OutgoingMessage) (SendReceipt, error) {
	var out SendReceipt
	err := c.firstSuccess(ctx, "send message", c.strategy.Send(), func(ctx context.Context, e Endpoint) error {
		out = SendReceipt{}
		return c.client.doJSON(ctx, http.MethodPost, e.Resolve(requestID), outgoing, &out)
	})
	return out, err
}

func (c *Channel) firstSuccess(ctx context.Context, operation string, endpoints []Endpoint, attempt func(context.Context, Endpoint) error) error {
	if len(endpoints) == 0 {
		return &AllEndpointsError{Operation: operation, Attempts: 0, Last: ErrEndpointsExhausted}
	}
	var lastErr error
	for _, endpoint := range endpoints {
		err := attempt(ctx, endpoint)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return &AllEndpointsError{Operation: operation, Attempts: len(endpoints), Last: lastErr}
}
