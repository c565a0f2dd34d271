package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/slimchat/internal/proto"
)

// DefaultRetryDelay is the pause between failed receives in Listen.
const DefaultRetryDelay = time.Second

// StatusError is returned when the server answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// Client talks the long-poll protocol to a slimchat server.
type Client struct {
	baseURL    string
	HTTPClient *http.Client
	RetryDelay time.Duration
	Logger     *zerolog.Logger
}

// New creates a client for the server at baseURL, e.g. "http://localhost:8080".
// Receive requests have no client-side timeout.
func New(baseURL string) *Client {
	nop := zerolog.Nop()
	return &Client{
		baseURL:    baseURL,
		HTTPClient: &http.Client{},
		RetryDelay: DefaultRetryDelay,
		Logger:     &nop,
	}
}

func (c *Client) do(ctx context.Context, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/?"+params.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// Send posts text from sender to room.
func (c *Client) Send(ctx context.Context, sender, room, text string) error {
	_, err := c.do(ctx, url.Values{
		"type":   {proto.RequestSend},
		"sender": {sender},
		"room":   {room},
		"data":   {text},
	})
	return err
}

// Receive waits for the next delivery to receiver and returns its messages oldest first.
func (c *Client) Receive(ctx context.Context, receiver, room string) ([]proto.QueuedMessage, error) {
	body, err := c.do(ctx, url.Values{
		"type":     {proto.RequestReceive},
		"receiver": {receiver},
		"room":     {room},
	})
	if err != nil {
		return nil, err
	}
	return decodeDelivery(body)
}

func decodeDelivery(body []byte) ([]proto.QueuedMessage, error) {
	var in proto.Inbound
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("decode delivery: %w", err)
	}

	switch in.Type {
	case proto.OutboundTypeMessage:
		var data proto.MessageData
		if err := json.Unmarshal(in.Data, &data); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		return []proto.QueuedMessage{{
			Datetime: data.Datetime,
			Sender:   data.Sender,
			Room:     in.Room,
			Message:  data.Message,
		}}, nil
	case proto.OutboundTypeQueue:
		var queued []proto.QueuedMessage
		if err := json.Unmarshal(in.Data, &queued); err != nil {
			return nil, fmt.Errorf("decode queue: %w", err)
		}
		return queued, nil
	default:
		return nil, fmt.Errorf("unknown delivery type %q", in.Type)
	}
}

// History returns the room's chat log.
func (c *Client) History(ctx context.Context, receiver, room string) ([]proto.MessageData, error) {
	body, err := c.do(ctx, url.Values{
		"type":     {proto.RequestHistory},
		"receiver": {receiver},
		"room":     {room},
	})
	if err != nil {
		return nil, err
	}

	var lines []proto.MessageData
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), len(body)+1)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var line proto.MessageData
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("decode history line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return lines, nil
}

// Stats returns "now" or a unix-millisecond timestamp for every other room member.
func (c *Client) Stats(ctx context.Context, receiver, room string) (map[string]any, error) {
	body, err := c.do(ctx, url.Values{
		"type":     {proto.RequestStats},
		"receiver": {receiver},
		"room":     {room},
	})
	if err != nil {
		return nil, err
	}

	stats := make(map[string]any)
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

// SetLock locks or unlocks room on behalf of userID.
func (c *Client) SetLock(ctx context.Context, userID, room string, lock bool) error {
	_, err := c.do(ctx, url.Values{
		"type":   {proto.RequestRoomLock},
		"userID": {userID},
		"room":   {room},
		"lock":   {strconv.FormatBool(lock)},
	})
	return err
}

// Listen polls for receiver until ctx is done, calling handler for every message.
// Any failed poll is retried after RetryDelay.
func (c *Client) Listen(ctx context.Context, receiver, room string, handler func(proto.QueuedMessage)) error {
	for {
		msgs, err := c.Receive(ctx, receiver, room)
		if err == nil {
			for _, msg := range msgs {
				handler(msg)
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			c.Logger.Warn().Int("status", statusErr.StatusCode).Str("body", statusErr.Body).Msg("receive refused")
		} else {
			c.Logger.Warn().Err(err).Msg("receive failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.RetryDelay):
		}
	}
}
