package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultPushEndpoint = "https://api.line.me/v2/bot/message/push"

// Line pushes text messages through the LINE Messaging API.
type Line struct {
	Token    string
	Endpoint string
	Client   *http.Client
}

// NewLine builds a Line notifier with the channel access token.
func NewLine(token string) *Line {
	return &Line{
		Token:    token,
		Endpoint: defaultPushEndpoint,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []pushMessage `json:"messages"`
}

type pushMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Push sends one text message. Non-2xx responses are returned as errors so
// callers can log them; nothing is retried here.
func (l *Line) Push(ctx context.Context, lineUserID, text string) error {
	body, err := json.Marshal(pushRequest{
		To:       lineUserID,
		Messages: []pushMessage{{Type: "text", Text: text}},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.Token)

	resp, err := l.Client.Do(req)
	if err != nil {
		return fmt.Errorf("line push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("line push: status %d: %s", resp.StatusCode, detail)
	}
	return nil
}
