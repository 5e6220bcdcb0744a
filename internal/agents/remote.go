package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Remote invokes an agent hosted behind an HTTP endpoint. The request body is
// the JSON encoding of Request and the response body is a Reply.
type Remote struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewRemote(endpoint, token string) *Remote {
	return &Remote{
		Endpoint: endpoint,
		Token:    token,
		Client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

func (r *Remote) Invoke(ctx context.Context, req Request) (*Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := r.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return &Reply{Success: false, ErrorMessage: fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))}, nil
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decoding reply: %w", err)
	}
	return &reply, nil
}
