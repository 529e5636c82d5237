// internal/conversions/client.go
package conversions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotConfigured 는 endpoint 가 설정되지 않았음을 나타낸다.
var ErrNotConfigured = errors.New("conversions: endpoint not configured")

// DefaultTimeout 은 요청 하나에 허용되는 시간.
const DefaultTimeout = 5000 * time.Millisecond

// Client 는 conversion endpoint 로 JSON 을 POST 한다.
// 2xx 외의 응답과 timeout 은 모두 실패다.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
}

func NewClient(endpoint string, timeout time.Duration, hc *http.Client) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{endpoint: endpoint, timeout: timeout, http: hc}
}

// Deliver 는 body 를 한 번 전송한다. 재시도는 호출자(queue)의 몫이다.
func (c *Client) Deliver(ctx context.Context, id string, body []byte) error {
	if c == nil || c.endpoint == "" {
		return ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", id)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}
