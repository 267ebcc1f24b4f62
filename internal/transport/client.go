package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const searchPollPeriod = 2 * time.Second

var _ Transport = (*Client)(nil)

// Client speaks the relayd protocol: REST for commands, a websocket for the
// notification stream.
type Client struct {
	baseURL   string
	accountID string
	http      *http.Client
	log       *zap.Logger

	notify chan Notification
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// Dial connects the notification stream and returns a ready client.
// accountID identifies the funding account charged per message.
func Dial(ctx context.Context, baseURL, accountID string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	baseURL = strings.TrimRight(baseURL, "/")

	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/ws?account=" + url.QueryEscape(accountID)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		baseURL:   baseURL,
		accountID: accountID,
		http:      &http.Client{Timeout: 10 * time.Second},
		log:       log,
		notify:    make(chan Notification, 64),
		conn:      conn,
		cancel:    cancel,
	}
	go c.readLoop(runCtx)
	return c, nil
}

func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *Client) Notifications() <-chan Notification { return c.notify }

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.notify)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					c.log.Warn("notification stream closed", zap.Error(err))
				}
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		n, err := DecodeFrame(f)
		if err != nil {
			c.log.Warn("dropping frame", zap.Error(err))
			continue
		}
		select {
		case c.notify <- n:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) SendMessage(ctx context.Context, target string, payload []byte) error {
	req := struct {
		AccountID string          `json:"accountId"`
		Target    string          `json:"target"`
		Payload   json.RawMessage `json:"payload"`
	}{AccountID: c.accountID, Target: target, Payload: payload}
	return c.post(ctx, "/messages", req, nil)
}

func (c *Client) Balance(ctx context.Context) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	if err := c.get(ctx, "/accounts/"+url.PathEscape(c.accountID)+"/balance", &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func (c *Client) CreateSession(ctx context.Context, name, displayName string, maxMembers int) (SessionInfo, error) {
	req := struct {
		AccountID   string `json:"accountId"`
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
		MaxMembers  int    `json:"maxMembers"`
	}{c.accountID, name, displayName, maxMembers}
	var info SessionInfo
	if err := c.post(ctx, "/sessions", req, &info); err != nil {
		return SessionInfo{}, err
	}
	return info, nil
}

func (c *Client) JoinSession(ctx context.Context, anchor, displayName string) (SessionInfo, error) {
	req := struct {
		AccountID   string `json:"accountId"`
		DisplayName string `json:"displayName"`
	}{c.accountID, displayName}
	var info SessionInfo
	if err := c.post(ctx, "/sessions/"+url.PathEscape(anchor)+"/join", req, &info); err != nil {
		return SessionInfo{}, err
	}
	return info, nil
}

// SearchSessions polls the session directory, reporting each anchor once.
func (c *Client) SearchSessions(onMatch func(Match), prefix string) (func(), error) {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		seen := make(map[string]bool)
		ticker := time.NewTicker(searchPollPeriod)
		defer ticker.Stop()
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			var matches []Match
			err := c.get(ctx, "/sessions?prefix="+url.QueryEscape(prefix), &matches)
			cancel()
			if err != nil {
				c.log.Warn("session search poll failed", zap.Error(err))
			}
			for _, m := range matches {
				if !seen[m.Anchor] {
					seen[m.Anchor] = true
					onMatch(m)
				}
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &Error{Op: "post " + path, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &Error{Op: "post " + path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &Error{Op: "get " + path, Err: err}
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	op := req.Method + " " + req.URL.Path
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{
			Op:      op,
			Funding: resp.StatusCode == http.StatusPaymentRequired,
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Err: err}
	}
	return nil
}
