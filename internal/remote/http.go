package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/repbook/core/internal/errors"
	"github.com/repbook/core/internal/logging"
	"github.com/repbook/core/internal/models"
	"github.com/repbook/core/internal/session"
)

// HTTPConfig holds backend connection configuration.
type HTTPConfig struct {
	Endpoint string        // base URL, e.g. https://sync.example.com
	Token    string        // bearer token, empty for unauthenticated backends
	Timeout  time.Duration // per-request timeout
}

const (
	streamReadWait     = 60 * time.Second
	streamPingInterval = 30 * time.Second
	streamWriteWait    = 10 * time.Second

	reconnectInitialDelay = 1 * time.Second
	reconnectMaxDelay     = 30 * time.Second
)

// HTTPClient implements Client against a row-oriented HTTP backend
// with a WebSocket change stream.
type HTTPClient struct {
	config     *HTTPConfig
	sess       *session.Manager
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewHTTPClient creates a new HTTPClient. The session manager guards
// pushes against owner drift; pass nil to skip the check.
func NewHTTPClient(config *HTTPConfig, sess *session.Manager) *HTTPClient {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		config: config,
		sess:   sess,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		dialer: &websocket.Dialer{HandshakeTimeout: timeout},
	}
}

// Push performs the backend call for one operation.
func (c *HTTPClient) Push(ctx context.Context, op *models.SyncOperation) error {
	rec, err := op.Record()
	if err != nil {
		// A payload that does not decode can never be accepted, so it
		// goes terminal instead of burning retries.
		return errors.Wrap(errors.ErrServerRejected, "operation payload is not a record", err)
	}
	if err := checkOwner(c.sess, rec); err != nil {
		return err
	}

	switch op.Kind {
	case models.OpCreate:
		return c.insert(ctx, rec)
	case models.OpUpdate:
		return c.upsert(ctx, rec)
	case models.OpDelete:
		return c.deleteRow(ctx, rec)
	default:
		return errors.New(errors.ErrInternal, "unknown operation kind: "+string(op.Kind))
	}
}

// insert creates the backend row. A 409 means an earlier attempt for
// the same id already landed, possibly with an older payload than the
// one this operation now carries, so the create falls back to
// replacing the row instead of trusting whatever the first attempt
// stored.
func (c *HTTPClient) insert(ctx context.Context, rec *models.Record) error {
	status, err := c.doJSON(ctx, http.MethodPost, c.recordsURL(""), rec, http.StatusConflict)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		return c.upsert(ctx, rec)
	}
	return nil
}

// upsert replaces the backend row by id.
func (c *HTTPClient) upsert(ctx context.Context, rec *models.Record) error {
	_, err := c.doJSON(ctx, http.MethodPut, c.recordsURL(string(rec.ID)), rec)
	return err
}

// deleteRow removes the backend row. A 404 means the row never reached
// the backend (delete superseded an unflushed create) or is already
// gone; both count as success.
func (c *HTTPClient) deleteRow(ctx context.Context, rec *models.Record) error {
	target := c.recordsURL(string(rec.ID)) + "?owner_id=" + url.QueryEscape(rec.OwnerID)
	_, err := c.doJSON(ctx, http.MethodDelete, target, nil, http.StatusNotFound)
	return err
}

// OpenChangeStream consumes the backend's filtered change stream,
// reconnecting with capped exponential backoff whenever the connection
// drops. Returns nil once ctx is canceled; an authentication rejection
// from the backend returns immediately instead of reconnecting.
func (c *HTTPClient) OpenChangeStream(ctx context.Context, ownerID string, onChange ChangeHandler) error {
	target, err := c.streamURL(ownerID)
	if err != nil {
		return err
	}

	for {
		conn, err := c.connectStream(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		logging.Info("Change stream connected",
			map[string]interface{}{"owner_id": ownerID})

		c.pumpEvents(ctx, conn, onChange)
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		logging.Warn("Change stream dropped, reconnecting",
			map[string]interface{}{"owner_id": ownerID})
	}
}

// Close releases idle backend connections.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// connectStream dials the stream endpoint until it succeeds, backing
// off exponentially between attempts. The backoff resets on every
// successful connection because each reconnect cycle starts fresh.
func (c *HTTPClient) connectStream(ctx context.Context, target string) (*websocket.Conn, error) {
	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}

	var conn *websocket.Conn
	backoff := retry.WithCappedDuration(reconnectMaxDelay, retry.NewExponential(reconnectInitialDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		dialed, resp, derr := c.dialer.DialContext(ctx, target, header)
		if derr != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return errors.New(errors.ErrAuthMismatch, "change stream rejected: "+resp.Status)
			}
			logging.Debug("Change stream dial failed",
				map[string]interface{}{"error": derr.Error()})
			return retry.RetryableError(derr)
		}
		conn = dialed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// pumpEvents reads change events until the connection breaks or ctx is
// canceled, keeping the connection alive with periodic pings.
func (c *HTTPClient) pumpEvents(ctx context.Context, conn *websocket.Conn, onChange ChangeHandler) {
	done := make(chan struct{})
	defer close(done)

	// Ping loop; also closes the connection on ctx cancel to unblock
	// the blocking read below.
	go func() {
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(streamReadWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadWait))
		return nil
	})

	for {
		var event ChangeEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("Change stream read error",
					map[string]interface{}{"error": err.Error()})
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(streamReadWait))

		if event.Record == nil {
			continue
		}
		onChange(event)
	}
}

// recordsURL builds the records resource URL, optionally for one row.
func (c *HTTPClient) recordsURL(id string) string {
	base := strings.TrimRight(c.config.Endpoint, "/") + "/api/records"
	if id != "" {
		base += "/" + url.PathEscape(id)
	}
	return base
}

// streamURL builds the WebSocket change stream URL filtered to an
// owner.
func (c *HTTPClient) streamURL(ownerID string) (string, error) {
	u, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return "", errors.Wrap(errors.ErrValidation, "invalid backend endpoint", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New(errors.ErrValidation, "unsupported endpoint scheme: "+u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/records/stream"
	q := u.Query()
	q.Set("owner_id", ownerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// doJSON executes one backend request and classifies the outcome.
// Tolerated status codes count as success; the reached status is
// returned so callers can react to a tolerated one.
func (c *HTTPClient) doJSON(ctx context.Context, method, target string, payload interface{}, tolerated ...int) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, errors.Wrap(errors.ErrInternal, "failed to encode request payload", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, errors.Wrap(errors.ErrInternal, "failed to build backend request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, classifyRequestError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	for _, status := range tolerated {
		if resp.StatusCode == status {
			return resp.StatusCode, nil
		}
	}
	return resp.StatusCode, classifyStatus(resp.StatusCode, resp.Body)
}

// classifyRequestError maps transport-level failures onto the retry
// taxonomy.
func classifyRequestError(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrSyncTimeout, "backend request timed out", err)
	}
	return errors.Wrap(errors.ErrNetwork, "backend request failed", err)
}

// classifyStatus maps backend response codes onto the retry taxonomy:
// auth rejections and validation failures are terminal, everything
// else stays retryable.
func classifyStatus(status int, body io.Reader) error {
	detail, _ := io.ReadAll(io.LimitReader(body, 512))
	msg := fmt.Sprintf("backend returned status %d: %s", status, strings.TrimSpace(string(detail)))

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.New(errors.ErrAuthMismatch, msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errors.New(errors.ErrServerRejected, msg)
	default:
		return errors.New(errors.ErrSyncFailed, msg)
	}
}
