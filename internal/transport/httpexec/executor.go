// Package httpexec replays queued mutations against a REST backend that
// versions its records and honours If-Match.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 1 << 20

// record is the backend's representation of one entity.
type record struct {
	Version int64          `json:"version"`
	Data    models.Payload `json:"data"`
	Error   string         `json:"error,omitempty"`
}

// Executor maps mutations onto HTTP calls:
//
//	create  POST   {base}/{entity_type}
//	update  PUT    {base}/{entity_type}/{target_id}   If-Match: <base version>
//	delete  DELETE {base}/{entity_type}/{target_id}   If-Match: <base version>
type Executor struct {
	client  *http.Client
	baseURL string
	header  http.Header
}

// New creates an Executor. A nil client uses a client without a timeout;
// the coordinator bounds each call itself.
func New(baseURL string, client *http.Client) (*Executor, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.New(apperrors.ErrInvalidConfig, "backend base url is invalid: "+baseURL)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Executor{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  make(http.Header),
	}, nil
}

// SetHeader adds a header, e.g. Authorization, to every request.
func (e *Executor) SetHeader(key, value string) {
	e.header.Set(key, value)
}

// Execute sends m and reports what the server did with it.
func (e *Executor) Execute(ctx context.Context, m *models.Mutation) (syncpkg.Result, error) {
	req, err := e.newRequest(ctx, m)
	if err != nil {
		return syncpkg.Result{}, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return syncpkg.Result{}, apperrors.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return syncpkg.Result{}, apperrors.Transient(err)
	}
	return interpret(resp, body)
}

func (e *Executor) newRequest(ctx context.Context, m *models.Mutation) (*http.Request, error) {
	collection := e.baseURL + "/" + url.PathEscape(m.EntityType)

	var (
		method string
		target string
		body   io.Reader
	)
	switch m.Operation {
	case models.OpCreate:
		method, target = http.MethodPost, collection
	case models.OpUpdate:
		method, target = http.MethodPut, collection+"/"+url.PathEscape(m.TargetID)
	case models.OpDelete:
		method, target = http.MethodDelete, collection+"/"+url.PathEscape(m.TargetID)
	default:
		return nil, apperrors.Terminal("unknown operation: "+string(m.Operation), nil)
	}

	if m.Operation != models.OpDelete {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, apperrors.Terminal("encode payload", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, apperrors.Terminal("build request", err)
	}
	for k, v := range e.header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", m.ID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if m.Operation != models.OpCreate {
		req.Header.Set("If-Match", strconv.FormatInt(m.BaseVersion, 10))
	}
	return req, nil
}

// interpret maps a response onto a replay result or a classified error.
func interpret(resp *http.Response, body []byte) (syncpkg.Result, error) {
	var rec record
	if len(bytes.TrimSpace(body)) > 0 {
		// Error pages need not be JSON; only success and conflict bodies must be.
		if err := json.Unmarshal(body, &rec); err != nil && (resp.StatusCode < 300 || resp.StatusCode == http.StatusConflict) {
			return syncpkg.Result{}, apperrors.Transient(fmt.Errorf("decode %d response: %w", resp.StatusCode, err))
		}
	}
	if rec.Version == 0 {
		rec.Version = etagVersion(resp.Header.Get("ETag"))
	}

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return syncpkg.Result{Applied: true, ServerVersion: rec.Version, ServerData: rec.Data}, nil

	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		return syncpkg.Result{Conflict: true, ServerVersion: rec.Version, ServerData: rec.Data}, nil

	case code == http.StatusNotFound || code == http.StatusGone:
		return syncpkg.Result{ServerDeleted: true}, nil

	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return syncpkg.Result{}, apperrors.Terminal(message(code, rec, body), nil)

	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		err := fmt.Errorf("%s", message(code, rec, body))
		if d := retryAfter(resp.Header.Get("Retry-After")); d > 0 {
			err = &syncpkg.RetryAfterError{Delay: d, Err: err}
		}
		return syncpkg.Result{}, apperrors.Transient(err)

	default:
		return syncpkg.Result{}, apperrors.Terminal(message(code, rec, body), nil)
	}
}

// maxMessageRunes bounds how much of an error body reaches logs and status.
const maxMessageRunes = 200

func message(code int, rec record, body []byte) string {
	msg := rec.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if r := []rune(msg); len(r) > maxMessageRunes {
		msg = string(r[:maxMessageRunes])
	}
	if msg == "" {
		return fmt.Sprintf("server returned %d", code)
	}
	return fmt.Sprintf("server returned %d: %s", code, msg)
}

// etagVersion reads a numeric version from an ETag such as "7" or W/"7".
func etagVersion(tag string) int64 {
	tag = strings.TrimPrefix(tag, "W/")
	v, err := strconv.ParseInt(strings.Trim(tag, `"`), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t).Round(time.Second)
	}
	return 0
}
