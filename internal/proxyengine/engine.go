// Package proxyengine orchestrates a single client request across the
// credential pool: pick a credential for the request's model, forward it,
// and rotate to another credential on a rotation-worthy failure.
package proxyengine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/berry13/keycycle-proxy/internal/keypool"
	"github.com/berry13/keycycle-proxy/internal/upstream"
	"go.uber.org/zap"
)

// othersModel is used when a request carries no identifiable model, e.g. a
// non-POST request or an empty body.
const othersModel = "others"

// Attempt describes one completed proxy attempt, for the audit log and
// metrics hooks.
type Attempt struct {
	RequestID  string
	Model      string
	Host       string
	StatusCode int
	Err        *Error
	Rotations  int
	Duration   time.Duration
}

// Engine wires a credential pool to an upstream client.
type Engine struct {
	pool       *keypool.KeyPool
	upstream   *upstream.Client
	maxRetries int
	logger     *zap.Logger
	onAttempt  func(Attempt)
}

// New builds an Engine. maxRetries is the number of further attempts a
// single client request may make after its first one fails; each retry takes
// the pool's next credential in round-robin order, which may be one already
// tried.
func New(pool *keypool.KeyPool, client *upstream.Client, maxRetries int, logger *zap.Logger) *Engine {
	return &Engine{pool: pool, upstream: client, maxRetries: maxRetries, logger: logger}
}

// OnAttempt registers a callback invoked once per client request with a
// summary of the outcome, for the audit log and metrics.
func (e *Engine) OnAttempt(fn func(Attempt)) {
	e.onAttempt = fn
}

// Proxy forwards one client request, rotating credentials as needed.
// headers must not include a hop-by-hop Authorization header from the
// client; Proxy strips it defensively before any credential is tried.
// requestID is an opaque correlation id echoed into the Attempt report; it
// plays no role in credential selection or retry logic.
func (e *Engine) Proxy(ctx context.Context, requestID, method, path string, headers http.Header, body []byte) (*upstream.Response, *Error) {
	headers = headers.Clone()
	headers.Del("Authorization")

	start := time.Now()

	model, extractErr := extractModel(method, body)
	if extractErr != nil {
		e.report(Attempt{RequestID: requestID, Err: extractErr, StatusCode: extractErr.StatusCode(), Duration: time.Since(start)})
		return nil, extractErr
	}

	rotations := 0
	useNext := false
	var lastErr *Error
	var lastHost string

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		var cred *keypool.Credential
		if useNext {
			cred = e.pool.SelectNext()
		} else {
			cred = e.pool.SelectForModel(model)
		}
		if cred == nil {
			lastErr = errNoKeyAvailable(model)
			break
		}
		lastHost = cred.Host()

		resp, err := e.upstream.Forward(ctx, cred, method, path, headers, body)
		if err != nil {
			lastErr = classify(err)
			useNext = true
			rotations++
			continue
		}

		if upstream.ShouldRotate(resp.StatusCode) {
			resp.Body.Close()
			lastErr = &Error{Kind: statusKind(resp.StatusCode), Message: "upstream returned a rotate-worthy status"}
			useNext = true
			rotations++
			if e.logger != nil && resp.StatusCode == http.StatusBadRequest {
				e.logger.Warn("rotating credential after 400 response", zap.String("model", model))
			}
			continue
		}

		e.report(Attempt{RequestID: requestID, Model: model, Host: lastHost, StatusCode: resp.StatusCode, Rotations: rotations, Duration: time.Since(start)})
		return resp, nil
	}

	if lastErr == nil {
		lastErr = errAllRetriesExhausted()
	}
	e.report(Attempt{RequestID: requestID, Model: model, Host: lastHost, StatusCode: lastErr.StatusCode(), Err: lastErr, Rotations: rotations, Duration: time.Since(start)})
	return nil, lastErr
}

func (e *Engine) report(a Attempt) {
	if e.onAttempt != nil {
		e.onAttempt(a)
	}
}

// extractModel reads the routing key from the request. A non-POST or
// empty-body request uses the "others" sentinel. A POST request with a
// body must be valid JSON; a parse failure is InvalidJson. The model
// field itself may be absent or empty — that is not an error, it simply
// yields an empty routing key.
func extractModel(method string, body []byte) (string, *Error) {
	if method != http.MethodPost || len(body) == 0 {
		return othersModel, nil
	}
	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", errInvalidJSON(err)
	}
	return payload.Model, nil
}

func classify(err error) *Error {
	var timeoutErr upstream.ErrTimeout
	var upstreamErr upstream.ErrUpstreamFailed
	var exhaustedErr upstream.ErrAllRetriesExhausted

	switch {
	case errors.As(err, &timeoutErr):
		return errTimeout()
	case errors.As(err, &upstreamErr):
		return errUpstreamFailed(upstreamErr.Cause)
	case errors.As(err, &exhaustedErr):
		return errAllRetriesExhausted()
	default:
		return &Error{Kind: KindInternal, Message: "internal error", Cause: err}
	}
}

func statusKind(statusCode int) Kind {
	switch statusCode {
	case http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindUpstreamFailed
	}
}
