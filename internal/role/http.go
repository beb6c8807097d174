package role

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kingrea/conclave/internal/report"
)

// DefaultHTTPTimeout bounds a single request when no timeout is configured.
const DefaultHTTPTimeout = 5 * time.Minute

// maxErrorBody caps how much of a failed response is quoted in the error.
const maxErrorBody = 512

// HTTPHandler posts the task as JSON to a worker endpoint and decodes the
// response body as a report. 5xx responses and transport errors are
// retryable; any other non-2xx status is fatal.
type HTTPHandler struct {
	endpoint string
	client   *resty.Client
}

// NewHTTPHandler validates endpoint and prepares a client for it. A zero
// timeout selects DefaultHTTPTimeout.
func NewHTTPHandler(endpoint string, timeout time.Duration) (*HTTPHandler, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("role: url is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("role: invalid url %q: %w", endpoint, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("role: url scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("role: url %q has no host", endpoint)
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
	return &HTTPHandler{endpoint: endpoint, client: client}, nil
}

// Endpoint returns the worker URL.
func (h *HTTPHandler) Endpoint() string { return h.endpoint }

func (h *HTTPHandler) Handle(ctx context.Context, task Task) (report.Report, error) {
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("X-Conclave-Task-Id", task.ID).
		SetHeader("X-Conclave-Run-Id", task.RunID).
		SetHeader("X-Conclave-Attempt", strconv.Itoa(task.Attempt)).
		SetBody(task).
		Post(h.endpoint)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report.Report{}, fmt.Errorf("role: %s task %s: %w", task.Role, task.ID, ctxErr)
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return report.Report{}, fmt.Errorf("role: %s task %s: request timed out: %w", task.Role, task.ID, err)
		}
		return report.Report{}, fmt.Errorf("role: %s task %s: post %s: %w", task.Role, task.ID, h.endpoint, err)
	}
	status := resp.StatusCode()
	switch {
	case status >= http.StatusInternalServerError:
		return report.Report{}, fmt.Errorf("role: %s task %s: worker returned %s%s", task.Role, task.ID, resp.Status(), bodySuffix(resp.Body()))
	case status < http.StatusOK || status >= http.StatusMultipleChoices:
		return report.Report{}, Fatal(fmt.Errorf("role: %s task %s: worker returned %s%s", task.Role, task.ID, resp.Status(), bodySuffix(resp.Body())))
	}
	rep, err := report.Decode(resp.Body())
	if err != nil {
		return report.Report{}, Fatal(fmt.Errorf("role: %s task %s: %w", task.Role, task.ID, err))
	}
	return rep, nil
}

func bodySuffix(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	return ": " + text
}
