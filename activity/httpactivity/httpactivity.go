// Package httpactivity implements the workflow handlers by calling HTTP endpoints. Each handler location
// receives the current payload as a JSON POST body and answers with the updated payload.
package httpactivity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cschleiden/instance-restarter/activity"
	"github.com/cschleiden/instance-restarter/log"
	"github.com/cschleiden/instance-restarter/workflow"
)

// AttemptHeader carries the 1-based attempt number of the invocation.
const AttemptHeader = "X-Restarter-Attempt"

// maxBodySize bounds how much of a response is read.
const maxBodySize = 1 << 20

var ErrMissingLocation = errors.New("handler location is not configured")

// Locations are the URLs of the three handlers.
type Locations struct {
	StopInstance       string `yaml:"stop_instance" json:"stopInstance"`
	CheckInstanceState string `yaml:"check_instance_state" json:"checkInstanceState"`
	StartInstance      string `yaml:"start_instance" json:"startInstance"`
}

func (l Locations) Validate() error {
	for task, url := range map[string]string{
		workflow.TaskStopInstance:       l.StopInstance,
		workflow.TaskCheckInstanceState: l.CheckInstanceState,
		workflow.TaskStartInstance:      l.StartInstance,
	} {
		if url == "" {
			return fmt.Errorf("%s: %w", task, ErrMissingLocation)
		}
	}

	return nil
}

// StatusError is returned for responses outside of the 2xx range.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("handler returned status %d", e.Code)
	}

	return fmt.Sprintf("handler returned status %d: %s", e.Code, e.Body)
}

// Retryable returns true for throttling and server errors.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type Option func(*Handlers)

func WithHTTPClient(c *http.Client) Option {
	return func(h *Handlers) {
		h.client = c
	}
}

// WithTimeout sets the timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(h *Handlers) {
		h.client = &http.Client{Timeout: d}
	}
}

type Handlers struct {
	locations Locations
	client    *http.Client
}

var _ workflow.Activities = (*Handlers)(nil)

func New(locations Locations, opts ...Option) (*Handlers, error) {
	if err := locations.Validate(); err != nil {
		return nil, err
	}

	h := &Handlers{
		locations: locations,
		client:    &http.Client{Timeout: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

func (h *Handlers) StopInstance(ctx context.Context, payload workflow.Payload) error {
	_, err := h.invoke(ctx, h.locations.StopInstance, payload)
	return err
}

func (h *Handlers) CheckInstanceState(ctx context.Context, payload workflow.Payload) (workflow.InstanceStatus, error) {
	updated, err := h.invoke(ctx, h.locations.CheckInstanceState, payload)
	if err != nil {
		return "", err
	}

	if updated == nil || updated.InstanceState == "" {
		return "", workflow.NewPermanentError(errors.New("handler response does not contain an instance state"))
	}

	return updated.InstanceState, nil
}

func (h *Handlers) StartInstance(ctx context.Context, payload workflow.Payload) error {
	_, err := h.invoke(ctx, h.locations.StartInstance, payload)
	return err
}

// invoke posts the payload to url. The decoded response is nil if the handler returned an empty body.
func (h *Handlers) invoke(ctx context.Context, url string, payload workflow.Payload) (*workflow.Payload, error) {
	logger := activity.Logger(ctx)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, workflow.NewPermanentError(fmt.Errorf("marshaling payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, workflow.NewPermanentError(fmt.Errorf("creating request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AttemptHeader, strconv.Itoa(activity.Attempt(ctx)))

	start := time.Now()

	resp, err := h.client.Do(req)
	if err != nil {
		logger.WarnContext(ctx, "handler request failed", "url", url, "error", err)
		return nil, fmt.Errorf("calling handler: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading handler response: %w", err)
	}

	logger.DebugContext(ctx, "handler responded",
		"url", url,
		"status", resp.StatusCode,
		log.DurationKey, time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
		if serr.Retryable() {
			return nil, serr
		}

		return nil, workflow.NewPermanentError(serr)
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, nil
	}

	var updated workflow.Payload
	if err := json.Unmarshal(respBody, &updated); err != nil {
		return nil, workflow.NewPermanentError(fmt.Errorf("decoding handler response: %w", err))
	}

	return &updated, nil
}
