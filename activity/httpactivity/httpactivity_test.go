package httpactivity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cschleiden/instance-restarter/activitytester"
	"github.com/cschleiden/instance-restarter/workflow"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, handler http.HandlerFunc) (*Handlers, *httptest.Server) {
	t.Helper()

	s := httptest.NewServer(handler)
	t.Cleanup(s.Close)

	h, err := New(Locations{
		StopInstance:       s.URL + "/stop",
		CheckInstanceState: s.URL + "/check",
		StartInstance:      s.URL + "/start",
	}, WithHTTPClient(s.Client()))
	require.NoError(t, err)

	return h, s
}

func Test_New_RequiresLocations(t *testing.T) {
	_, err := New(Locations{StopInstance: "http://localhost/stop"})
	require.ErrorIs(t, err, ErrMissingLocation)
}

func Test_CheckInstanceState(t *testing.T) {
	h, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/check", r.URL.Path)
		require.Equal(t, "3", r.Header.Get(AttemptHeader))

		var p workflow.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		require.Equal(t, "i-0123", p.InstanceID)

		p.InstanceState = workflow.StatusStopping
		_ = json.NewEncoder(w).Encode(p)
	})

	ctx := activitytester.WithActivityTestState(context.Background(), workflow.TaskCheckInstanceState, "i-0123", 3, nil)

	s, err := h.CheckInstanceState(ctx, workflow.Payload{InstanceID: "i-0123"})
	require.NoError(t, err)
	require.Equal(t, workflow.StatusStopping, s)
}

func Test_CheckInstanceState_MissingState(t *testing.T) {
	h, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"instanceId":"i-0123"}`))
	})

	_, err := h.CheckInstanceState(context.Background(), workflow.Payload{InstanceID: "i-0123"})
	require.Error(t, err)
	require.False(t, workflow.CanRetry(err))
}

func Test_StopAndStart_EmptyBody(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)

	h, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	})

	ctx := activitytester.WithActivityTestState(context.Background(), workflow.TaskStopInstance, "i-0123", 1, nil)

	require.NoError(t, h.StopInstance(ctx, workflow.Payload{InstanceID: "i-0123"}))
	require.NoError(t, h.StartInstance(ctx, workflow.Payload{InstanceID: "i-0123"}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"/stop", "/start"}, paths)
}

func Test_StatusCodes(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		retryable bool
	}{
		{"throttled", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"unavailable", http.StatusServiceUnavailable, true},
		{"bad request", http.StatusBadRequest, false},
		{"not found", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "InvalidInstanceID.NotFound", tt.code)
			})

			_, err := h.CheckInstanceState(context.Background(), workflow.Payload{InstanceID: "i-0123"})
			require.Error(t, err)
			require.ErrorContains(t, err, "InvalidInstanceID.NotFound")
			require.Equal(t, tt.retryable, workflow.CanRetry(err))
		})
	}
}

func Test_TransportError_IsRetryable(t *testing.T) {
	h, s := newServer(t, func(w http.ResponseWriter, r *http.Request) {})
	s.Close()

	err := h.StopInstance(context.Background(), workflow.Payload{InstanceID: "i-0123"})
	require.Error(t, err)
	require.True(t, workflow.CanRetry(err))
}

func Test_InvalidResponse_IsPermanent(t *testing.T) {
	h, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	err := h.StartInstance(context.Background(), workflow.Payload{InstanceID: "i-0123"})
	require.ErrorContains(t, err, "decoding handler response")
	require.False(t, workflow.CanRetry(err))
}
