package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/election-sync/internal/dto"
	"github.com/noah-isme/election-sync/internal/models"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

func TestPushSendsBearerAndDecodesEnvelope(t *testing.T) {
	serverTS := time.Date(2024, 2, 14, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sync/push", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req dto.PushRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Changes, 1)
		assert.Equal(t, "station-1", req.StationID)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": dto.PushResponse{ProcessedCount: 1, ServerTimestamp: serverTS},
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL+"/", StaticToken("tok"), time.Second, nil)
	resp, err := client.Push(context.Background(), dto.PushRequest{
		Changes: []models.EntityChange{{
			ID: "c1", EntityType: models.EntityVoter, EntityID: "v1",
			Operation: models.OperationCreate, Timestamp: serverTS,
		}},
		StationID: "station-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ProcessedCount)
	assert.True(t, resp.ServerTimestamp.Equal(serverTS))
}

func TestPullEncodesQuery(t *testing.T) {
	cursor := time.Date(2024, 2, 14, 8, 0, 0, 5, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, models.FormatTime(cursor), q.Get("last_sync"))
		assert.Equal(t, "100", q.Get("limit"))
		assert.Equal(t, "200", q.Get("offset"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": dto.PullResponse{HasMore: true, TotalAvailable: 350, ServerTimestamp: cursor},
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil, time.Second, nil)
	resp, err := client.Pull(context.Background(), dto.PullQuery{LastSync: &cursor, Limit: 100, Offset: 200})
	require.NoError(t, err)
	assert.True(t, resp.HasMore)
	assert.Equal(t, 350, resp.TotalAvailable)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   *appErrors.Error
	}{
		{"dependency conflict", http.StatusConflict, appErrors.ErrDependencyConflict},
		{"unauthorized", http.StatusUnauthorized, appErrors.ErrUnauthorized},
		{"forbidden", http.StatusForbidden, appErrors.ErrForbidden},
		{"server error", http.StatusInternalServerError, appErrors.ErrTransport},
		{"bad gateway", http.StatusBadGateway, appErrors.ErrTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]interface{}{"code": "X", "message": "nope", "status": tc.status},
				})
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL, nil, time.Second, nil).Push(context.Background(), dto.PushRequest{})
			require.Error(t, err)
			assert.True(t, appErrors.Is(err, tc.want), "got %v", err)
			assert.Equal(t, tc.status, appErrors.FromError(err).Status)
		})
	}
}

func TestNetworkFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(url, nil, time.Second, nil).Pull(context.Background(), dto.PullQuery{})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTransport))
}

func TestEmptyEnvelopeIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, nil, time.Second, nil).Pull(context.Background(), dto.PullQuery{})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTransport))
}
