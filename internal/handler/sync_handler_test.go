package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/election-sync/internal/dto"
	"github.com/noah-isme/election-sync/internal/middleware"
	"github.com/noah-isme/election-sync/internal/models"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

type syncServiceMock struct {
	pushResp  *dto.PushResponse
	pushErr   error
	lastPush  dto.PushRequest
	pushClaim *models.JWTClaims

	pullResp *dto.PullResponse
	pullHit  bool
	pullErr  error
	lastPull dto.PullQuery
	lastRole models.UserRole

	statsResp    *dto.StatsResponse
	statsStation string
}

func (m *syncServiceMock) Push(_ context.Context, claims *models.JWTClaims, req dto.PushRequest) (*dto.PushResponse, error) {
	m.lastPush, m.pushClaim = req, claims
	return m.pushResp, m.pushErr
}

func (m *syncServiceMock) Pull(_ context.Context, role models.UserRole, q dto.PullQuery) (*dto.PullResponse, bool, error) {
	m.lastRole, m.lastPull = role, q
	return m.pullResp, m.pullHit, m.pullErr
}

func (m *syncServiceMock) Stats(_ context.Context, _ *models.JWTClaims, stationID string) (*dto.StatsResponse, error) {
	m.statsStation = stationID
	return m.statsResp, nil
}

func newSyncContext(method, target string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, target, bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "op-1", Role: models.RoleOperator, StationID: "pen-7"})
	return c, w
}

type envelope struct {
	Data  json.RawMessage  `json:"data"`
	Error *appErrors.Error `json:"error"`
	Meta  map[string]any   `json:"meta"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestSyncHandlerPush(t *testing.T) {
	svc := &syncServiceMock{pushResp: &dto.PushResponse{ProcessedCount: 1, FailedChanges: []dto.FailedChange{}, Conflicts: []models.EntityChange{}}}
	h := NewSyncHandler(svc, svc, svc, 1<<20)

	body := `{"changes":[{"id":"c1","entity_type":"Pen","entity_id":"p1","operation":"CREATE","data":{"code":"P1"},"timestamp":"2024-02-14T08:00:00Z"}],"client_timestamp":"2024-02-14T08:00:01Z","station_id":"pen-7"}`
	c, w := newSyncContext(http.MethodPost, "/sync/push", []byte(body))
	h.Push(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, svc.lastPush.Changes, 1)
	assert.Equal(t, models.EntityPen, svc.lastPush.Changes[0].EntityType)
	assert.Equal(t, "pen-7", svc.pushClaim.StationID)

	var resp dto.PushResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &resp))
	assert.Equal(t, 1, resp.ProcessedCount)
}

func TestSyncHandlerPushErrors(t *testing.T) {
	svc := &syncServiceMock{pushErr: appErrors.ErrDependencyConflict}
	h := NewSyncHandler(svc, svc, svc, 64)

	c, w := newSyncContext(http.MethodPost, "/sync/push", []byte(`{"changes":[],"station_id":"`+strings.Repeat("x", 100)+`"}`))
	h.Push(c)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	c, w = newSyncContext(http.MethodPost, "/sync/push", []byte(`{"changes":`))
	h.Push(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	c, w = newSyncContext(http.MethodPost, "/sync/push", []byte(`{"changes":[]}`))
	h.Push(c)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, appErrors.ErrDependencyConflict.Code, decode(t, w).Error.Code)
}

func TestSyncHandlerPullParsesQueryAndReportsCacheHit(t *testing.T) {
	svc := &syncServiceMock{pullResp: &dto.PullResponse{Changes: []models.EntityChange{}}, pullHit: true}
	h := NewSyncHandler(svc, svc, svc, 0)

	c, w := newSyncContext(http.MethodGet, "/sync/pull?last_sync=2024-02-14T08:00:00.5%2B01:00&limit=50&offset=100", nil)
	h.Pull(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, svc.lastPull.LastSync)
	assert.True(t, svc.lastPull.LastSync.Equal(time.Date(2024, 2, 14, 7, 0, 0, 500000000, time.UTC)))
	assert.Equal(t, 50, svc.lastPull.Limit)
	assert.Equal(t, 100, svc.lastPull.Offset)
	assert.Equal(t, models.RoleOperator, svc.lastRole)
	assert.Equal(t, true, decode(t, w).Meta["cache_hit"])
}

func TestSyncHandlerPullRejectsBadQuery(t *testing.T) {
	svc := &syncServiceMock{}
	h := NewSyncHandler(svc, svc, svc, 0)

	for _, target := range []string{"/sync/pull?last_sync=yesterday", "/sync/pull?limit=ten", "/sync/pull?offset=1.5"} {
		c, w := newSyncContext(http.MethodGet, target, nil)
		h.Pull(c)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestSyncHandlerStats(t *testing.T) {
	svc := &syncServiceMock{statsResp: &dto.StatsResponse{PendingPushCount: 4, SyncEnabled: true}}
	h := NewSyncHandler(svc, svc, svc, 0)

	c, w := newSyncContext(http.MethodGet, "/sync/stats?station_id=pen-9", nil)
	h.Stats(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pen-9", svc.statsStation)
	var stats dto.StatsResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &stats))
	assert.Equal(t, 4, stats.PendingPushCount)
	assert.Nil(t, stats.LastSuccessfulSync)
}
