package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ksana-llm/ksana-llm-go/internal/errs"
	"github.com/ksana-llm/ksana-llm-go/metrics"
	"github.com/ksana-llm/ksana-llm-go/request"
)

type fakeScheduler struct {
	enqueueErr error
	enqueued   []*request.Request
}

func (f *fakeScheduler) Enqueue(req *request.Request) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, req)
	return nil
}

func (f *fakeScheduler) Abort(reqID string) error { return nil }

func TestHealthzReflectsReadiness(t *testing.T) {
	s := New(&fakeScheduler{}, metrics.New())

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, 503, rec.Code)

	s.Ready(true)
	rec = httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
}

func TestSubmitRequestReturnsReqID(t *testing.T) {
	sc := &fakeScheduler{}
	s := New(sc, metrics.New())

	body, _ := json.Marshal(map[string]any{"input_tokens": []int{1, 2, 3}})
	req := httptest.NewRequest("POST", "/v1/requests", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Len(t, sc.enqueued, 1)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["req_id"])
}

func TestSubmitRequestMapsBackpressureTo429(t *testing.T) {
	sc := &fakeScheduler{enqueueErr: errs.New(errs.Backpressure, "queue full")}
	s := New(sc, metrics.New())

	body, _ := json.Marshal(map[string]any{"input_tokens": []int{1}})
	req := httptest.NewRequest("POST", "/v1/requests", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, 429, rec.Code)
}

func TestGetUnknownRequestReturns404(t *testing.T) {
	s := New(&fakeScheduler{}, metrics.New())

	req := httptest.NewRequest("GET", "/v1/requests/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, 404, rec.Code)
}
