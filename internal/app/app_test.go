package app_test

import (
	"IntentFlow/internal/app"
	"IntentFlow/internal/config"
	"IntentFlow/internal/event"
	"IntentFlow/internal/projection"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	t.Setenv("INTENTFLOW_TRANSPORT", config.TransportLocal)
	t.Setenv("INTENTFLOW_HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("INTENTFLOW_GRPC_ADDR", "127.0.0.1:0")
	t.Setenv("INTENTFLOW_METRICS_ADDR", "127.0.0.1:0")
	t.Setenv("INTENTFLOW_VENUE_POLL_INTERVAL", "1ms")
	t.Setenv("INTENTFLOW_VENUE_TIMEOUT", "2s")
	t.Setenv("INTENTFLOW_LRU_CAPACITY", "1000")

	cfg, err := config.Load()
	require.NoError(t, err)

	a, err := app.New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Shutdown(ctx))
	})
	return a
}

func call(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

const submitBody = `{
  "strategyId": "6f1c2a7e-2b7f-4a57-9d2a-1f0b7a9b9c11",
  "type": "acquire",
  "priority": 7,
  "assets": [{
    "asset": {"symbol": "WETH", "address": "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", "decimals": 18, "chainId": 1},
    "amount": "2"
  }],
  "constraints": {"maxSlippage": "0.01", "timeWindowMs": 60000, "executionStyle": "adaptive"}
}`

func TestIntentFlowsToCompletion(t *testing.T) {
	a := newTestApp(t)
	h := a.Handler()
	assert.True(t, a.Ready())
	assert.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/readyz", "").Code)

	rec := call(t, h, http.MethodPost, "/v1/intents", submitBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var rcpt struct {
		IntentID string `json:"intentId"`
		Status   string `json:"status"`
		EventID  string `json:"eventId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rcpt))
	assert.Equal(t, "queued", rcpt.Status)

	require.Eventually(t, func() bool {
		st, err := a.Coordinator().GetIntentState(rcpt.IntentID)
		return err == nil && st.State == projection.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = call(t, h, http.MethodGet, "/v1/intents/"+rcpt.IntentID+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Events []struct {
			EventID          string `json:"eventId"`
			Topic            string `json:"topic"`
			CausationID      string `json:"causationId"`
			CorrelationID    string `json:"correlationId"`
			AggregateVersion int64  `json:"aggregateVersion"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))

	var topics []string
	for i, e := range hist.Events {
		topics = append(topics, e.Topic)
		assert.Equal(t, event.IntentCorrelation(rcpt.IntentID), e.CorrelationID)
		assert.Equal(t, int64(i+1), e.AggregateVersion)
		if i > 0 {
			assert.Equal(t, hist.Events[i-1].EventID, e.CausationID, "%s causation", e.Topic)
		}
	}
	assert.Equal(t, []string{
		event.TopicIntentSubmitted,
		event.TopicIntentStatusChanged,
		event.TopicPlanCreated,
		event.TopicExecStarted,
		event.TopicExecStepSubmitted,
		event.TopicExecStepFilled,
		event.TopicExecCompleted,
	}, topics)
	assert.Equal(t, rcpt.EventID, hist.Events[0].EventID)

	st, err := a.Coordinator().GetIntentState(rcpt.IntentID)
	require.NoError(t, err)
	require.NotEmpty(t, st.LatestPlanID)
	rec = call(t, h, http.MethodGet, "/v1/plans/"+st.LatestPlanID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"Completed"`)

	rec = call(t, h, http.MethodGet, "/v1/events/"+event.TopicPlanCreated+"/replay", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), st.LatestPlanID)

	assert.JSONEq(t, `{"size":0}`, call(t, h, http.MethodGet, "/v1/queue", "").Body.String())
}

func TestRiskRejectionIsNotRecorded(t *testing.T) {
	a := newTestApp(t)
	body := strings.Replace(submitBody, `"amount": "2"`, `"amount": "20000"`, 1)

	rec := call(t, a.Handler(), http.MethodPost, "/v1/intents", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOTIONAL_LIMIT")

	var rcpt struct {
		IntentID string `json:"intentId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rcpt))
	assert.Equal(t, http.StatusNotFound, call(t, a.Handler(), http.MethodGet, "/v1/intents/"+rcpt.IntentID, "").Code)
}

func TestStartAndShutdownAreGuarded(t *testing.T) {
	a := newTestApp(t)
	assert.Error(t, a.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
	assert.False(t, a.Ready())
	assert.NoError(t, a.Shutdown(ctx))
}
