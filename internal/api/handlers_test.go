package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailforge/platform/internal/events"
	"github.com/mailforge/platform/internal/queue"
	"github.com/mailforge/platform/internal/sequence"
)

type runnerStub struct {
	processed int
	err       error
}

func (r *runnerStub) RunOnce(context.Context) (int, error) { return r.processed, r.err }

type statsStub struct {
	stats *events.CampaignStats
	err   error
}

func (s *statsStub) Campaign(context.Context, uuid.UUID) (*events.CampaignStats, error) {
	return s.stats, s.err
}

type queueStub struct {
	pushed []*queue.Job
	dead   []queue.Job
	err    error
}

func (q *queueStub) Push(_ context.Context, _ string, job *queue.Job, _ time.Time) error {
	if q.err != nil {
		return q.err
	}
	q.pushed = append(q.pushed, job)
	return nil
}

func (q *queueStub) DeadLetters(context.Context, string, int64) ([]queue.Job, error) {
	return q.dead, q.err
}

func noopTracking() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}

func testServer(runner *runnerStub, stats *statsStub, jobs *queueStub) *httptest.Server {
	h := NewHandlers(runner, stats, jobs)
	srv := NewServer(noopTracking(), h, []string{"*"})
	return httptest.NewServer(srv.Handler())
}

func TestHealth(t *testing.T) {
	ts := testServer(&runnerStub{}, &statsStub{}, &queueStub{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestRunSequenceWorker(t *testing.T) {
	ts := testServer(&runnerStub{processed: 7}, &statsStub{}, &queueStub{})
	defer ts.Close()

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req, _ := http.NewRequest(method, ts.URL+"/api/workers/sequences/run", nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var body struct {
			Processed int  `json:"processed"`
			Success   bool `json:"success"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.Equal(t, 7, body.Processed)
		assert.True(t, body.Success)
	}
}

func TestRunSequenceWorkerError(t *testing.T) {
	ts := testServer(&runnerStub{err: errors.New("redis down")}, &statsStub{}, &queueStub{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/workers/sequences/run", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var body struct {
		Success bool `json:"success"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Success)
}

func TestEnrollContactQueuesManualTrigger(t *testing.T) {
	jobs := &queueStub{}
	ts := testServer(&runnerStub{}, &statsStub{}, jobs)
	defer ts.Close()

	sequenceID, contactID, brandID := uuid.New(), uuid.New(), uuid.New()
	body := fmt.Sprintf(`{"contact_id":%q,"email":"jane@example.com","brand_id":%q,"fields":{"first_name":"Jane"}}`,
		contactID, brandID)

	resp, err := http.Post(ts.URL+"/api/sequences/"+sequenceID.String()+"/enroll",
		"application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, jobs.pushed, 1)
	job := jobs.pushed[0]
	assert.Equal(t, queue.JobEnrollContact, job.Name)

	var evt sequence.TriggerEvent
	require.NoError(t, json.Unmarshal(job.Data, &evt))
	assert.Equal(t, sequence.TriggerManual, evt.Type)
	assert.Equal(t, sequenceID, evt.SequenceID)
	assert.Equal(t, contactID, evt.ContactID)
	assert.Equal(t, "jane@example.com", evt.Email)
	assert.Equal(t, "Jane", evt.Fields["first_name"])
}

func TestEnrollContactValidation(t *testing.T) {
	jobs := &queueStub{}
	ts := testServer(&runnerStub{}, &statsStub{}, jobs)
	defer ts.Close()

	tests := []struct {
		name string
		path string
		body string
	}{
		{"bad sequence id", "/api/sequences/not-a-uuid/enroll", `{"contact_id":"` + uuid.NewString() + `","email":"x@y.test"}`},
		{"missing contact", "/api/sequences/" + uuid.NewString() + "/enroll", `{"email":"x@y.test"}`},
		{"missing email", "/api/sequences/" + uuid.NewString() + "/enroll", `{"contact_id":"` + uuid.NewString() + `"}`},
		{"malformed body", "/api/sequences/" + uuid.NewString() + "/enroll", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+tt.path, "application/json", bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, jobs.pushed)
}

func TestCampaignStats(t *testing.T) {
	campaignID := uuid.New()
	ts := testServer(&runnerStub{}, &statsStub{stats: &events.CampaignStats{
		CampaignID: campaignID,
		SentCount:  200,
		OpenCount:  50,
		OpenRate:   25.0,
	}}, &queueStub{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/campaigns/" + campaignID.String() + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got events.CampaignStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, campaignID, got.CampaignID)
	assert.Equal(t, 25.0, got.OpenRate)
}

func TestDeadLetters(t *testing.T) {
	dead := []queue.Job{*queue.NewJob(queue.JobSendSequenceEmail, map[string]int{"step": 3})}
	ts := testServer(&runnerStub{}, &statsStub{}, &queueStub{dead: dead})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/queues/email-sequences/dead")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Queue string      `json:"queue"`
		Jobs  []queue.Job `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "email-sequences", body.Queue)
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, queue.JobSendSequenceEmail, body.Jobs[0].Name)
}

func TestDeadLettersEmpty(t *testing.T) {
	ts := testServer(&runnerStub{}, &statsStub{}, &queueStub{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/queues/email-sequences/dead")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Jobs []queue.Job `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotNil(t, body.Jobs)
	assert.Empty(t, body.Jobs)
}
