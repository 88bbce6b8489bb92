package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vaibav03/resolute-ai/internal/auth"
	"github.com/vaibav03/resolute-ai/internal/clock/system"
	"github.com/vaibav03/resolute-ai/internal/config"
	"github.com/vaibav03/resolute-ai/internal/dispatcher"
	"github.com/vaibav03/resolute-ai/internal/id/uuid"
	publishermem "github.com/vaibav03/resolute-ai/internal/publisher/memory"
	queuemem "github.com/vaibav03/resolute-ai/internal/queue/memory"
	"github.com/vaibav03/resolute-ai/internal/registry"
	"github.com/vaibav03/resolute-ai/internal/scraper"
	storagemem "github.com/vaibav03/resolute-ai/internal/storage/memory"
	"github.com/vaibav03/resolute-ai/internal/worker"
)

// stubFetcher serves canned pages keyed by URL; unknown URLs fail.
type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]string
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (scraper.FetchResult, error) {
	f.mu.Lock()
	body, ok := f.pages[url]
	f.mu.Unlock()
	if !ok {
		return scraper.FetchResult{URL: url}, fmt.Errorf("dial %s: connection refused", url)
	}
	return scraper.FetchResult{
		URL:        url,
		StatusCode: http.StatusOK,
		Body:       []byte(body),
		Duration:   time.Millisecond,
	}, nil
}

type testEnv struct {
	server  *httptest.Server
	token   string
	userID  string
	fetcher *stubFetcher
}

// newTestEnv stands up the whole service over in-memory providers with a
// single worker draining the queue and a stub fetcher.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	clock := system.New()
	idGen := uuid.New()
	reg := registry.New(clock, logger)
	users := storagemem.NewUserStore()
	metadata := storagemem.NewMetadataStore()
	queue := queuemem.NewQueue(16)
	publisher := publishermem.New()
	fetcher := &stubFetcher{pages: map[string]string{}}

	authSvc := auth.NewService(users, idGen, clock, auth.Config{
		Secret:   "test-secret",
		TokenTTL: time.Hour,
	}, logger)

	w := worker.New(queue, reg, metadata, publisher, fetcher, idGen, clock, worker.Config{
		ItemConcurrency: 4,
		Topic:           "jobs.completed",
	}, logger)
	disp := dispatcher.New(queue, []*worker.Worker{w})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		disp.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := NewServer(reg, metadata, authSvc, disp, idGen, clock, config.Config{}, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	env := &testEnv{server: ts, fetcher: fetcher}

	// Provision one account and a token for the protected routes.
	resp := env.postJSON(t, "/signup", map[string]string{"username": "alice", "password": "s3cret"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &created)
	env.userID = created.ID

	form := strings.NewReader("username=alice&password=s3cret")
	tokenResp, err := http.Post(ts.URL+"/token", "application/x-www-form-urlencoded", form)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, tokenResp.StatusCode)
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, tokenResp, &tok)
	require.NotEmpty(t, tok.AccessToken)
	env.token = tok.AccessToken

	return env
}

func (e *testEnv) postJSON(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *http.Response {
	t.Helper()
	var reader *bytes.Buffer
	if body == nil {
		reader = &bytes.Buffer{}
	} else {
		reader = body
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// submitCSV uploads a CSV body as the "file" field and returns the response.
func (e *testEnv) submitCSV(t *testing.T, csvBody string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "urls.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(csvBody))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return e.do(t, http.MethodPost, "/v1/jobs", &buf, mw.FormDataContentType())
}

func (e *testEnv) jobStatus(t *testing.T, jobID string) jobStatusResponse {
	t.Helper()
	resp := e.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/status", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status jobStatusResponse
	decodeBody(t, resp, &status)
	return status
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestSubmitPollAndResults(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.pages["https://a.example"] = `<html><head><title>A</title>` +
		`<meta name="description" content="page a"></head></html>`
	env.fetcher.pages["https://b.example"] = `<html><head><title>B</title></head></html>`

	resp := env.submitCSV(t, "url\nhttps://a.example\nhttps://broken.example\nhttps://b.example\n")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var submitted struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, resp, &submitted)
	require.NotEmpty(t, submitted.JobID)

	var final jobStatusResponse
	require.Eventually(t, func() bool {
		final = env.jobStatus(t, submitted.JobID)
		return final.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, scraper.JobStatePartial, final.State)
	require.Len(t, final.Outcomes, 3)
	require.Equal(t, 2, final.Counters.ItemsSucceeded)
	require.Equal(t, 1, final.Counters.ItemsFailed)
	require.Equal(t, 2, final.Counters.ItemsPersisted)
	require.NotNil(t, final.Started)
	require.NotNil(t, final.Finished)

	byIndex := make(map[int]scraper.ItemOutcome, len(final.Outcomes))
	for _, o := range final.Outcomes {
		byIndex[o.Index] = o
	}
	require.Equal(t, scraper.OutcomeOK, byIndex[0].Status)
	require.Equal(t, "A", byIndex[0].Meta.Title)
	require.Equal(t, "page a", byIndex[0].Meta.Description)
	require.Equal(t, scraper.OutcomeError, byIndex[1].Status)
	require.NotEmpty(t, byIndex[1].Error)
	require.Equal(t, scraper.OutcomeOK, byIndex[2].Status)

	resultsResp := env.do(t, http.MethodGet, "/v1/results", nil, "")
	require.Equal(t, http.StatusOK, resultsResp.StatusCode)
	var results struct {
		Results []scraper.MetadataRecord `json:"results"`
	}
	decodeBody(t, resultsResp, &results)
	require.Len(t, results.Results, 2)
	for _, rec := range results.Results {
		require.Equal(t, env.userID, rec.OwnerID)
	}
}

func TestSubmitMissingURLColumn(t *testing.T) {
	env := newTestEnv(t)

	resp := env.submitCSV(t, "link\nhttps://a.example\n")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, resp, &body)
	require.Contains(t, body.Error, `"url" column`)
}

func TestSubmitEmptyCSVCreatesFailedJob(t *testing.T) {
	env := newTestEnv(t)

	resp := env.submitCSV(t, "url\n")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var submitted struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, resp, &submitted)

	status := env.jobStatus(t, submitted.JobID)
	require.Equal(t, scraper.JobStateFailed, status.State)
	require.Equal(t, "no items submitted", status.Error)
	require.Nil(t, status.Started)
	require.Empty(t, status.Outcomes)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/v1/results")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/results", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer bogus")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJobStatusUnknownAndForeignJobsAre404(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/jobs/does-not-exist/status", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Submit a job as alice, then poll it as a second account.
	ownResp := env.submitCSV(t, "url\n")
	require.Equal(t, http.StatusAccepted, ownResp.StatusCode)
	var submitted struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, ownResp, &submitted)

	signup := env.postJSON(t, "/signup", map[string]string{"username": "mallory", "password": "pw"})
	require.Equal(t, http.StatusCreated, signup.StatusCode)
	signup.Body.Close()
	form := strings.NewReader("username=mallory&password=pw")
	tokenResp, err := http.Post(env.server.URL+"/token", "application/x-www-form-urlencoded", form)
	require.NoError(t, err)
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, tokenResp, &tok)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/jobs/"+submitted.JobID+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	foreign, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer foreign.Body.Close()
	require.Equal(t, http.StatusNotFound, foreign.StatusCode)
}

func TestSignupDuplicateUsernameIs400(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postJSON(t, "/signup", map[string]string{"username": "alice", "password": "other"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTokenRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)

	form := strings.NewReader("username=alice&password=wrong")
	resp, err := http.Post(env.server.URL+"/token", "application/x-www-form-urlencoded", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.pages["https://a.example"] = "<html><head><title>A</title></head></html>"

	resp := env.submitCSV(t, "url\nhttps://a.example\n")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var submitted struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, resp, &submitted)

	cancelResp := env.do(t, http.MethodPost, "/v1/jobs/"+submitted.JobID+"/cancel", nil, "")
	require.Equal(t, http.StatusAccepted, cancelResp.StatusCode)
	cancelResp.Body.Close()

	// The job still reaches a terminal state either way.
	require.Eventually(t, func() bool {
		return env.jobStatus(t, submitted.JobID).State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
