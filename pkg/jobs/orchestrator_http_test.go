package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"rendernet/pkg/clients/render"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests run the orchestrator over the real REST client so the retry and
// breaker layer is part of what is exercised.

func newHTTPOrchestrator(t *testing.T, h http.HandlerFunc) *Orchestrator {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewOrchestrator(render.NewClient(render.Config{BaseURL: srv.URL, APIKey: "rk_test"}))
}

func TestSubmitRenderJob_BadGatewayIsNotResubmitted(t *testing.T) {
	var posts int32
	o := newHTTPOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if atomic.AddInt32(&posts, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"job-2","status":"pending"}`))
	})

	job, err := o.SubmitRenderJob(context.Background(), RenderConfig{SceneURL: "https://x.example.com/scene.blend"})
	require.Error(t, err)
	assert.Nil(t, job)
	assert.True(t, IsKind(err, KindRemote))
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
}

func TestCancelAndEstimate_SentOnce(t *testing.T) {
	var posts int32
	o := newHTTPOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	require.Error(t, o.CancelJob(context.Background(), "j1"))
	_, err := o.EstimateCost(context.Background(), RenderConfig{SceneURL: "https://x.example.com/scene.blend"})
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&posts))
}

func TestWaitForCompletion_FailedPollEndsWait(t *testing.T) {
	var gets int32
	o := newHTTPOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&gets, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"j","status":"completed"}`))
	})

	job, err := o.WaitForCompletion(context.Background(), "j", WaitOptions{PollInterval: time.Millisecond, Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.Nil(t, job)
	assert.True(t, IsKind(err, KindRemote))
	assert.Equal(t, int32(1), atomic.LoadInt32(&gets))
}

func TestGetJob_RetriesIdempotentFetchOutsideWait(t *testing.T) {
	var gets int32
	o := newHTTPOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&gets, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"j","status":"queued"}`))
	})

	job, err := o.GetJob(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&gets))
}

func TestGetJob_OneCallerCancellingDoesNotFailOthers(t *testing.T) {
	arrived := make(chan struct{}, 4)
	release := make(chan struct{})
	o := newHTTPOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		_, _ = w.Write([]byte(`{"id":"j","status":"rendering","frames":{"total":10,"completed":4}}`))
	})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := o.GetJob(ctxA, "j")
		errA <- err
	}()
	<-arrived

	type result struct {
		job *Job
		err error
	}
	resB := make(chan result, 1)
	go func() {
		job, err := o.GetJob(context.Background(), "j")
		resB <- result{job, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case r := <-resB:
		require.NoError(t, r.err)
		assert.Equal(t, StatusRendering, r.job.Status)
		require.NotNil(t, r.job.Frames)
		assert.Equal(t, 4, r.job.Frames.Completed)
	case <-time.After(5 * time.Second):
		t.Fatal("joined caller did not return")
	}
}

func TestGetJob_CopiesDoNotAlias(t *testing.T) {
	f := newFakeRequester()
	f.on(http.MethodGet, "/jobs/j", jobResult(t, Job{
		ID:         "j",
		Frames:     &Frames{Total: 2, Completed: 1},
		Resolution: &Resolution{Width: 1920, Height: 1080},
		OutputURLs: []string{"https://cdn.example.com/1.png"},
	}))
	o := NewOrchestrator(f)

	a, err := o.GetJob(context.Background(), "j")
	require.NoError(t, err)
	b := a.clone()
	b.Frames.Completed = 2
	b.Resolution.Width = 640
	b.OutputURLs[0] = "changed"

	assert.Equal(t, 1, a.Frames.Completed)
	assert.Equal(t, 1920, a.Resolution.Width)
	assert.Equal(t, "https://cdn.example.com/1.png", a.OutputURLs[0])
}
