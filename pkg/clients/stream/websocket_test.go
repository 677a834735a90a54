package stream_test

import (
	"context"
	"sync"
	"testing"
	"time"

	api "rendernet/pkg/api/stream"
	"rendernet/pkg/clients/stream"
	"rendernet/pkg/logging"
	"rendernet/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_AgainstMockServer(t *testing.T) {
	helper := testutil.NewJWTTestHelper()
	server := testutil.NewMockStreamServerWithAuth(helper)
	defer server.Close()

	token, err := helper.GenerateValidJWT("user-1", "0xwallet")
	require.NoError(t, err)

	m := stream.NewManager(stream.Config{
		BaseURL:        server.URL(),
		Token:          token,
		ReconnectDelay: 10 * time.Millisecond,
		Logger:         logging.NewDiscardLogger(),
	})
	defer m.Disconnect()

	var mu sync.Mutex
	var received []api.JobEventData
	m.Subscribe(api.TypeJobProgress, func(ev api.Event) error {
		var data api.JobEventData
		if err := ev.Decode(&data); err != nil {
			return err
		}
		mu.Lock()
		received = append(received, data)
		mu.Unlock()
		return nil
	})

	require.NoError(t, m.SubscribeToJob("job-42"))
	require.NoError(t, m.Connect(context.Background(), api.GroupJobs))
	require.NoError(t, m.SubscribeToNetworkStats())

	require.True(t, server.WaitFor(2*time.Second, func() bool {
		return len(server.DirectivesFor(1)) == 2
	}))
	first := server.DirectivesFor(1)
	assert.Equal(t, "/ws/jobs", first[0].Path)
	assert.Equal(t, []string{"job:job-42"}, first[0].Channels)
	assert.Equal(t, []string{"network:stats"}, first[1].Channels)
	assert.Equal(t, "user-1", server.Subject())

	require.NoError(t, server.BroadcastEvent(api.TypeJobProgress, api.JobEventData{JobID: "job-42", Progress: 25}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 5*time.Millisecond)

	server.DropAll()

	require.True(t, server.WaitFor(2*time.Second, func() bool {
		return server.Accepted() == 2 && len(server.DirectivesFor(2)) == 2
	}))
	var replayed []string
	for _, d := range server.DirectivesFor(2) {
		assert.Equal(t, api.ActionSubscribe, d.Action)
		replayed = append(replayed, d.Channels...)
	}
	assert.ElementsMatch(t, []string{"job:job-42", "network:stats"}, replayed)
	require.Eventually(t, m.IsActive, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.ReconnectAttempts())

	require.NoError(t, server.BroadcastEvent(api.TypeJobProgress, api.JobEventData{JobID: "job-42", Progress: 50}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 25.0, received[0].Progress)
	assert.Equal(t, 50.0, received[1].Progress)
	mu.Unlock()
}

func TestManager_GivesUpWhenServerRefuses(t *testing.T) {
	server := testutil.NewMockStreamServer()
	defer server.Close()

	m := stream.NewManager(stream.Config{
		BaseURL:              server.URL(),
		Token:                "rk_live_opaque",
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 2,
		Logger:               logging.NewDiscardLogger(),
	})
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background(), api.GroupNetwork))
	server.Refuse(true)
	server.DropAll()

	require.Eventually(t, func() bool {
		return m.State() == stream.StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, m.ReconnectAttempts())
	assert.Equal(t, 1, server.Accepted())
}

func TestManager_RejectedCredential(t *testing.T) {
	helper := testutil.NewJWTTestHelper()
	server := testutil.NewMockStreamServerWithAuth(helper)
	defer server.Close()

	wrong, err := helper.GenerateJWTWithWrongSecret("user-1", "")
	require.NoError(t, err)
	m := stream.NewManager(stream.Config{BaseURL: server.URL(), Token: wrong, Logger: logging.NewDiscardLogger()})
	assert.Error(t, m.Connect(context.Background(), api.GroupJobs))
	assert.Equal(t, stream.StateDisconnected, m.State())

	expired, err := helper.GenerateExpiredJWT("user-1", "")
	require.NoError(t, err)
	m = stream.NewManager(stream.Config{BaseURL: server.URL(), Token: expired, Logger: logging.NewDiscardLogger()})
	assert.Error(t, m.Connect(context.Background(), api.GroupJobs))
	assert.Equal(t, 0, server.Accepted())
}
