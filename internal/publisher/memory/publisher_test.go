package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRecordsMessages(t *testing.T) {
	t.Parallel()
	pub := New()

	id, err := pub.Publish(context.Background(), "jobs.completed", map[string]string{"job_id": "j-1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	id, err = pub.Publish(context.Background(), "jobs.completed", map[string]string{"job_id": "j-2"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "jobs.completed", msgs[0].Topic)
}

func TestPublishConcurrent(t *testing.T) {
	t.Parallel()
	pub := New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pub.Publish(context.Background(), "topic", "payload")
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Len(t, pub.Messages(), 20)
}
