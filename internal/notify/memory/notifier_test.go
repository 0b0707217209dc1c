package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
)

var _ acquire.Notifier = (*Notifier)(nil)

func TestNotifierStoresEvents(t *testing.T) {
	t.Parallel()

	n := New()
	require.NoError(t, n.Notify(context.Background(), acquire.JobEvent{JobID: "job-1", Status: acquire.StatusCompleted}))
	require.NoError(t, n.Notify(context.Background(), acquire.JobEvent{JobID: "job-2", Status: acquire.StatusFailed}))

	events := n.Events()
	require.Len(t, events, 2)
	require.Equal(t, "job-1", events[0].JobID)
	require.Equal(t, acquire.StatusFailed, events[1].Status)

	events[0].JobID = "modified"
	require.Equal(t, "job-1", n.Events()[0].JobID, "Events() must return a copy")
}
