package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docstore/pkg/types"
)

func change(id string) *types.ChangeRecord {
	return &types.ChangeRecord{ID: id, Collection: "people", Operation: types.OpInsert}
}

func TestListenReceivesPublishedChange(t *testing.T) {
	b := NewBus()
	b.Start()
	defer b.Stop()

	l := b.Listen()
	defer b.Unlisten(l)

	b.Publish(change("c1"))

	select {
	case got := <-l:
		assert.Equal(t, "c1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
}

func TestBroadcastReachesEveryListener(t *testing.T) {
	b := NewBus()
	b.Start()
	defer b.Stop()

	l1 := b.Listen()
	l2 := b.Listen()
	defer b.Unlisten(l1)
	defer b.Unlisten(l2)

	require.Equal(t, 2, b.ListenerCount())
	b.Publish(change("c1"))

	for _, l := range []Listener{l1, l2} {
		select {
		case got := <-l:
			assert.Equal(t, "c1", got.ID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change")
		}
	}
}

func TestUnlistenStopsDelivery(t *testing.T) {
	b := NewBus()
	b.Start()
	defer b.Stop()

	l := b.Listen()
	b.Unlisten(l)
	assert.Equal(t, 0, b.ListenerCount())

	b.Publish(change("c1"))
	_, ok := <-l
	assert.False(t, ok, "channel should be closed after Unlisten")
}

func TestPublishDropsWhenListenerBufferFull(t *testing.T) {
	b := NewBus()
	b.Start()
	defer b.Stop()

	l := b.Listen()
	defer b.Unlisten(l)

	for i := 0; i < 200; i++ {
		b.Publish(change("c1"))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Greater(t, b.Dropped(), int64(0))
}
