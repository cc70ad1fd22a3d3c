package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(EventConfigCreated, "configuration created", map[string]string{
		"uuid": "10bee382-52ce-552c-95b8-f7bc40cce8dc",
	})

	select {
	case ev := <-sub:
		require.NotNil(t, ev)
		assert.Equal(t, EventConfigCreated, ev.Type)
		assert.Equal(t, "10bee382-52ce-552c-95b8-f7bc40cce8dc", ev.Metadata["uuid"])
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok)

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}
