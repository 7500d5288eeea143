package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHub_CoalescesAndUnsubscribes(t *testing.T) {
	h := NewHub()
	ch, release := h.Subscribe("s1")
	other, releaseOther := h.Subscribe("s2")
	defer releaseOther()

	h.Publish("s1")
	h.Publish("s1")

	select {
	case <-ch:
	default:
		t.Fatal("expected a signal")
	}
	select {
	case <-ch:
		t.Fatal("signals should coalesce")
	default:
	}
	select {
	case <-other:
		t.Fatal("other session should not be signalled")
	default:
	}

	assert.Equal(t, 1, h.Subscribers("s1"))
	release()
	release()
	assert.Equal(t, 0, h.Subscribers("s1"))
	h.Publish("s1")
}
