package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub[int]()
	a, cancelA := h.Subscribe(4)
	b, cancelB := h.Subscribe(4)
	defer cancelB()

	assert.Equal(t, 2, h.Publish(7))
	assert.Equal(t, 7, <-a)
	assert.Equal(t, 7, <-b)

	cancelA()
	cancelA()
	_, ok := <-a
	assert.False(t, ok)
	assert.Equal(t, 1, h.Len())
}

func TestHubPublishDoesNotBlock(t *testing.T) {
	h := NewHub[string]()
	ch, cancel := h.Subscribe(1)
	defer cancel()

	require.Equal(t, 1, h.Publish("first"))
	require.Equal(t, 0, h.Publish("second"))
	assert.Equal(t, "first", <-ch)
}

func TestHubClose(t *testing.T) {
	h := NewHub[int]()
	ch, cancel := h.Subscribe(1)
	h.Close()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()

	late, _ := h.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}
