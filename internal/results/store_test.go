package results

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"notifyledger/internal/model"
)

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func at(i int, d model.Disposition) model.Outcome {
	return model.Outcome{Disposition: d, EventKey: string(rune('a' + i)), At: t0.Add(time.Duration(i) * time.Second)}
}

func TestStoreIsBounded(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Add(at(i, model.DispositionQueued))
	}
	assert.Equal(t, 3, s.Len())

	list := s.List(0)
	assert.Equal(t, []string{"c", "d", "e"}, keys(list))
	assert.Equal(t, []string{"d", "e"}, keys(s.List(2)))
}

func TestSinceAndFilter(t *testing.T) {
	s := NewStore(10)
	s.Add(at(0, model.DispositionQueued))
	s.Add(at(1, model.DispositionDuplicate))
	s.Add(at(2, model.DispositionQueued))
	s.Add(at(3, model.DispositionQueued))

	assert.Equal(t, []string{"c", "d"}, keys(s.Since(t0.Add(2*time.Second))))
	assert.Equal(t, []string{"c", "d"}, keys(s.Filter(model.DispositionQueued, 2)))
	assert.Equal(t, []string{"b"}, keys(s.Filter(model.DispositionDuplicate, 0)))

	s.Clear()
	assert.Empty(t, s.List(0))
}

func keys(list []model.Outcome) []string {
	out := make([]string, 0, len(list))
	for _, o := range list {
		out = append(out, o.EventKey)
	}
	return out
}
