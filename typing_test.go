package afterdark

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypingTracker(t *testing.T) {
	t.Run("start and stop", func(t *testing.T) {
		tr := NewTypingTracker(time.Minute, nil)
		defer tr.Close()

		tr.Start("C1", "E2")
		tr.Start("C1", "E3")
		assert.Equal(t, []string{"E2", "E3"}, tr.Typing("C1"))
		assert.Empty(t, tr.Typing("C2"))

		tr.Stop("C1", "E2")
		assert.Equal(t, []string{"E3"}, tr.Typing("C1"))
		tr.Stop("C1", "unknown")
	})

	t.Run("expires without stop", func(t *testing.T) {
		var mu sync.Mutex
		var changes [][]string
		tr := NewTypingTracker(30*time.Millisecond, func(conv string, typers []string) {
			mu.Lock()
			changes = append(changes, typers)
			mu.Unlock()
		})
		defer tr.Close()

		tr.Start("C1", "E2")
		waitFor(t, func() bool { return len(tr.Typing("C1")) == 0 })

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, [][]string{{"E2"}, {}}, changes)
	})

	t.Run("restart extends the indicator", func(t *testing.T) {
		tr := NewTypingTracker(80*time.Millisecond, nil)
		defer tr.Close()

		tr.Start("C1", "E2")
		time.Sleep(50 * time.Millisecond)
		tr.Start("C1", "E2")
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, []string{"E2"}, tr.Typing("C1"), "stale timer must not clear a refreshed indicator")
	})

	t.Run("closed tracker ignores starts", func(t *testing.T) {
		tr := NewTypingTracker(time.Minute, nil)
		tr.Close()
		tr.Start("C1", "E2")
		assert.Empty(t, tr.Typing("C1"))
	})
}
