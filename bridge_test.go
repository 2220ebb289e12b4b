package afterdark

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBridge(t *testing.T) {
	t.Run("resubscribing with the same key does not duplicate", func(t *testing.T) {
		b := NewBridge(nil)
		calls := 0
		b.Subscribe(SignalUnreadMessages, "badge", func(Event) { calls++ })
		b.Subscribe(SignalUnreadMessages, "badge", func(Event) { calls++ })

		b.Publish(SignalUnreadMessages, 3)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, b.Subscribers(SignalUnreadMessages))
	})

	t.Run("multiple subscribers in registration order", func(t *testing.T) {
		b := NewBridge(nil)
		var order []string
		b.Subscribe(SignalSessionChanged, "header", func(Event) { order = append(order, "header") })
		b.Subscribe(SignalSessionChanged, "panel", func(Event) { order = append(order, "panel") })
		b.Subscribe(SignalSessionChanged, "chat", func(Event) { order = append(order, "chat") })

		b.Publish(SignalSessionChanged, nil)
		assert.Equal(t, []string{"header", "panel", "chat"}, order)
	})

	t.Run("stale unsubscribe keeps newer handler", func(t *testing.T) {
		b := NewBridge(nil)
		got := ""
		unsubOld := b.Subscribe(SignalMessageRefresh, "chat", func(Event) { got = "old" })
		b.Subscribe(SignalMessageRefresh, "chat", func(Event) { got = "new" })
		unsubOld()

		b.Publish(SignalMessageRefresh, "C1")
		assert.Equal(t, "new", got)
	})

	t.Run("unsubscribe is idempotent", func(t *testing.T) {
		b := NewBridge(nil)
		unsub := b.Subscribe(SignalProfileUpdated, "k", func(Event) {})
		unsub()
		unsub()
		b.Unsubscribe(SignalProfileUpdated, "k")
		assert.Zero(t, b.Subscribers(SignalProfileUpdated))
	})

	t.Run("panicking handler does not stop delivery", func(t *testing.T) {
		b := NewBridge(nil)
		var payload any
		b.Subscribe(SignalUnreadNotifications, "bad", func(Event) { panic("boom") })
		b.Subscribe(SignalUnreadNotifications, "good", func(ev Event) { payload = ev.Payload })

		assert.NotPanics(t, func() { b.Publish(SignalUnreadNotifications, 7) })
		assert.Equal(t, 7, payload)
	})

	t.Run("publish without subscribers", func(t *testing.T) {
		b := NewBridge(nil)
		assert.NotPanics(t, func() { b.Publish(SignalNotificationRefresh, nil) })
	})
}
