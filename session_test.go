package afterdark

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityStoreLoad(t *testing.T) {
	t.Run("missing record", func(t *testing.T) {
		store := NewIdentityStore(NewMemoryStorage(), nil)
		assert.Nil(t, store.Get())
	})

	t.Run("corrupt record", func(t *testing.T) {
		storage := NewMemoryStorage()
		require.NoError(t, storage.Save([]byte(`{"account": {"id": `)))
		store := NewIdentityStore(storage, nil)
		assert.Nil(t, store.Get())
	})

	t.Run("rehydrates", func(t *testing.T) {
		store := seededStore(t, testSession())
		sess := store.Get()
		require.NotNil(t, sess)
		assert.Equal(t, "acct-1", sess.Account.ID)
		assert.Equal(t, KindBarPage, sess.Entities[1].Kind)
		assert.Equal(t, "E1", sess.Active.MessagingID)
	})

	t.Run("get returns a copy", func(t *testing.T) {
		store := seededStore(t, testSession())
		sess := store.Get()
		sess.Entities[0].MessagingID = "tampered"
		sess.Active.Name = "tampered"
		again := store.Get()
		assert.Equal(t, "E1", again.Entities[0].MessagingID)
		assert.Equal(t, "Alex", again.Active.Name)
	})
}

func TestIdentityStoreUpdate(t *testing.T) {
	t.Run("broadcasts session changed", func(t *testing.T) {
		store := seededStore(t, testSession())
		calls := 0
		store.Bridge().Subscribe(SignalSessionChanged, "test", func(Event) { calls++ })

		_, err := store.Update(SessionPatch{Account: &Account{Name: "Alexandra"}})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, "Alexandra", store.Get().Account.Name)
		assert.Equal(t, "acct-1", store.Get().Account.ID)
	})

	t.Run("empty active messaging id does not overwrite", func(t *testing.T) {
		store := seededStore(t, testSession())
		_, err := store.Update(SessionPatch{Active: &Entity{ID: "acct-1", Kind: KindAccount, Name: "Alex"}})
		require.NoError(t, err)
		assert.Equal(t, "E1", store.Get().Active.MessagingID)
	})

	t.Run("refreshed entity list keeps known messaging ids", func(t *testing.T) {
		store := seededStore(t, testSession())
		_, err := store.Update(SessionPatch{Entities: []Entity{
			{ID: "acct-1", Kind: KindAccount, Name: "Alex"},
			{ID: "bar-9", Kind: KindBarPage, Name: "The Cellar", MessagingID: "E9"},
		}})
		require.NoError(t, err)
		sess := store.Get()
		assert.Equal(t, "E1", sess.Entities[0].MessagingID)
		assert.Equal(t, "E9", sess.Entities[1].MessagingID)
	})

	t.Run("switching active picks messaging id from the list", func(t *testing.T) {
		s := testSession()
		s.Entities[1].MessagingID = "E9"
		store := seededStore(t, s)

		_, err := store.Update(SessionPatch{Active: &Entity{ID: "bar-9", Kind: KindBarPage}})
		require.NoError(t, err)
		assert.Equal(t, "E9", store.Get().Active.MessagingID)
	})

	t.Run("persists", func(t *testing.T) {
		storage := NewMemoryStorage()
		store := NewIdentityStore(storage, nil)
		_, err := store.Update(SessionPatch{Account: &Account{ID: "acct-2"}})
		require.NoError(t, err)

		reopened := NewIdentityStore(storage, nil)
		require.NotNil(t, reopened.Get())
		assert.Equal(t, "acct-2", reopened.Get().Account.ID)
	})
}

func TestIdentityStoreSetMessagingIDIfEmpty(t *testing.T) {
	bar := EntityRef{ID: "bar-9", Kind: KindBarPage}

	t.Run("fills an empty value", func(t *testing.T) {
		store := seededStore(t, testSession())
		changed, err := store.SetMessagingIDIfEmpty(bar, "E9")
		require.NoError(t, err)
		assert.True(t, changed)
		e, _ := store.Get().Entity(bar)
		assert.Equal(t, "E9", e.MessagingID)
	})

	t.Run("never replaces a populated value", func(t *testing.T) {
		store := seededStore(t, testSession())
		_, err := store.SetMessagingIDIfEmpty(bar, "E9")
		require.NoError(t, err)
		changed, err := store.SetMessagingIDIfEmpty(bar, "late-writer")
		require.NoError(t, err)
		assert.False(t, changed)
		e, _ := store.Get().Entity(bar)
		assert.Equal(t, "E9", e.MessagingID)
	})

	t.Run("no session", func(t *testing.T) {
		store := NewIdentityStore(NewMemoryStorage(), nil)
		_, err := store.SetMessagingIDIfEmpty(bar, "E9")
		assert.ErrorIs(t, err, ErrNoSession)
	})
}

func TestIdentityStoreClear(t *testing.T) {
	storage := NewMemoryStorage()
	store := NewIdentityStore(storage, nil)
	_, err := store.Update(SessionPatch{Account: &Account{ID: "acct-1", Token: "secret"}})
	require.NoError(t, err)

	calls := 0
	store.Bridge().Subscribe(SignalSessionChanged, "test", func(Event) { calls++ })
	require.NoError(t, store.Clear())
	assert.Nil(t, store.Get())
	assert.Equal(t, 1, calls)

	data, err := storage.Load()
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestIdentityStoreReload(t *testing.T) {
	storage := NewMemoryStorage()
	a := NewIdentityStore(storage, nil)
	_, err := a.Update(SessionPatch{Account: &Account{ID: "acct-1"}})
	require.NoError(t, err)

	b := NewIdentityStore(storage, nil)
	calls := 0
	b.Bridge().Subscribe(SignalSessionChanged, "test", func(Event) { calls++ })

	assert.False(t, b.Reload(), "unchanged storage must not broadcast")
	assert.Zero(t, calls)

	_, err = a.Update(SessionPatch{Account: &Account{Name: "Alex"}})
	require.NoError(t, err)
	assert.True(t, b.Reload())
	assert.Equal(t, 1, calls)
	assert.Equal(t, "Alex", b.Get().Account.Name)
}
