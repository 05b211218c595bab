// Package storetest holds the behaviour every store.Store adapter must
// share. Adapter packages call Run from their own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbox/pkg/store"
	"postbox/pkg/types"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewItem returns a queue item for (server, post, command) created at base+offset.
func NewItem(server types.ServerID, post types.PostURIID, cmd types.Command, offset time.Duration) *types.DeliveryItem {
	return &types.DeliveryItem{
		ID:           uuid.NewString(),
		ServerID:     server,
		PostURIID:    post,
		Command:      cmd,
		SenderUserID: 1,
		Created:      base.Add(offset),
		NextAttempt:  base.Add(offset),
	}
}

// Run exercises s. newStore must return an empty store; it is called once
// per subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("InsertIsIdempotentPerKey", func(t *testing.T) { testInsertIdempotent(t, newStore(t)) })
	t.Run("PrivateItemsPerContact", func(t *testing.T) { testPrivateItemsPerContact(t, newStore(t)) })
	t.Run("ConcurrentInsert", func(t *testing.T) { testConcurrentInsert(t, newStore(t)) })
	t.Run("UpdateAndDelete", func(t *testing.T) { testUpdateAndDelete(t, newStore(t)) })
	t.Run("ListDue", func(t *testing.T) { testListDue(t, newStore(t)) })
	t.Run("Servers", func(t *testing.T) { testServers(t, newStore(t)) })
	t.Run("Outbox", func(t *testing.T) { testOutbox(t, newStore(t)) })
	t.Run("Inbox", func(t *testing.T) { testInbox(t, newStore(t)) })
}

func testInsertIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := NewItem("https://b.example", 7, types.CommandPost, 0)

	got, created, err := s.InsertItem(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, got.ID)

	dup := NewItem("https://b.example", 7, types.CommandPost, time.Minute)
	got, created, err = s.InsertItem(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, got.ID)

	// A different command for the same post is a separate item.
	_, created, err = s.InsertItem(ctx, NewItem("https://b.example", 7, types.CommandUpdate, 0))
	require.NoError(t, err)
	assert.True(t, created)

	n, err := s.CountItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testPrivateItemsPerContact(t *testing.T, s store.Store) {
	ctx := context.Background()
	mail := func(contact types.ContactID) *types.DeliveryItem {
		item := NewItem("https://b.example", 3, types.CommandMail, 0)
		item.ContactID = contact
		return item
	}

	first, created, err := s.InsertItem(ctx, mail(7))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.InsertItem(ctx, mail(8))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, types.ContactID(8), second.ContactID)

	again, created, err := s.InsertItem(ctx, mail(7))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	n, err := s.CountItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Deleting one contact's item leaves the other in place.
	require.NoError(t, s.DeleteItem(ctx, first.ID))
	got, err := s.GetItem(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContactID(8), got.ContactID)
}

func testConcurrentInsert(t *testing.T, s store.Store) {
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := s.InsertItem(ctx, NewItem("https://c.example", 1, types.CommandLike, 0))
			if assert.NoError(t, err) {
				ids <- got.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)

	n, err := s.CountItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testUpdateAndDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	item := NewItem("https://b.example", 9, types.CommandPost, 0)
	_, _, err := s.InsertItem(ctx, item)
	require.NoError(t, err)

	item.Failed = 2
	item.NextAttempt = base.Add(time.Hour)
	item.LastError = "status 503"
	require.NoError(t, s.UpdateItem(ctx, item))

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Failed)
	assert.Equal(t, "status 503", got.LastError)
	assert.True(t, got.NextAttempt.Equal(base.Add(time.Hour)))
	assert.Equal(t, types.CommandPost, got.Command)
	assert.Equal(t, types.ServerID("https://b.example"), got.ServerID)

	require.NoError(t, s.DeleteItem(ctx, item.ID))
	_, err = s.GetItem(ctx, item.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteItem(ctx, item.ID), store.ErrNotFound)
	assert.ErrorIs(t, s.UpdateItem(ctx, item), store.ErrNotFound)

	// The key is free again once the item is gone.
	_, created, err := s.InsertItem(ctx, NewItem("https://b.example", 9, types.CommandPost, 0))
	require.NoError(t, err)
	assert.True(t, created)
}

func testListDue(t *testing.T, s store.Store) {
	ctx := context.Background()

	early := NewItem("https://b.example", 1, types.CommandPost, 0)
	later := NewItem("https://b.example", 2, types.CommandPost, time.Minute)
	future := NewItem("https://b.example", 3, types.CommandPost, 2*time.Minute)
	future.NextAttempt = base.Add(time.Hour)

	for _, item := range []*types.DeliveryItem{future, later, early} {
		_, _, err := s.InsertItem(ctx, item)
		require.NoError(t, err)
	}

	due, err := s.ListDue(ctx, base.Add(10*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, later.ID, due[1].ID)

	due, err = s.ListDue(ctx, base.Add(10*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, early.ID, due[0].ID)

	all, err := s.ListItems(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testServers(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetServer(ctx, "https://b.example")
	assert.ErrorIs(t, err, store.ErrNotFound)

	srv := &types.Server{
		ID:                  "https://b.example",
		URL:                 "https://b.example",
		Format:              "json",
		Failed:              true,
		ConsecutiveFailures: 5,
		BackoffExponent:     5,
		LastFailure:         base,
		NextContact:         base.Add(16 * time.Minute),
	}
	require.NoError(t, s.PutServer(ctx, srv))

	srv.ConsecutiveFailures = 6
	require.NoError(t, s.PutServer(ctx, srv))
	require.NoError(t, s.PutServer(ctx, &types.Server{ID: "https://a.example", URL: "https://a.example"}))

	got, err := s.GetServer(ctx, "https://b.example")
	require.NoError(t, err)
	assert.True(t, got.Failed)
	assert.Equal(t, 6, got.ConsecutiveFailures)
	assert.Equal(t, "json", got.Format)
	assert.True(t, got.NextContact.Equal(base.Add(16*time.Minute)))

	all, err := s.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testOutbox(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetOutbox(ctx, 42)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.PutOutbox(ctx, &types.OutboxEntry{PostURIID: 42, DataType: "application/xml", Body: []byte("<post/>"), Created: base}))

	got, err := s.GetOutbox(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []byte("<post/>"), got.Body)
	assert.Equal(t, "application/xml", got.DataType)

	require.NoError(t, s.DeleteOutbox(ctx, 42))
	_, err = s.GetOutbox(ctx, 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testInbox(t *testing.T, s store.Store) {
	ctx := context.Background()

	entries := []*types.InboxEntry{
		{ID: uuid.NewString(), Author: "alice@a.example", Payload: []byte("one"), Received: base},
		{ID: uuid.NewString(), UserID: 3, Author: "alice@a.example", Private: true, Payload: []byte("two"), Received: base.Add(time.Second)},
		{ID: uuid.NewString(), Author: "carol@c.example", Payload: []byte("three"), Received: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendInbox(ctx, e))
	}

	public, err := s.ListInbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, public, 2)
	assert.Equal(t, []byte("one"), public[0].Payload)
	assert.Equal(t, []byte("three"), public[1].Payload)

	private, err := s.ListInbox(ctx, 3)
	require.NoError(t, err)
	require.Len(t, private, 1)
	assert.True(t, private[0].Private)
}
