package directory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"postbox/pkg/delivery"
	"postbox/pkg/dispatch"
	"postbox/pkg/envelope"
	"postbox/pkg/health"
	"postbox/pkg/keys"
	"postbox/pkg/store"
	"postbox/pkg/store/memstore"
	"postbox/pkg/types"
)

var (
	keyOnce            sync.Once
	localKey, aliceKey *keys.KeyPair
)

func testKeys(t *testing.T) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if localKey, err = keys.Generate(2048); err != nil {
			panic(err)
		}
		if aliceKey, err = keys.Generate(2048); err != nil {
			panic(err)
		}
	})
}

func publicPEM(t *testing.T, k *keys.KeyPair) string {
	t.Helper()
	data, err := keys.MarshalPublicKeyPEM(k.PublicKey())
	require.NoError(t, err)
	return string(data)
}

// writeDirectory lays out a directory file with bob as the local user and
// alice as a sharing contact, and returns its path.
func writeDirectory(t *testing.T) string {
	t.Helper()
	testKeys(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob.pem"), localKey.MarshalPrivateKeyPEM(), 0o600))

	doc := Document{
		Users: []UserEntry{{ID: 1, GUID: "b0b", Identity: "Bob@B.example", KeyFile: "bob.pem"}},
		Remotes: []RemoteEntry{{
			Identity:  "alice@a.example",
			PublicKey: publicPEM(t, aliceKey),
			Inbox:     "https://a.example/receive/users/a11ce",
			Contacts:  []ContactEntry{{ID: 7, UserID: 1, Relationship: dispatch.RelationshipSharing}},
		}},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "directory.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	f, err := LoadFile(writeDirectory(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("Resolve", func(t *testing.T) {
		id, err := f.Resolve(ctx, "acct:alice@A.example")
		require.NoError(t, err)
		require.NotNil(t, id)
		assert.Equal(t, "alice@a.example", id.Identity)
		assert.True(t, id.PublicKey.Equal(aliceKey.PublicKey()))

		unknown, err := f.Resolve(ctx, "mallory@m.example")
		assert.NoError(t, err)
		assert.Nil(t, unknown)

		garbage, err := f.Resolve(ctx, "not a handle")
		assert.NoError(t, err)
		assert.Nil(t, garbage)
	})

	t.Run("ResolveContact", func(t *testing.T) {
		c, err := f.ResolveContact(ctx, 1, "alice@a.example")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, types.ContactID(7), c.ID)
		assert.Equal(t, dispatch.RelationshipSharing, c.Relationship)

		other, err := f.ResolveContact(ctx, 2, "alice@a.example")
		assert.NoError(t, err)
		assert.Nil(t, other)
	})

	t.Run("Sender", func(t *testing.T) {
		s, err := f.Sender(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Bob@b.example", s.Identity)

		_, err = f.Sender(ctx, 9)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Recipient", func(t *testing.T) {
		r, err := f.Recipient(ctx, "https://a.example", 7)
		require.NoError(t, err)
		assert.Equal(t, "https://a.example/receive/users/a11ce", r.Inbox)

		_, err = f.Recipient(ctx, "https://elsewhere.example", 7)
		assert.Error(t, err)

		_, err = f.Recipient(ctx, "https://a.example", 8)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("User", func(t *testing.T) {
		u, err := f.User(ctx, "b0b")
		require.NoError(t, err)
		assert.Equal(t, types.UserID(1), u.ID)
		assert.NotNil(t, u.PrivateKey)

		_, err = f.User(ctx, "nobody")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestNewRejectsBadDocuments(t *testing.T) {
	testKeys(t)
	priv := string(localKey.MarshalPrivateKeyPEM())
	pub := publicPEM(t, aliceKey)

	tests := []struct {
		name string
		doc  Document
	}{
		{"reserved user id", Document{Users: []UserEntry{{ID: 0, GUID: "x", Identity: "x@b.example", PrivateKey: priv}}}},
		{"missing guid", Document{Users: []UserEntry{{ID: 1, Identity: "x@b.example", PrivateKey: priv}}}},
		{"missing key", Document{Users: []UserEntry{{ID: 1, GUID: "x", Identity: "x@b.example"}}}},
		{"bad handle", Document{Users: []UserEntry{{ID: 1, GUID: "x", Identity: "nohandle", PrivateKey: priv}}}},
		{"duplicate guid", Document{Users: []UserEntry{
			{ID: 1, GUID: "x", Identity: "x@b.example", PrivateKey: priv},
			{ID: 2, GUID: "x", Identity: "y@b.example", PrivateKey: priv},
		}}},
		{"bad public key", Document{Remotes: []RemoteEntry{{Identity: "a@a.example", PublicKey: "junk"}}}},
		{"unknown server format", Document{Servers: []ServerEntry{{URL: "https://a.example", Format: "protobuf"}}}},
		{"relative public inbox", Document{Servers: []ServerEntry{{URL: "https://a.example", PublicInbox: "/receive/public"}}}},
		{"duplicate server", Document{Servers: []ServerEntry{{URL: "https://a.example"}, {URL: "https://A.example/"}}}},
		{"contact of unknown user", Document{Remotes: []RemoteEntry{{
			Identity: "a@a.example", PublicKey: pub,
			Contacts: []ContactEntry{{ID: 1, UserID: 5, Relationship: dispatch.RelationshipSharing}},
		}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.doc, t.TempDir(), nil)
			assert.Error(t, err)
		})
	}
}

func TestOutbox(t *testing.T) {
	ctx := context.Background()
	o := NewOutbox(memstore.New())

	require.NoError(t, o.Put(ctx, 3, "status_message", []byte("<post/>")))
	p, err := o.Payload(ctx, 3, types.CommandPost)
	require.NoError(t, err)
	assert.Equal(t, "status_message", p.DataType)
	assert.Equal(t, []byte("<post/>"), p.Body)

	_, err = o.Payload(ctx, 4, types.CommandPost)
	assert.ErrorIs(t, err, delivery.ErrPayloadGone)

	assert.Error(t, o.Put(ctx, 0, "status_message", nil))
	assert.Error(t, o.Put(ctx, 5, "", nil))
}

func TestInboxThroughDispatcher(t *testing.T) {
	f, err := LoadFile(writeDirectory(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	st := memstore.New()
	d := dispatch.NewDispatcher(f, NewInbox(st, zaptest.NewLogger(t)), zaptest.NewLogger(t), nil)
	ctx := context.Background()
	codec := envelope.NewCodec()

	pub, err := codec.EncodePublic([]byte("hello"), "status_message", "alice@a.example", aliceKey)
	require.NoError(t, err)
	body, err := envelope.XMLFormat{}.Marshal(pub)
	require.NoError(t, err)
	require.NoError(t, d.DispatchPublic(ctx, "application/magic-envelope+xml", body))

	user, err := f.User(ctx, "b0b")
	require.NoError(t, err)
	priv, err := codec.EncodePrivate([]byte("psst"), "message", "alice@a.example", aliceKey, localKey.PublicKey())
	require.NoError(t, err)
	body, err = envelope.JSONFormat{}.Marshal(priv)
	require.NoError(t, err)
	require.NoError(t, d.DispatchPrivate(ctx, *user, "application/json", body))

	public, err := st.ListInbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, "alice@a.example", public[0].Author)
	assert.Equal(t, []byte("hello"), public[0].Payload)
	assert.False(t, public[0].Private)

	private, err := st.ListInbox(ctx, 1)
	require.NoError(t, err)
	require.Len(t, private, 1)
	assert.Equal(t, []byte("psst"), private[0].Payload)
	assert.True(t, private[0].Private)
	assert.NotEmpty(t, private[0].ID)
}

type recordedSend struct {
	url         string
	contentType string
	body        []byte
}

type recordingTransport struct {
	sends []recordedSend
}

func (r *recordingTransport) Send(_ context.Context, url string, body []byte, headers map[string]string) (int, error) {
	r.sends = append(r.sends, recordedSend{url: url, contentType: headers["Content-Type"], body: body})
	return 202, nil
}

func TestDeclaredServerFormatDrivesDelivery(t *testing.T) {
	testKeys(t)
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	f, err := New(Document{
		Users: []UserEntry{{ID: 1, GUID: "b0b", Identity: "bob@b.example", PrivateKey: string(localKey.MarshalPrivateKeyPEM())}},
		Servers: []ServerEntry{
			{URL: "https://A.example/", Format: "JSON", PublicInbox: "https://a.example/inbox/public"},
			{URL: "https://c.example"},
		},
	}, t.TempDir(), logger)
	require.NoError(t, err)

	st := memstore.New()
	tracker, err := health.NewTracker(st, health.DefaultBackoffPolicy(), logger, nil)
	require.NoError(t, err)
	require.NoError(t, f.DeclareServers(ctx, tracker))

	srv, err := tracker.Get(ctx, "https://a.example")
	require.NoError(t, err)
	assert.Equal(t, envelope.FormatJSON, srv.Format)
	assert.Equal(t, "https://a.example/inbox/public", srv.PublicInbox)

	srv, err = tracker.Get(ctx, "https://c.example")
	require.NoError(t, err)
	assert.Equal(t, envelope.FormatXML, srv.Format)

	outbox := NewOutbox(st)
	require.NoError(t, outbox.Put(ctx, 1, "status_message", []byte("hello")))

	sender := &recordingTransport{}
	queue, err := delivery.NewQueue(delivery.Options{
		Config:    delivery.DefaultConfig(),
		Store:     st,
		Tracker:   tracker,
		Payloads:  outbox,
		Directory: f,
		Transport: sender,
		Logger:    logger,
	})
	require.NoError(t, err)

	for _, server := range []string{"https://a.example", "https://c.example"} {
		_, _, err := queue.Enqueue(ctx, delivery.EnqueueRequest{Server: server, PostURIID: 1, Command: types.CommandPost, SenderUserID: 1})
		require.NoError(t, err)
	}
	counts, err := queue.ProcessDue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[delivery.Delivered])

	require.Len(t, sender.sends, 2)
	byURL := map[string]recordedSend{}
	for _, s := range sender.sends {
		byURL[s.url] = s
	}

	gotJSON := byURL["https://a.example/inbox/public"]
	assert.Equal(t, "application/json", gotJSON.contentType)
	env, err := envelope.Parse(gotJSON.contentType, gotJSON.body)
	require.NoError(t, err)
	assert.Equal(t, "bob@b.example", env.Author)

	gotXML := byURL["https://c.example/receive/public"]
	assert.Equal(t, "application/magic-envelope+xml", gotXML.contentType)
}
