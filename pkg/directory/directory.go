// Package directory is the file-backed identity directory of a node: the
// local users it signs for and the remote identities it knows keys and
// inboxes of.
package directory

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"postbox/pkg/delivery"
	"postbox/pkg/dispatch"
	"postbox/pkg/envelope"
	"postbox/pkg/federation"
	"postbox/pkg/keys"
	"postbox/pkg/store"
	"postbox/pkg/types"
)

// Document is the on-disk layout of a directory file.
type Document struct {
	Users   []UserEntry   `json:"users"`
	Remotes []RemoteEntry `json:"remotes"`
	Servers []ServerEntry `json:"servers,omitempty"`
}

type UserEntry struct {
	ID       types.UserID `json:"id"`
	GUID     string       `json:"guid"`
	Identity string       `json:"identity"`
	// KeyFile is resolved relative to the directory file. PrivateKey holds
	// an inline PEM instead.
	KeyFile    string `json:"key_file,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Community  bool   `json:"community,omitempty"`
}

type RemoteEntry struct {
	Identity  string         `json:"identity"`
	PublicKey string         `json:"public_key"`
	Inbox     string         `json:"inbox,omitempty"`
	Contacts  []ContactEntry `json:"contacts,omitempty"`
}

// ServerEntry declares the envelope format a remote server accepts and,
// optionally, where its public inbox lives.
type ServerEntry struct {
	URL         string `json:"url"`
	Format      string `json:"format,omitempty"`
	PublicInbox string `json:"public_inbox,omitempty"`
}

// ContactEntry records how one local user relates to the remote identity.
type ContactEntry struct {
	ID           types.ContactID       `json:"id"`
	UserID       types.UserID          `json:"user_id"`
	Relationship dispatch.Relationship `json:"relationship"`
}

type localUser struct {
	entry UserEntry
	key   *keys.KeyPair
}

type remote struct {
	identity string
	pub      *rsa.PublicKey
	inbox    string
	server   types.ServerID
	contacts []ContactEntry
}

type declaredServer struct {
	id          types.ServerID
	format      string
	publicInbox string
}

// File is an immutable directory loaded from disk.
type File struct {
	usersByID   map[types.UserID]*localUser
	usersByGUID map[string]*localUser
	remotes     map[string]*remote
	contacts    map[types.ContactID]*remote
	servers     []declaredServer
	logger      *zap.Logger
}

// FormatDeclarer records per-server envelope formats; *health.Tracker
// satisfies it.
type FormatDeclarer interface {
	DeclareFormat(ctx context.Context, id types.ServerID, format, publicInbox string) error
}

var (
	_ dispatch.IdentityResolver = (*File)(nil)
	_ delivery.KeyDirectory     = (*File)(nil)
)

// LoadFile reads and indexes the directory at path.
func LoadFile(path string, logger *zap.Logger) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse directory file: %w", err)
	}

	return New(doc, filepath.Dir(path), logger)
}

// New indexes doc. Relative key files are resolved against baseDir.
func New(doc Document, baseDir string, logger *zap.Logger) (*File, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &File{
		usersByID:   make(map[types.UserID]*localUser),
		usersByGUID: make(map[string]*localUser),
		remotes:     make(map[string]*remote),
		contacts:    make(map[types.ContactID]*remote),
		logger:      logger,
	}

	for _, u := range doc.Users {
		if err := f.addUser(u, baseDir); err != nil {
			return nil, err
		}
	}
	for _, r := range doc.Remotes {
		if err := f.addRemote(r); err != nil {
			return nil, err
		}
	}
	seen := make(map[types.ServerID]bool)
	for _, e := range doc.Servers {
		srv, err := parseServer(e)
		if err != nil {
			return nil, err
		}
		if seen[srv.id] {
			return nil, fmt.Errorf("duplicate server %s", srv.id)
		}
		seen[srv.id] = true
		f.servers = append(f.servers, srv)
	}

	logger.Info("Directory loaded",
		zap.Int("users", len(f.usersByID)),
		zap.Int("remotes", len(f.remotes)),
		zap.Int("contacts", len(f.contacts)),
		zap.Int("servers", len(f.servers)))
	return f, nil
}

func (f *File) addUser(u UserEntry, baseDir string) error {
	if u.ID == 0 {
		return fmt.Errorf("user %q: id 0 is reserved for public delivery", u.GUID)
	}
	if u.GUID == "" {
		return fmt.Errorf("user %d: guid is required", u.ID)
	}
	identity, err := federation.CanonicalHandle(u.Identity)
	if err != nil {
		return fmt.Errorf("user %d: %w", u.ID, err)
	}
	u.Identity = identity

	pemData := []byte(u.PrivateKey)
	if u.KeyFile != "" {
		path := u.KeyFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		if pemData, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("user %d: failed to read key file: %w", u.ID, err)
		}
	}
	if len(pemData) == 0 {
		return fmt.Errorf("user %d: no private key configured", u.ID)
	}
	key, err := keys.ParsePrivateKeyPEM(pemData)
	if err != nil {
		return fmt.Errorf("user %d: %w", u.ID, err)
	}

	if _, dup := f.usersByID[u.ID]; dup {
		return fmt.Errorf("duplicate user id %d", u.ID)
	}
	if _, dup := f.usersByGUID[u.GUID]; dup {
		return fmt.Errorf("duplicate user guid %q", u.GUID)
	}

	lu := &localUser{entry: u, key: key}
	f.usersByID[u.ID] = lu
	f.usersByGUID[u.GUID] = lu
	return nil
}

func (f *File) addRemote(r RemoteEntry) error {
	identity, err := federation.CanonicalHandle(r.Identity)
	if err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	if _, dup := f.remotes[identity]; dup {
		return fmt.Errorf("duplicate remote identity %s", identity)
	}
	pub, err := keys.ParsePublicKeyPEM([]byte(r.PublicKey))
	if err != nil {
		return fmt.Errorf("remote %s: %w", identity, err)
	}

	rm := &remote{identity: identity, pub: pub, inbox: r.Inbox, contacts: r.Contacts}
	if r.Inbox != "" {
		if rm.server, err = types.NormalizeServerID(r.Inbox); err != nil {
			return fmt.Errorf("remote %s: invalid inbox: %w", identity, err)
		}
	}

	for _, c := range r.Contacts {
		if _, dup := f.contacts[c.ID]; dup {
			return fmt.Errorf("duplicate contact id %d", c.ID)
		}
		if _, ok := f.usersByID[c.UserID]; !ok {
			return fmt.Errorf("contact %d references unknown user %d", c.ID, c.UserID)
		}
		f.contacts[c.ID] = rm
	}

	f.remotes[identity] = rm
	return nil
}

func parseServer(e ServerEntry) (declaredServer, error) {
	id, err := types.NormalizeServerID(e.URL)
	if err != nil {
		return declaredServer{}, fmt.Errorf("server: %w", err)
	}
	format, err := envelope.FormatByName(e.Format)
	if err != nil {
		return declaredServer{}, fmt.Errorf("server %s: %w", id, err)
	}
	if e.PublicInbox != "" {
		u, err := url.Parse(e.PublicInbox)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return declaredServer{}, fmt.Errorf("server %s: invalid public_inbox %q", id, e.PublicInbox)
		}
	}
	return declaredServer{id: id, format: format.Name(), publicInbox: e.PublicInbox}, nil
}

// DeclareServers hands every server entry to d. The serve command calls it
// at startup so outbound deliveries use each server's format.
func (f *File) DeclareServers(ctx context.Context, d FormatDeclarer) error {
	for _, srv := range f.servers {
		if err := d.DeclareFormat(ctx, srv.id, srv.format, srv.publicInbox); err != nil {
			return fmt.Errorf("declare format for %s: %w", srv.id, err)
		}
		f.logger.Debug("Server format declared",
			zap.String("server", string(srv.id)),
			zap.String("format", srv.format),
			zap.String("public_inbox", srv.publicInbox))
	}
	return nil
}

// Resolve implements dispatch.IdentityResolver.
func (f *File) Resolve(_ context.Context, identity string) (*dispatch.RemoteIdentity, error) {
	canonical, err := federation.CanonicalHandle(identity)
	if err != nil {
		return nil, nil
	}
	r, ok := f.remotes[canonical]
	if !ok {
		return nil, nil
	}
	return &dispatch.RemoteIdentity{Identity: r.identity, PublicKey: r.pub, Inbox: r.inbox}, nil
}

// ResolveContact implements dispatch.IdentityResolver.
func (f *File) ResolveContact(_ context.Context, user types.UserID, identity string) (*dispatch.Contact, error) {
	canonical, err := federation.CanonicalHandle(identity)
	if err != nil {
		return nil, nil
	}
	r, ok := f.remotes[canonical]
	if !ok {
		return nil, nil
	}
	for _, c := range r.contacts {
		if c.UserID == user {
			return &dispatch.Contact{ID: c.ID, UserID: c.UserID, Identity: r.identity, Relationship: c.Relationship}, nil
		}
	}
	return nil, nil
}

// Sender implements delivery.KeyDirectory.
func (f *File) Sender(_ context.Context, user types.UserID) (*delivery.Sender, error) {
	lu, ok := f.usersByID[user]
	if !ok {
		return nil, fmt.Errorf("sender %d: %w", user, store.ErrNotFound)
	}
	return &delivery.Sender{Identity: lu.entry.Identity, Key: lu.key}, nil
}

// Recipient implements delivery.KeyDirectory. The contact's inbox must
// live on server.
func (f *File) Recipient(_ context.Context, server types.ServerID, contact types.ContactID) (*delivery.Recipient, error) {
	r, ok := f.contacts[contact]
	if !ok {
		return nil, fmt.Errorf("contact %d: %w", contact, store.ErrNotFound)
	}
	if r.inbox == "" {
		return nil, fmt.Errorf("contact %d (%s) has no inbox", contact, r.identity)
	}
	if r.server != server {
		return nil, fmt.Errorf("contact %d (%s) lives on %s, not %s", contact, r.identity, r.server, server)
	}
	return &delivery.Recipient{Identity: r.identity, Inbox: r.inbox, PublicKey: r.pub}, nil
}

// User returns the recipient context for a private inbox guid.
func (f *File) User(_ context.Context, guid string) (*dispatch.UserContext, error) {
	lu, ok := f.usersByGUID[guid]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", guid, store.ErrNotFound)
	}
	return &dispatch.UserContext{
		ID:         lu.entry.ID,
		GUID:       lu.entry.GUID,
		Identity:   lu.entry.Identity,
		PrivateKey: lu.key.PrivateKey(),
		Community:  lu.entry.Community,
	}, nil
}

