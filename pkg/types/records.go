package types

import "time"

// Server is the health record kept per remote node.
type Server struct {
	ID          ServerID  `json:"id"`
	URL         string    `json:"url"`
	Format      string    `json:"format,omitempty"`
	PublicInbox string    `json:"public_inbox,omitempty"`
	LastContact time.Time `json:"last_contact"`
	LastFailure time.Time `json:"last_failure"`
	// NextContact is only meaningful while Failed is set.
	NextContact         time.Time `json:"next_contact"`
	Failed              bool      `json:"failed"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BackoffExponent     int       `json:"backoff_exponent"`
}

// Contactable reports whether a delivery to the server may be attempted at now.
func (s *Server) Contactable(now time.Time) bool {
	return !s.Failed || !now.Before(s.NextContact)
}

// DeliveryKey identifies a pending delivery. At most one queue item exists
// per key. ContactID is zero for public commands.
type DeliveryKey struct {
	ServerID  ServerID  `json:"server_id"`
	PostURIID PostURIID `json:"post_uri_id"`
	Command   Command   `json:"command"`
	ContactID ContactID `json:"contact_id"`
}

// DeliveryItem is a pending outbound delivery of one post to one server.
type DeliveryItem struct {
	ID           string    `json:"id"`
	ServerID     ServerID  `json:"server_id"`
	PostURIID    PostURIID `json:"post_uri_id"`
	Command      Command   `json:"command"`
	ContactID    ContactID `json:"contact_id,omitempty"`
	SenderUserID UserID    `json:"sender_user_id"`
	Created      time.Time `json:"created"`
	Failed       int       `json:"failed"`
	NextAttempt  time.Time `json:"next_attempt"`
	LastError    string    `json:"last_error,omitempty"`
}

func (i *DeliveryItem) Key() DeliveryKey {
	return DeliveryKey{ServerID: i.ServerID, PostURIID: i.PostURIID, Command: i.Command, ContactID: i.ContactID}
}

// Due reports whether the item's retry delay has elapsed.
func (i *DeliveryItem) Due(now time.Time) bool {
	return !now.Before(i.NextAttempt)
}

// OutboxEntry is the body of a local post that is federated out.
type OutboxEntry struct {
	PostURIID PostURIID `json:"post_uri_id"`
	DataType  string    `json:"data_type"`
	Body      []byte    `json:"body"`
	Created   time.Time `json:"created"`
}

// InboxEntry is a verified payload accepted from a remote author.
type InboxEntry struct {
	ID       string    `json:"id"`
	UserID   UserID    `json:"user_id,omitempty"`
	Author   string    `json:"author"`
	DataType string    `json:"data_type"`
	Private  bool      `json:"private"`
	Payload  []byte    `json:"payload"`
	Received time.Time `json:"received"`
}
