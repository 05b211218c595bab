package sqlstore

import (
	"time"

	"postbox/pkg/types"
)

type itemModel struct {
	ID           string    `gorm:"column:id;primaryKey"`
	ServerID     string    `gorm:"column:server_id;uniqueIndex:idx_delivery_key"`
	PostURIID    int64     `gorm:"column:post_uri_id;uniqueIndex:idx_delivery_key"`
	Command      string    `gorm:"column:command;uniqueIndex:idx_delivery_key"`
	ContactID    int64     `gorm:"column:contact_id;uniqueIndex:idx_delivery_key"`
	SenderUserID int64     `gorm:"column:sender_user_id"`
	Created      time.Time `gorm:"column:created"`
	Failed       int       `gorm:"column:failed"`
	NextAttempt  time.Time `gorm:"column:next_attempt;index"`
	LastError    string    `gorm:"column:last_error"`
}

func (itemModel) TableName() string {
	return "delivery_queue"
}

func itemModelFromEntity(item *types.DeliveryItem) itemModel {
	return itemModel{
		ID:           item.ID,
		ServerID:     string(item.ServerID),
		PostURIID:    int64(item.PostURIID),
		Command:      string(item.Command),
		ContactID:    int64(item.ContactID),
		SenderUserID: int64(item.SenderUserID),
		Created:      item.Created,
		Failed:       item.Failed,
		NextAttempt:  item.NextAttempt,
		LastError:    item.LastError,
	}
}

func (m itemModel) toEntity() *types.DeliveryItem {
	return &types.DeliveryItem{
		ID:           m.ID,
		ServerID:     types.ServerID(m.ServerID),
		PostURIID:    types.PostURIID(m.PostURIID),
		Command:      types.Command(m.Command),
		ContactID:    types.ContactID(m.ContactID),
		SenderUserID: types.UserID(m.SenderUserID),
		Created:      m.Created,
		Failed:       m.Failed,
		NextAttempt:  m.NextAttempt,
		LastError:    m.LastError,
	}
}

func itemsToEntities(rows []itemModel) []*types.DeliveryItem {
	out := make([]*types.DeliveryItem, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out
}

type serverModel struct {
	ID                  string    `gorm:"column:id;primaryKey"`
	URL                 string    `gorm:"column:url"`
	Format              string    `gorm:"column:format"`
	PublicInbox         string    `gorm:"column:public_inbox"`
	LastContact         time.Time `gorm:"column:last_contact"`
	LastFailure         time.Time `gorm:"column:last_failure"`
	NextContact         time.Time `gorm:"column:next_contact"`
	Failed              bool      `gorm:"column:failed"`
	ConsecutiveFailures int       `gorm:"column:consecutive_failures"`
	BackoffExponent     int       `gorm:"column:backoff_exponent"`
}

func (serverModel) TableName() string {
	return "gservers"
}

func serverModelFromEntity(s *types.Server) serverModel {
	return serverModel{
		ID:                  string(s.ID),
		URL:                 s.URL,
		Format:              s.Format,
		PublicInbox:         s.PublicInbox,
		LastContact:         s.LastContact,
		LastFailure:         s.LastFailure,
		NextContact:         s.NextContact,
		Failed:              s.Failed,
		ConsecutiveFailures: s.ConsecutiveFailures,
		BackoffExponent:     s.BackoffExponent,
	}
}

func (m serverModel) toEntity() *types.Server {
	return &types.Server{
		ID:                  types.ServerID(m.ID),
		URL:                 m.URL,
		Format:              m.Format,
		PublicInbox:         m.PublicInbox,
		LastContact:         m.LastContact,
		LastFailure:         m.LastFailure,
		NextContact:         m.NextContact,
		Failed:              m.Failed,
		ConsecutiveFailures: m.ConsecutiveFailures,
		BackoffExponent:     m.BackoffExponent,
	}
}

type outboxModel struct {
	PostURIID int64     `gorm:"column:post_uri_id;primaryKey;autoIncrement:false"`
	DataType  string    `gorm:"column:data_type"`
	Body      []byte    `gorm:"column:body"`
	Created   time.Time `gorm:"column:created"`
}

func (outboxModel) TableName() string {
	return "outbox"
}

type inboxModel struct {
	ID       string    `gorm:"column:id;primaryKey"`
	UserID   int64     `gorm:"column:user_id;index"`
	Author   string    `gorm:"column:author"`
	DataType string    `gorm:"column:data_type"`
	Private  bool      `gorm:"column:private"`
	Payload  []byte    `gorm:"column:payload"`
	Received time.Time `gorm:"column:received"`
}

func (inboxModel) TableName() string {
	return "inbox"
}
