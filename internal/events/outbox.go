package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Module provides the notification outbox.
var Module = fx.Module("events",
	fx.Provide(NewOutbox),
)

// Event describes a notification to store in the outbox.
type Event struct {
	CustomerID snowflake.ID
	Type       string
	Payload    map[string]any
	DedupeKey  string
}

// NotificationEvent is the persisted outbox row.
type NotificationEvent struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	CustomerID snowflake.ID      `gorm:"index"`
	EventType  string            `gorm:"type:text;not null"`
	Payload    datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	DedupeKey  *string           `gorm:"type:text;uniqueIndex:ux_notification_events_dedupe"`
	Published  bool              `gorm:"not null;default:false"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (NotificationEvent) TableName() string { return "notification_events" }

// Outbox inserts notification events into notification_events.
type Outbox struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewOutbox(db *gorm.DB, log *zap.Logger, genID *snowflake.Node) *Outbox {
	return &Outbox{db: db, log: log.Named("events.outbox"), genID: genID}
}

// Publish stores an event using the default database connection.
func (o *Outbox) Publish(ctx context.Context, event Event) error {
	return o.publish(ctx, o.db, event)
}

// PublishTx stores an event inside an existing transaction so the event and
// the state change it describes commit together.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if tx == nil {
		return errors.New("missing_transaction")
	}
	return o.publish(ctx, tx, event)
}

// Emit is Publish with the error swallowed and logged. Billing operations use
// it for events that must never abort the surrounding work.
func (o *Outbox) Emit(ctx context.Context, event Event) {
	if err := o.Publish(ctx, event); err != nil {
		o.log.Warn("notification event dropped",
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
	}
}

func (o *Outbox) publish(ctx context.Context, db *gorm.DB, event Event) error {
	if o == nil || db == nil || o.genID == nil {
		return errors.New("outbox_unavailable")
	}
	name := strings.TrimSpace(event.Type)
	if name == "" {
		return errors.New("missing_event_type")
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	row := NotificationEvent{
		ID:         o.genID.Generate(),
		CustomerID: event.CustomerID,
		EventType:  name,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	if dedupe := strings.TrimSpace(event.DedupeKey); dedupe != "" {
		row.DedupeKey = &dedupe
	}

	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedupe_key"}},
			DoNothing: true,
		}).
		Create(&row).Error
}
