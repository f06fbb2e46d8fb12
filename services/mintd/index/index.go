package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"dailymint/core/events"
	"dailymint/core/types"
	"dailymint/native/subscription"
)

// Supported index drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const maxQueryLimit = 500

// Open connects to the configured backend and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite, "":
		if strings.TrimSpace(dsn) == "" {
			dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("index: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("index: migrate: %w", err)
	}
	return db, nil
}

// Index projects committed engine events into queryable tables. It implements
// events.Emitter so it can be chained behind the engine.
type Index struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New wraps an opened database.
func New(db *gorm.DB, log *slog.Logger) *Index {
	if log == nil {
		log = slog.Default()
	}
	return &Index{db: db, logger: log}
}

// DB exposes the underlying handle for health checks.
func (ix *Index) DB() *gorm.DB { return ix.db }

// Emit implements events.Emitter. Projection failures are logged; the ledger
// state remains the source of truth.
func (ix *Index) Emit(evt events.Event) {
	payload, ok := events.Unwrap(evt)
	if !ok {
		return
	}
	if err := ix.Apply(context.Background(), payload); err != nil {
		ix.logger.Error("index: apply event failed", "type", payload.Type, "error", err)
	}
}

// Apply records evt and updates the projections it affects in one database
// transaction.
func (ix *Index) Apply(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return errors.New("index: nil event")
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	record := EventRecord{
		ID:         uuid.New(),
		Type:       evt.Type,
		Subscriber: strings.ToLower(evt.Attr("subscriber")),
		Day:        eventDay(evt),
		Attributes: string(attrs),
	}
	return ix.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return project(tx, evt)
	})
}

func project(tx *gorm.DB, evt *types.Event) error {
	subscriber := strings.ToLower(evt.Attr("subscriber"))
	switch evt.Type {
	case subscription.EventTypeSubscribed:
		perDay, err := parseUint(evt.Attr("mintPerDay"))
		if err != nil {
			return err
		}
		created, err := parseUint(evt.Attr("createdDay"))
		if err != nil {
			return err
		}
		row := Subscriber{
			Address:    subscriber,
			Owner:      strings.ToLower(evt.Attr("owner")),
			Recipient:  strings.ToLower(evt.Attr("recipient")),
			ReceiptID:  evt.Attr("receiptId"),
			Balance:    evt.Attr("balance"),
			MintPerDay: uint8(perDay),
			Active:     true,
			CreatedDay: created,
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	case subscription.EventTypeExtended,
		subscription.EventTypeSkipBalanceZero,
		subscription.EventTypeSkipInsufficientBalance,
		subscription.EventTypeSkipAlreadySettled:
		return updateSubscriber(tx, subscriber, map[string]interface{}{"balance": evt.Attr("balance")})
	case subscription.EventTypeClosed:
		return updateSubscriber(tx, subscriber, map[string]interface{}{"balance": "0", "active": false})
	case subscription.EventTypeSettled:
		day, err := parseUint(evt.Attr("day"))
		if err != nil {
			return err
		}
		return updateSubscriber(tx, subscriber, map[string]interface{}{
			"balance":          evt.Attr("balance"),
			"has_settled":      true,
			"last_settled_day": day,
		})
	case subscription.EventTypeBatchSettled:
		day, err := parseUint(evt.Attr("day"))
		if err != nil {
			return err
		}
		minted, err := parseUint(evt.Attr("minted"))
		if err != nil {
			return err
		}
		feeBps, err := parseUint(evt.Attr("feeBps"))
		if err != nil {
			return err
		}
		settled, _ := strconv.Atoi(evt.Attr("settled"))
		skipped, _ := strconv.Atoi(evt.Attr("skipped"))
		row := Batch{
			Day:       day,
			UnitPrice: evt.Attr("unitPrice"),
			UnitFee:   evt.Attr("unitFee"),
			FeeBps:    uint32(feeBps),
			Minted:    minted,
			Settled:   settled,
			Skipped:   skipped,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "day"}},
			DoUpdates: clause.AssignmentColumns([]string{"unit_price", "unit_fee", "fee_bps", "minted", "settled", "skipped", "updated_at"}),
		}).Create(&row).Error
	}
	return nil
}

func updateSubscriber(tx *gorm.DB, address string, fields map[string]interface{}) error {
	if address == "" {
		return nil
	}
	return tx.Model(&Subscriber{}).Where("address = ?", address).Updates(fields).Error
}

// ActiveSubscribers lists open subscriptions in creation order. It satisfies
// the planner's directory.
func (ix *Index) ActiveSubscribers(ctx context.Context) ([]types.Address, error) {
	var rows []Subscriber
	err := ix.db.WithContext(ctx).
		Where("active = ?", true).
		Order("created_day ASC").
		Order("address ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Address, 0, len(rows))
	for _, row := range rows {
		addr, err := types.ParseAddress(row.Address)
		if err != nil {
			return nil, fmt.Errorf("index: subscriber %q: %w", row.Address, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Subscriber returns the projected record for addr.
func (ix *Index) Subscriber(ctx context.Context, addr types.Address) (*Subscriber, bool, error) {
	var row Subscriber
	err := ix.db.WithContext(ctx).Where("address = ?", strings.ToLower(addr.Hex())).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &row, true, nil
}

// EventQuery filters event history. Zero fields match everything.
type EventQuery struct {
	Type       string
	Subscriber *types.Address
	Day        *uint64
	AfterSeq   uint64
	Limit      int
}

// Events returns matching events in emission order.
func (ix *Index) Events(ctx context.Context, q EventQuery) ([]EventRecord, error) {
	limit := q.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	query := ix.db.WithContext(ctx).Model(&EventRecord{}).Where("seq > ?", q.AfterSeq)
	if q.Type != "" {
		query = query.Where("type = ?", q.Type)
	}
	if q.Subscriber != nil {
		query = query.Where("subscriber = ?", strings.ToLower(q.Subscriber.Hex()))
	}
	if q.Day != nil {
		query = query.Where("day = ?", *q.Day)
	}
	var rows []EventRecord
	if err := query.Order("seq ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Batches returns the most recent batch summaries, newest first.
func (ix *Index) Batches(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	var rows []Batch
	if err := ix.db.WithContext(ctx).Order("day DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Decode returns the attribute map of a stored event.
func (r EventRecord) Decode() (*types.Event, error) {
	attrs := map[string]string{}
	if r.Attributes != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return nil, err
		}
	}
	return &types.Event{Type: r.Type, Attributes: attrs}, nil
}

func eventDay(evt *types.Event) *uint64 {
	raw := evt.Attr("day")
	if raw == "" {
		raw = evt.Attr("targetDay")
	}
	if raw == "" {
		return nil
	}
	day, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &day
}

func parseUint(raw string) (uint64, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("index: parse %q: %w", raw, err)
	}
	return value, nil
}
