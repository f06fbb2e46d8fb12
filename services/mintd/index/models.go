package index

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Subscriber mirrors the latest known state of one subscription as observed
// through committed events.
type Subscriber struct {
	Address        string `gorm:"primaryKey;size:42"`
	Owner          string `gorm:"size:42;index"`
	Recipient      string `gorm:"size:42"`
	ReceiptID      string `gorm:"size:66;index"`
	Balance        string `gorm:"size:80"`
	MintPerDay     uint8
	Active         bool   `gorm:"index"`
	CreatedDay     uint64 `gorm:"index"`
	HasSettled     bool
	LastSettledDay uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EventRecord is one committed ledger event in emission order.
type EventRecord struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement"`
	ID         uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Type       string    `gorm:"size:64;index"`
	Subscriber string    `gorm:"size:42;index"`
	Day        *uint64   `gorm:"index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// Batch summarises one committed settlement batch. A day settled twice keeps
// the latest summary.
type Batch struct {
	Day       uint64 `gorm:"primaryKey;autoIncrement:false"`
	UnitPrice string `gorm:"size:80"`
	UnitFee   string `gorm:"size:80"`
	FeeBps    uint32
	Minted    uint64
	Settled   int
	Skipped   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AutoMigrate performs all schema migrations for the index.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Subscriber{},
		&EventRecord{},
		&Batch{},
	)
}
