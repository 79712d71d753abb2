package models

import "time"

// Transaction is a completed fixed-rate exchange in the ledger.
type Transaction struct {
	// TransactionID is the short code shown to the user.
	TransactionID string `gorm:"primaryKey"`
	UserID        string `gorm:"index;not null"`
	Pair          string `gorm:"not null"`
	Amount        float64
	ToAmount      float64
	Rate          float64
	Status        string
	CreatedAt     time.Time
}
