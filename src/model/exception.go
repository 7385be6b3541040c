package model

import "time"

// Exception is a failure persisted for diagnostics: missed settlements,
// market-data batches that blew up, exhausted position retries.
type Exception struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Where the error happened
	Service string `gorm:"size:100;index" json:"service"` // e.g. "brokerledger"
	Module  string `gorm:"size:100;index" json:"module"`  // e.g. "settlement"
	Method  string `gorm:"size:100" json:"method"`        // e.g. "Sweep"

	Message string `gorm:"type:text" json:"message"`
	Stack   string `gorm:"type:text" json:"stack"`

	Level string `gorm:"size:20;index" json:"level"` // debug | info | warn | error | fatal

	// Extra context stored as JSON text
	Context string `gorm:"type:text" json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName allows you to control the exact table name for exceptions.
func (Exception) TableName() string {
	return "exceptions"
}
