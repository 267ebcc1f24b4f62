// Package relay implements a reference relay node: session mailboxes with
// per-message metering against funding accounts. It exists so the
// coordination stack can run end to end against a real at-least-once,
// cost-bearing delivery channel.
package relay

import (
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInsufficientBalance is the funding-class failure; its message is what
// transport.IsFundingError sniffs for on the client side.
var ErrInsufficientBalance = errors.New("insufficient spendable balance")

type Account struct {
	ID        string `gorm:"primaryKey"`
	Balance   int64
	UpdatedAt time.Time
}

type StoredMessage struct {
	ID        string `gorm:"primaryKey"`
	SessionID string `gorm:"index"`
	From      string
	Payload   []byte
	Cost      int64
	CreatedAt time.Time
}

// Store is the durable side of the relay: funding accounts and the message
// log backing at-least-once redelivery.
type Store struct {
	db *gorm.DB
}

func OpenStore(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Account{}, &StoredMessage{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Balance(id string) (int64, error) {
	var acct Account
	err := s.db.First(&acct, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Charge debits cost from the account, failing without side effects when
// the balance cannot cover it.
func (s *Store) Charge(id string, cost int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var acct Account
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&acct, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInsufficientBalance
		}
		if err != nil {
			return err
		}
		if acct.Balance < cost {
			return ErrInsufficientBalance
		}
		return tx.Model(&Account{}).Where("id = ?", id).
			Update("balance", gorm.Expr("balance - ?", cost)).Error
	})
}

// TopUp credits the account, creating it on first use.
func (s *Store) TopUp(id string, amount int64) (int64, error) {
	var balance int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		acct := Account{ID: id}
		if err := tx.FirstOrCreate(&acct, Account{ID: id}).Error; err != nil {
			return err
		}
		acct.Balance += amount
		balance = acct.Balance
		return tx.Save(&acct).Error
	})
	return balance, err
}

func (s *Store) SaveMessage(m StoredMessage) error {
	return s.db.Create(&m).Error
}
