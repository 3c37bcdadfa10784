package models

import (
	"time"
)

const (
	CreditKindGrant  = "grant"
	CreditKindDeduct = "deduct"
	CreditKindRefund = "refund"
)

type UserCredit struct {
	UserID    string    `gorm:"primaryKey;type:varchar(64)" json:"userId"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (UserCredit) TableName() string {
	return "user_credit"
}

// CreditTransaction 积分流水（只追加）。扣费为负，退款和充值为正
// 同一 kind 下 reference 唯一，扣费和退款可安全重投递
type CreditTransaction struct {
	ID            string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID        string    `gorm:"type:varchar(64);index" json:"userId"`
	Kind          string    `gorm:"type:varchar(16);uniqueIndex:idx_credit_reference_kind" json:"kind"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	Description   string    `gorm:"type:varchar(255)" json:"description"`
	Reference     *string   `gorm:"type:varchar(191);uniqueIndex:idx_credit_reference_kind" json:"reference,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}
