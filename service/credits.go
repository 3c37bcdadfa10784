package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vidfab-server/apperr"
	"vidfab-server/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeductResult 扣费结果
type DeductResult struct {
	Success    bool
	NewBalance int64
	Error      error
}

// Ledger 积分账本
// 余额变更都是事务内的条件更新，同一用户并发扣费不会透支
type Ledger struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewLedger(db *gorm.DB, log *zap.Logger) *Ledger {
	return &Ledger{db: db, log: log.Named("ledger")}
}

func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var uc models.UserCredit
	err := l.db.WithContext(ctx).First(&uc, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load balance: %w", err)
	}
	return uc.Balance, nil
}

func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	var txs []models.CreditTransaction
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Limit(limit).Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

// Grant 充值，账户不存在时自动创建
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, desc string) (int64, error) {
	if amount <= 0 {
		return 0, apperr.Validation("ledger.grant", "grant amount must be positive")
	}
	var after int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureAccount(tx, userID); err != nil {
			return err
		}
		var err error
		after, err = l.adjust(tx, userID, amount, models.CreditKindGrant, desc, nil)
		return err
	})
	if err != nil {
		return 0, err
	}
	return after, nil
}

// Deduct 扣除 amount，负数表示退款
// ref 非空时按 (ref, 方向) 幂等：重复调用只返回当前余额
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int64, desc, ref string) DeductResult {
	if amount == 0 {
		bal, err := l.Balance(ctx, userID)
		return DeductResult{Success: err == nil, NewBalance: bal, Error: err}
	}
	kind := models.CreditKindDeduct
	if amount < 0 {
		kind = models.CreditKindRefund
	}
	var refPtr *string
	if ref != "" {
		refPtr = &ref
	}

	var after int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if refPtr != nil {
			seen, err := hasEntry(tx, ref, kind)
			if err != nil {
				return err
			}
			if seen {
				return errAlreadyApplied
			}
		}
		if kind == models.CreditKindRefund {
			if err := ensureAccount(tx, userID); err != nil {
				return err
			}
		}
		var err error
		after, err = l.adjust(tx, userID, -amount, kind, desc, refPtr)
		return err
	})

	switch {
	case err == nil:
		l.log.Info("credits moved",
			zap.String("user_id", userID), zap.Int64("amount", -amount),
			zap.String("reference", ref), zap.Int64("balance", after))
		return DeductResult{Success: true, NewBalance: after}
	case errors.Is(err, errAlreadyApplied):
		bal, berr := l.Balance(ctx, userID)
		return DeductResult{Success: berr == nil, NewBalance: bal, Error: berr}
	case apperr.Is(err, apperr.KindInsufficientCredits):
		bal, _ := l.Balance(ctx, userID)
		return DeductResult{NewBalance: bal, Error: err}
	default:
		// 同一引用的并发调用可能已抢先写入唯一索引
		if refPtr != nil {
			if seen, serr := hasEntry(l.db.WithContext(ctx), ref, kind); serr == nil && seen {
				bal, berr := l.Balance(ctx, userID)
				return DeductResult{Success: berr == nil, NewBalance: bal, Error: berr}
			}
		}
		return DeductResult{Error: err}
	}
}

// Refund 退回 ref 对应的扣费，无可退款项时返回 false，重复调用只退一次
func (l *Ledger) Refund(ctx context.Context, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	var deduct models.CreditTransaction
	err := l.db.WithContext(ctx).
		First(&deduct, "reference = ? AND kind = ?", ref, models.CreditKindDeduct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load deduction %s: %w", ref, err)
	}
	res := l.Deduct(ctx, deduct.UserID, deduct.Amount, "refund: "+deduct.Description, ref)
	if !res.Success {
		return false, res.Error
	}
	return true, nil
}

// Charge 先扣费再执行 fn，fn 失败则退款（扣费与退款相抵为零）
func (l *Ledger) Charge(ctx context.Context, userID string, amount int64, desc, ref string, fn func(context.Context) error) error {
	if ref == "" {
		ref = "charge:" + uuid.NewString()
	}
	res := l.Deduct(ctx, userID, amount, desc, ref)
	if !res.Success {
		return res.Error
	}
	if err := fn(ctx); err != nil {
		if _, rerr := l.Refund(context.WithoutCancel(ctx), ref); rerr != nil {
			l.log.Error("refund after failed charge", zap.String("reference", ref), zap.Error(rerr))
		}
		return err
	}
	return nil
}

var errAlreadyApplied = errors.New("ledger: reference already applied")

func ensureAccount(tx *gorm.DB, userID string) error {
	now := time.Now()
	acct := models.UserCredit{UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&acct).Error; err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func hasEntry(tx *gorm.DB, ref, kind string) (bool, error) {
	var n int64
	err := tx.Model(&models.CreditTransaction{}).Where("reference = ? AND kind = ?", ref, kind).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check reference %s: %w", ref, err)
	}
	return n > 0, nil
}

// adjust 变更余额（负数为消费）并追加流水
func (l *Ledger) adjust(tx *gorm.DB, userID string, delta int64, kind, desc string, ref *string) (int64, error) {
	q := tx.Model(&models.UserCredit{}).Where("user_id = ?", userID)
	if delta < 0 {
		q = q.Where("balance >= ?", -delta)
	}
	res := q.Updates(map[string]any{
		"balance":    gorm.Expr("balance + ?", delta),
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return 0, fmt.Errorf("update balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, apperr.InsufficientCredits("ledger.deduct", "user %s cannot cover %d credits", userID, -delta)
	}

	var acct models.UserCredit
	if err := tx.First(&acct, "user_id = ?", userID).Error; err != nil {
		return 0, fmt.Errorf("reload balance: %w", err)
	}
	entry := models.CreditTransaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Kind:          kind,
		Amount:        delta,
		BalanceBefore: acct.Balance - delta,
		BalanceAfter:  acct.Balance,
		Description:   desc,
		Reference:     ref,
		CreatedAt:     time.Now(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return 0, fmt.Errorf("append ledger entry: %w", err)
	}
	return acct.Balance, nil
}
