package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/parcel-service/internal/metrics"
	"github.com/richardliu001/parcel-service/internal/model"
	"github.com/richardliu001/parcel-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Guard keeps one in-flight unit per idempotency reference.
type Guard interface {
	Acquire(ctx context.Context, key string) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

var errInFlight = errors.New("an operation with this reference is in progress")

// LedgerOp is one balance-affecting request. An empty Reference is replaced
// by a generated one, which makes the operation non-replayable.
type LedgerOp struct {
	UserID      string
	Type        model.TxType
	Amount      decimal.Decimal
	Description string
	Reference   string
}

func (op *LedgerOp) normalize() error {
	op.UserID = strings.TrimSpace(op.UserID)
	op.Reference = strings.TrimSpace(op.Reference)
	op.Description = strings.TrimSpace(op.Description)
	if op.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if !op.Type.Valid() {
		return fmt.Errorf("%w: unknown transaction type %q", ErrValidation, op.Type)
	}
	if op.Amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if !model.FitsNumeric(op.Amount, model.MoneyPrecision, model.MoneyScale) {
		return fmt.Errorf("%w: at most %d integer and %d fractional digits",
			ErrInvalidAmount, model.MoneyPrecision-model.MoneyScale, model.MoneyScale)
	}
	if op.Reference == "" {
		op.Reference = uuid.NewString()
	}
	if len(op.Reference) > 128 {
		return fmt.Errorf("%w: reference longer than 128 characters", ErrValidation)
	}
	if len(op.Description) > 255 {
		return fmt.Errorf("%w: description longer than 255 characters", ErrValidation)
	}
	if op.Description == "" {
		op.Description = "Wallet top-up"
		if op.Type == model.TxDebit {
			op.Description = "Wallet withdrawal"
		}
	}
	return nil
}

// LedgerResult is the committed, or replayed, outcome of a LedgerOp.
type LedgerResult struct {
	Balance     decimal.Decimal   `json:"balance"`
	Transaction model.Transaction `json:"transaction"`
	Replayed    bool              `json:"replayed"`
}

type TransactionPage struct {
	Items    []model.Transaction `json:"items"`
	Total    int64               `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// Reconciliation compares the stored balance with the ledger fold.
type Reconciliation struct {
	UserID     string          `json:"user_id"`
	Balance    decimal.Decimal `json:"balance"`
	LedgerSum  decimal.Decimal `json:"ledger_sum"`
	Consistent bool            `json:"consistent"`
}

type WalletOptions struct {
	MaxAttempts  int
	RetryBackoff time.Duration
}

// WalletService glues business logic and repository.
type WalletService struct {
	repo    repo.LedgerStore
	guard   Guard
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	opts    WalletOptions
}

// NewWalletService returns WalletService. guard may be nil.
func NewWalletService(r repo.LedgerStore, g Guard, m *metrics.Metrics, logger *zap.SugaredLogger, opts WalletOptions) *WalletService {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &WalletService{repo: r, guard: g, metrics: m, log: logger, opts: opts}
}

// Credit adds money; auto-creates wallet if absent.
func (s *WalletService) Credit(ctx context.Context, userID string, amt decimal.Decimal, description, reference string) (*LedgerResult, error) {
	return s.execute(ctx, LedgerOp{UserID: userID, Type: model.TxCredit, Amount: amt, Description: description, Reference: reference})
}

// Debit subtracts money.
func (s *WalletService) Debit(ctx context.Context, userID string, amt decimal.Decimal, description, reference string) (*LedgerResult, error) {
	return s.execute(ctx, LedgerOp{UserID: userID, Type: model.TxDebit, Amount: amt, Description: description, Reference: reference})
}

func (s *WalletService) execute(ctx context.Context, op LedgerOp) (*LedgerResult, error) {
	start := time.Now()
	res, err := s.run(ctx, op)
	s.metrics.LedgerOp(string(op.Type), ledgerOutcome(res, err), time.Since(start))
	return res, err
}

// run retries units that failed to commit. Business outcomes return at once.
func (s *WalletService) run(ctx context.Context, op LedgerOp) (*LedgerResult, error) {
	if err := op.normalize(); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		res, err := s.attempt(ctx, op)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrOperationFailed) {
			return nil, err
		}
		lastErr = err
		s.log.Warnw("ledger unit failed",
			"user_id", op.UserID, "reference", op.Reference, "type", op.Type, "attempt", attempt, "error", err)
		if attempt == s.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, operationFailed(ctx.Err())
		case <-time.After(time.Duration(attempt) * s.opts.RetryBackoff):
		}
	}
	return nil, lastErr
}

func (s *WalletService) attempt(ctx context.Context, op LedgerOp) (*LedgerResult, error) {
	if s.guard != nil {
		key := op.UserID + ":" + op.Reference
		token, ok, err := s.guard.Acquire(ctx, key)
		switch {
		case err != nil:
			s.log.Warnw("idempotency guard unavailable, relying on unique reference", "error", err)
		case !ok:
			return nil, fmt.Errorf("%w: %w", ErrOperationFailed, errInFlight)
		default:
			defer func() {
				if err := s.guard.Release(context.WithoutCancel(ctx), key, token); err != nil {
					s.log.Warn(err)
				}
			}()
		}
	}

	var res *LedgerResult
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.ApplyTx(ctx, tx, op)
		return err
	})
	if err != nil {
		return nil, operationFailed(err)
	}
	return res, nil
}

// ApplyTx runs op inside the caller's transaction: replay check, balance
// check, log insert, balance update and outbox event. The caller owns commit
// and rollback.
func (s *WalletService) ApplyTx(ctx context.Context, tx *gorm.DB, op LedgerOp) (*LedgerResult, error) {
	if err := op.normalize(); err != nil {
		return nil, err
	}
	existed, prior, err := s.repo.TxExists(ctx, tx, op.UserID, op.Reference)
	if err != nil {
		return nil, err
	}
	if existed {
		if prior.Type != op.Type || !prior.Amount.Equal(op.Amount) {
			return nil, fmt.Errorf("%w: reference %q was already used for a different operation", ErrValidation, op.Reference)
		}
		return &LedgerResult{Balance: prior.BalanceAfter, Transaction: *prior, Replayed: true}, nil
	}

	w, err := s.repo.GetWalletForUpdate(ctx, tx, op.UserID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		if op.Type == model.TxDebit {
			return nil, fmt.Errorf("%w: balance 0, requested %s", ErrInsufficientBalance, op.Amount)
		}
		w = &model.Wallet{UserID: op.UserID, Balance: decimal.Zero}
		if err := s.repo.CreateWallet(ctx, tx, w); err != nil {
			return nil, err
		}
	}

	newBal := w.Balance.Add(op.Amount)
	eventType := EventWalletCredited
	if op.Type == model.TxDebit {
		if w.Balance.LessThan(op.Amount) {
			return nil, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientBalance, w.Balance, op.Amount)
		}
		newBal = w.Balance.Sub(op.Amount)
		eventType = EventWalletDebited
	}
	if !model.FitsNumeric(newBal, model.MoneyPrecision, model.MoneyScale) {
		return nil, fmt.Errorf("%w: balance would exceed the wallet limit", ErrInvalidAmount)
	}

	t := &model.Transaction{
		UserID: op.UserID, Type: op.Type, Amount: op.Amount,
		BalanceBefore: w.Balance, BalanceAfter: newBal,
		Description: op.Description, Status: model.TxCompleted, Reference: op.Reference,
	}
	if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateWallet(ctx, tx, op.UserID, newBal, w.Version); err != nil {
		return nil, err
	}
	evt, err := newOutboxEvent(model.AggregateWallet, op.UserID, eventType, map[string]interface{}{
		"user_id": op.UserID, "transaction_id": t.ID, "type": op.Type,
		"amount": op.Amount, "balance": newBal, "reference": op.Reference,
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
		return nil, err
	}
	return &LedgerResult{Balance: newBal, Transaction: *t}, nil
}

// GetBalance returns current wallet balance, zero for users without a wallet.
func (s *WalletService) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	w, err := s.repo.GetWallet(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, operationFailed(err)
	}
	return w.Balance, nil
}

// ListTransactions pages the user's log, newest first. txType may be empty.
func (s *WalletService) ListTransactions(ctx context.Context, userID string, txType model.TxType, page, pageSize int) (*TransactionPage, error) {
	if txType != "" && !txType.Valid() {
		return nil, fmt.Errorf("%w: unknown transaction type %q", ErrValidation, txType)
	}
	page, pageSize, offset := normalizePage(page, pageSize)
	items, total, err := s.repo.ListTransactions(ctx, userID, txType, offset, pageSize)
	if err != nil {
		return nil, operationFailed(err)
	}
	if items == nil {
		items = []model.Transaction{}
	}
	return &TransactionPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// Reconcile recomputes the balance from the log. The wallet row is locked so
// no writer commits between the two reads.
func (s *WalletService) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	rec := &Reconciliation{UserID: userID, Balance: decimal.Zero}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.repo.GetWalletForUpdate(ctx, tx, userID)
		switch {
		case err == nil:
			rec.Balance = w.Balance
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		rec.LedgerSum, err = s.repo.LedgerSum(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, operationFailed(err)
	}
	rec.Consistent = rec.Balance.Equal(rec.LedgerSum)
	if !rec.Consistent {
		s.log.Errorw("wallet balance diverges from ledger", "user_id", userID, "balance", rec.Balance, "ledger_sum", rec.LedgerSum)
	}
	return rec, nil
}

func ledgerOutcome(res *LedgerResult, err error) string {
	switch {
	case err == nil && res != nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "committed"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrOperationFailed):
		return "failed"
	default:
		return "rejected"
	}
}
