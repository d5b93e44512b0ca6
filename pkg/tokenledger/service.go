package tokenledger

import (
	"context"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store    Store
	provider ProviderOrders
	nowFn    func() int64
	logger   OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance derives the balance from the event streams. Users with no events
// get a zero balance; an unknown id is not an error at this layer.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	purchased, err := service.store.SumPurchasedTokens(ctx, userID.String())
	if err != nil {
		return Balance{}, err
	}
	spent, err := service.store.SumSpentTokens(ctx, userID.String())
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		PurchasedTokens: purchased,
		SpentTokens:     spent,
		AvailableTokens: clampZero(purchased - spent),
	}, nil
}

// CachedBalance reads the denormalized token count without recomputation.
// The cache may be transiently stale; correctness-critical callers go
// through Spend, which recomputes under the same transaction.
func (service *Service) CachedBalance(ctx context.Context, userID UserID) (int64, error) {
	return service.store.GetCachedTokens(ctx, userID.String())
}

// RefreshBalance recomputes the derived balance and writes it into the
// user's cached tokens column. Mutating operations refresh on their own;
// this entry point exists for repair and operational resync.
func (service *Service) RefreshBalance(ctx context.Context, userID UserID) (int64, error) {
	var tokens int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockUserBalance(ctx, userID.String()); err != nil {
			return err
		}
		refreshed, err := recomputeCachedTokens(ctx, transactionStore, userID.String())
		if err != nil {
			return err
		}
		tokens = refreshed
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRefreshBalance,
		UserID:    userID,
		Amount:    tokens,
		Error:     operationError,
	})
	return tokens, operationError
}

// Spend gates a costly downstream action behind token availability and
// records the consumption exactly once per successful gate-pass. The
// check, the spend event append, and the cache refresh run in one store
// transaction under a per-user lock, so two concurrent spends of the last
// token cannot both pass. The deduction precedes the downstream action and
// is final: a downstream failure is not refunded here.
func (service *Service) Spend(ctx context.Context, userID UserID, amount TokenAmount, action ActionLabel, metadata MetadataJSON) (SpendEvent, error) {
	var spendEvent SpendEvent
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockUserBalance(ctx, userID.String()); err != nil {
			return err
		}
		purchased, err := transactionStore.SumPurchasedTokens(ctx, userID.String())
		if err != nil {
			return err
		}
		spent, err := transactionStore.SumSpentTokens(ctx, userID.String())
		if err != nil {
			return err
		}
		available := clampZero(purchased - spent)
		if available < amount.Int64() {
			return InsufficientTokensError{Required: amount.Int64(), Available: available}
		}
		inserted, err := transactionStore.InsertSpend(ctx, SpendInput{
			UserID:         userID.String(),
			Action:         action.String(),
			Amount:         amount.Int64(),
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		spendEvent = inserted
		return transactionStore.UpdateCachedTokens(ctx, userID.String(), clampZero(purchased-spent-amount.Int64()))
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSpend,
		UserID:    userID,
		Action:    action.String(),
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	if operationError != nil {
		return SpendEvent{}, operationError
	}
	return spendEvent, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// recomputeCachedTokens rereads both event sums and overwrites the cache
// column inside the caller's transaction.
func recomputeCachedTokens(ctx context.Context, transactionStore Store, userID string) (int64, error) {
	purchased, err := transactionStore.SumPurchasedTokens(ctx, userID)
	if err != nil {
		return 0, err
	}
	spent, err := transactionStore.SumSpentTokens(ctx, userID)
	if err != nil {
		return 0, err
	}
	tokens := clampZero(purchased - spent)
	if err := transactionStore.UpdateCachedTokens(ctx, userID, tokens); err != nil {
		return 0, err
	}
	return tokens, nil
}

func clampZero(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}
