package tokenledger

import (
	"context"
	"errors"
	"fmt"
)

// ProviderOrder is one completed order as reported by the payment provider's
// read API.
type ProviderOrder struct {
	ExternalOrderID   string
	ExternalProductID string
}

// ProviderOrders is the outbound contract to the payment provider used by
// the reconciliation sweep. Implementations bound their own lookback window.
type ProviderOrders interface {
	RecentCompletedOrders(ctx context.Context, externalCustomerID string) ([]ProviderOrder, error)
}

// ApplyConfirmedOrder ensures a confirmed external order is reflected as
// exactly one purchase event. Both delivery paths (webhook push and
// reconciliation sweep) converge here; the external order id carries a
// uniqueness constraint, so repeated delivery credits once and reports
// Credited=false on the replay. Resolution failures are integration errors
// the caller must surface loudly.
func (service *Service) ApplyConfirmedOrder(ctx context.Context, customerID ExternalCustomerID, externalProductID string, orderID ExternalOrderID, metadata MetadataJSON) (CreditResult, error) {
	var result CreditResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		user, err := transactionStore.FindUserByExternalCustomerID(ctx, customerID.String())
		if err != nil {
			return err
		}
		product, err := transactionStore.FindProductByExternalID(ctx, externalProductID)
		if err != nil {
			return err
		}
		if err := transactionStore.LockUserBalance(ctx, user.UserID); err != nil {
			return err
		}
		credited := true
		err = transactionStore.InsertPurchase(ctx, PurchaseInput{
			UserID:          user.UserID,
			ProductID:       product.ProductID,
			ExternalOrderID: orderID.String(),
			MetadataJSON:    metadata.String(),
			CreatedUnixUTC:  service.nowFn(),
		})
		if errors.Is(err, ErrDuplicateOrder) {
			credited = false
		} else if err != nil {
			return err
		}
		tokens, err := recomputeCachedTokens(ctx, transactionStore, user.UserID)
		if err != nil {
			return err
		}
		result = CreditResult{Credited: credited, BalanceTokens: tokens}
		if credited {
			result.TokensGranted = product.TokenAmount
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationApplyOrder,
		Amount:          result.TokensGranted,
		ExternalOrderID: orderID.String(),
		Error:           operationError,
	})
	if operationError != nil {
		return CreditResult{}, operationError
	}
	return result, nil
}

// ReconcileRecentOrders pulls the user's recent completed orders from the
// payment provider and applies any not yet reflected locally. It exists
// because webhook delivery can trail the post-checkout redirect, or never
// arrive at all. Orders already credited by the webhook are counted as seen
// and skipped.
func (service *Service) ReconcileRecentOrders(ctx context.Context, userID UserID) (SweepResult, error) {
	if service.provider == nil {
		return SweepResult{}, fmt.Errorf("%w: provider dependency is nil", ErrInvalidServiceConfig)
	}
	var result SweepResult
	user, err := service.store.GetUser(ctx, userID.String())
	if err != nil {
		service.logReconcile(ctx, userID, result, err)
		return SweepResult{}, err
	}
	orders, err := service.provider.RecentCompletedOrders(ctx, user.ExternalCustomerID)
	if err != nil {
		wrapped := WrapError(operationReconcile, "provider", "recent_orders", err)
		service.logReconcile(ctx, userID, result, wrapped)
		return SweepResult{}, wrapped
	}
	customerID, err := NewExternalCustomerID(user.ExternalCustomerID)
	if err != nil {
		service.logReconcile(ctx, userID, result, err)
		return SweepResult{}, err
	}
	for _, order := range orders {
		orderID, err := NewExternalOrderID(order.ExternalOrderID)
		if err != nil {
			service.logReconcile(ctx, userID, result, err)
			return SweepResult{}, err
		}
		metadata, err := NewMetadataJSON(`{"source":"reconcile"}`)
		if err != nil {
			service.logReconcile(ctx, userID, result, err)
			return SweepResult{}, err
		}
		credit, err := service.ApplyConfirmedOrder(ctx, customerID, order.ExternalProductID, orderID, metadata)
		if err != nil {
			service.logReconcile(ctx, userID, result, err)
			return SweepResult{}, err
		}
		result.OrdersSeen++
		if credit.Credited {
			result.OrdersCredited++
		}
		result.BalanceTokens = credit.BalanceTokens
	}
	if result.OrdersSeen == 0 {
		tokens, err := service.store.GetCachedTokens(ctx, userID.String())
		if err != nil {
			service.logReconcile(ctx, userID, result, err)
			return SweepResult{}, err
		}
		result.BalanceTokens = tokens
	}
	service.logReconcile(ctx, userID, result, nil)
	return result, nil
}

func (service *Service) logReconcile(ctx context.Context, userID UserID, result SweepResult, operationError error) {
	service.logOperation(ctx, OperationLog{
		Operation: operationReconcile,
		UserID:    userID,
		Amount:    int64(result.OrdersCredited),
		Error:     operationError,
	})
}
