package tokenledger

import "context"

// UpsertCatalog seeds or updates the purchasable packs. Entries are keyed on
// the provider's product id: unseen ids are inserted, changed display
// attributes are updated in place. Safe to run at every deploy; stale rows
// are never deleted while purchases may reference them.
func (service *Service) UpsertCatalog(ctx context.Context, entries []CatalogEntry) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		for _, entry := range entries {
			if err := transactionStore.UpsertProduct(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCatalogUpsert,
		Amount:    int64(len(entries)),
		Error:     operationError,
	})
	return operationError
}

// ListProducts returns all catalog entries, any order.
func (service *Service) ListProducts(ctx context.Context) ([]Product, error) {
	return service.store.ListProducts(ctx)
}
