package tokenledger

const (
	operationSpend          = "spend"
	operationRefreshBalance = "refresh_balance"
	operationApplyOrder     = "apply_order"
	operationReconcile      = "reconcile"
	operationCatalogUpsert  = "catalog_upsert"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultActivityLimit bounds the merged history listing when callers
	// pass a non-positive limit.
	DefaultActivityLimit = 50
)
