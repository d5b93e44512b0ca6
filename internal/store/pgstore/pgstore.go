package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/tokenledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectBalance   = "balance"
	errorSubjectCatalog   = "catalog"
	errorSubjectPurchase  = "purchase"
	errorSubjectSpend     = "spend"
	errorSubjectTx        = "transaction"
	errorSubjectUser      = "user"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeList         = "list"
	errorCodeLock         = "lock"
	errorCodeLookup       = "lookup"
	errorCodeSumPurchased = "sum_purchased"
	errorCodeSumSpent     = "sum_spent"
	errorCodeUpdateCache  = "update_cache"
	errorCodeUpsert       = "upsert"

	sqlUpsertProduct = `
		insert into products(product_id, external_product_id, name, price_cents, token_amount, created_at, updated_at)
		values (gen_random_uuid(), $1, $2, $3, $4, now(), now())
		on conflict (external_product_id) do update
		set name = excluded.name, price_cents = excluded.price_cents, token_amount = excluded.token_amount, updated_at = now()
	`

	sqlListProducts = `
		select product_id::text, external_product_id, name, price_cents, token_amount
		from products
	`

	sqlFindProductByExternalID = `
		select product_id::text, external_product_id, name, price_cents, token_amount
		from products
		where external_product_id = $1
	`

	sqlGetUser = `
		select user_id::text, external_customer_id, tokens
		from users
		where user_id = $1
	`

	sqlFindUserByCustomer = `
		select user_id::text, external_customer_id, tokens
		from users
		where external_customer_id = $1
	`

	sqlLockUserBalance = `
		select user_id from users where user_id = $1 for update
	`

	sqlSumPurchasedTokens = `
		select coalesce(sum(products.token_amount),0)
		from purchase_events
		join products on products.product_id = purchase_events.product_id
		where purchase_events.user_id = $1
	`

	sqlSumSpentTokens = `
		select coalesce(sum(amount),0) from spend_events where user_id = $1
	`

	sqlInsertPurchase = `
		insert into purchase_events(purchase_id, user_id, product_id, external_order_id, metadata, created_at)
		values (gen_random_uuid(), $1, $2, $3, coalesce(nullif($4,''),'{}')::jsonb, to_timestamp($5))
		on conflict (external_order_id) do nothing
	`

	sqlInsertSpend = `
		insert into spend_events(spend_id, user_id, action, amount, metadata, created_at)
		values (gen_random_uuid(), $1, $2, $3, coalesce(nullif($4,''),'{}')::jsonb, to_timestamp($5))
		returning spend_id::text
	`

	sqlUpdateCachedTokens = `
		update users set tokens = $2 where user_id = $1
	`

	sqlGetCachedTokens = `
		select tokens from users where user_id = $1
	`

	sqlListActivity = `
		select entry_id, kind, label, token_delta, created_unix from (
			select purchase_events.purchase_id::text as entry_id,
			       'purchase' as kind,
			       products.name as label,
			       products.token_amount as token_delta,
			       extract(epoch from purchase_events.created_at)::bigint as created_unix
			from purchase_events
			join products on products.product_id = purchase_events.product_id
			where purchase_events.user_id = $1
			union all
			select spend_events.spend_id::text,
			       'spend',
			       spend_events.action,
			       -spend_events.amount,
			       extract(epoch from spend_events.created_at)::bigint
			from spend_events
			where spend_events.user_id = $1
		) activity
		order by created_unix desc
		limit $2
	`
)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements tokenledger.Store using a pgx connection pool
// (autocommit outside WithTx).
type Store struct {
	pool *pgxpool.Pool
	conn querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, conn: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore tokenledger.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &Store{conn: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) UpsertProduct(ctx context.Context, entry tokenledger.CatalogEntry) error {
	_, err := store.conn.Exec(ctx, sqlUpsertProduct, entry.ExternalProductID, entry.Name, entry.PriceCents, entry.TokenAmount)
	if err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) ListProducts(ctx context.Context) ([]tokenledger.Product, error) {
	rows, err := store.conn.Query(ctx, sqlListProducts)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	defer rows.Close()

	var products []tokenledger.Product
	for rows.Next() {
		var product tokenledger.Product
		if err := rows.Scan(&product.ProductID, &product.ExternalProductID, &product.Name, &product.PriceCents, &product.TokenAmount); err != nil {
			return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	return products, nil
}

func (store *Store) FindProductByExternalID(ctx context.Context, externalProductID string) (tokenledger.Product, error) {
	var product tokenledger.Product
	err := store.conn.QueryRow(ctx, sqlFindProductByExternalID, externalProductID).Scan(
		&product.ProductID,
		&product.ExternalProductID,
		&product.Name,
		&product.PriceCents,
		&product.TokenAmount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tokenledger.Product{}, wrapStoreError(errorSubjectCatalog, errorCodeLookup, tokenledger.ErrUnknownProduct)
		}
		return tokenledger.Product{}, wrapStoreError(errorSubjectCatalog, errorCodeLookup, err)
	}
	return product, nil
}

func (store *Store) GetUser(ctx context.Context, userID string) (tokenledger.User, error) {
	return store.scanUser(ctx, sqlGetUser, userID, errorCodeGet)
}

func (store *Store) FindUserByExternalCustomerID(ctx context.Context, externalCustomerID string) (tokenledger.User, error) {
	return store.scanUser(ctx, sqlFindUserByCustomer, externalCustomerID, errorCodeLookup)
}

func (store *Store) scanUser(ctx context.Context, query string, argument string, code string) (tokenledger.User, error) {
	var user tokenledger.User
	err := store.conn.QueryRow(ctx, query, argument).Scan(&user.UserID, &user.ExternalCustomerID, &user.Tokens)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tokenledger.User{}, wrapStoreError(errorSubjectUser, code, tokenledger.ErrUnknownUser)
		}
		return tokenledger.User{}, wrapStoreError(errorSubjectUser, code, err)
	}
	return user, nil
}

func (store *Store) LockUserBalance(ctx context.Context, userID string) error {
	var lockedID string
	err := store.conn.QueryRow(ctx, sqlLockUserBalance, userID).Scan(&lockedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeLock, err)
	}
	return nil
}

func (store *Store) SumPurchasedTokens(ctx context.Context, userID string) (int64, error) {
	var sum int64
	if err := store.conn.QueryRow(ctx, sqlSumPurchasedTokens, userID).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumPurchased, err)
	}
	return sum, nil
}

func (store *Store) SumSpentTokens(ctx context.Context, userID string) (int64, error) {
	var sum int64
	if err := store.conn.QueryRow(ctx, sqlSumSpentTokens, userID).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumSpent, err)
	}
	return sum, nil
}

func (store *Store) InsertPurchase(ctx context.Context, purchase tokenledger.PurchaseInput) error {
	commandTag, err := store.conn.Exec(ctx, sqlInsertPurchase,
		purchase.UserID,
		purchase.ProductID,
		purchase.ExternalOrderID,
		purchase.MetadataJSON,
		purchase.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, tokenledger.ErrDuplicateOrder)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	if commandTag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, tokenledger.ErrDuplicateOrder)
	}
	return nil
}

func (store *Store) InsertSpend(ctx context.Context, spend tokenledger.SpendInput) (tokenledger.SpendEvent, error) {
	var spendID string
	err := store.conn.QueryRow(ctx, sqlInsertSpend,
		spend.UserID,
		spend.Action,
		spend.Amount,
		spend.MetadataJSON,
		spend.CreatedUnixUTC,
	).Scan(&spendID)
	if err != nil {
		return tokenledger.SpendEvent{}, wrapStoreError(errorSubjectSpend, errorCodeInsert, err)
	}
	return tokenledger.SpendEvent{
		SpendID:        spendID,
		UserID:         spend.UserID,
		Action:         spend.Action,
		Amount:         spend.Amount,
		MetadataJSON:   spend.MetadataJSON,
		CreatedUnixUTC: spend.CreatedUnixUTC,
	}, nil
}

func (store *Store) UpdateCachedTokens(ctx context.Context, userID string, tokens int64) error {
	if _, err := store.conn.Exec(ctx, sqlUpdateCachedTokens, userID, tokens); err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdateCache, err)
	}
	return nil
}

func (store *Store) GetCachedTokens(ctx context.Context, userID string) (int64, error) {
	var tokens int64
	err := store.conn.QueryRow(ctx, sqlGetCachedTokens, userID).Scan(&tokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return tokens, nil
}

func (store *Store) ListActivity(ctx context.Context, userID string, limit int) ([]tokenledger.ActivityEntry, error) {
	rows, err := store.conn.Query(ctx, sqlListActivity, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	defer rows.Close()

	var entries []tokenledger.ActivityEntry
	for rows.Next() {
		var entry tokenledger.ActivityEntry
		var kind string
		if err := rows.Scan(&entry.EntryID, &kind, &entry.Label, &entry.TokenDelta, &entry.CreatedUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
		}
		entry.Kind = tokenledger.ActivityKind(kind)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return tokenledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
