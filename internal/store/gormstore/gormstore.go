package gormstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/tokenledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintPurchaseExternalOrder = "uniq_purchase_external_order"
	defaultMetadataJSON             = "{}"
	pgUniqueViolationCode           = "23505"
	sqliteConstraintCode            = 19
	errorOperationStore             = "store"
	errorSubjectBalance             = "balance"
	errorSubjectCatalog             = "catalog"
	errorSubjectPurchase            = "purchase"
	errorSubjectSpend               = "spend"
	errorSubjectUser                = "user"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeList                   = "list"
	errorCodeLock                   = "lock"
	errorCodeLookup                 = "lookup"
	errorCodeSumPurchased           = "sum_purchased"
	errorCodeSumSpent               = "sum_spent"
	errorCodeUpdateCache            = "update_cache"
	errorCodeUpsert                 = "upsert"
)

// Store implements tokenledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. The daemon runs this for sqlite deployments;
// postgres schemas are managed out of band.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Product{}, &PurchaseEvent{}, &SpendEvent{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore tokenledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) UpsertProduct(ctx context.Context, entry tokenledger.CatalogEntry) error {
	product := Product{
		ExternalProductID: entry.ExternalProductID,
		Name:              entry.Name,
		PriceCents:        entry.PriceCents,
		TokenAmount:       entry.TokenAmount,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "price_cents", "token_amount", "updated_at"}),
		}).
		Create(&product).Error
	if err != nil {
		return wrapStoreError(errorSubjectCatalog, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) ListProducts(ctx context.Context) ([]tokenledger.Product, error) {
	var rows []Product
	if err := store.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	products := make([]tokenledger.Product, 0, len(rows))
	for _, row := range rows {
		products = append(products, mapProduct(row))
	}
	return products, nil
}

func (store *Store) FindProductByExternalID(ctx context.Context, externalProductID string) (tokenledger.Product, error) {
	var row Product
	err := store.db.WithContext(ctx).
		Where("external_product_id = ?", externalProductID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tokenledger.Product{}, wrapStoreError(errorSubjectCatalog, errorCodeLookup, tokenledger.ErrUnknownProduct)
		}
		return tokenledger.Product{}, wrapStoreError(errorSubjectCatalog, errorCodeLookup, err)
	}
	return mapProduct(row), nil
}

func (store *Store) GetUser(ctx context.Context, userID string) (tokenledger.User, error) {
	var row User
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tokenledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, tokenledger.ErrUnknownUser)
		}
		return tokenledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return mapUser(row), nil
}

func (store *Store) FindUserByExternalCustomerID(ctx context.Context, externalCustomerID string) (tokenledger.User, error) {
	var row User
	err := store.db.WithContext(ctx).
		Where("external_customer_id = ?", externalCustomerID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tokenledger.User{}, wrapStoreError(errorSubjectUser, errorCodeLookup, tokenledger.ErrUnknownUser)
		}
		return tokenledger.User{}, wrapStoreError(errorSubjectUser, errorCodeLookup, err)
	}
	return mapUser(row), nil
}

// LockUserBalance takes the user row lock that serializes concurrent spends
// and credits for one user. sqlite has no row locks; its single-writer
// transactions already serialize, so the clause is postgres-only.
func (store *Store) LockUserBalance(ctx context.Context, userID string) error {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID)
	if store.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row User
	err := query.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeLock, err)
	}
	return nil
}

func (store *Store) SumPurchasedTokens(ctx context.Context, userID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&PurchaseEvent{}).
		Select("coalesce(sum(products.token_amount),0) as total").
		Joins("join products on products.product_id = purchase_events.product_id").
		Where("purchase_events.user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumPurchased, err)
	}
	return sum.Total, nil
}

func (store *Store) SumSpentTokens(ctx context.Context, userID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&SpendEvent{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumSpent, err)
	}
	return sum.Total, nil
}

func (store *Store) InsertPurchase(ctx context.Context, purchase tokenledger.PurchaseInput) error {
	row := PurchaseEvent{
		UserID:          purchase.UserID,
		ProductID:       purchase.ProductID,
		ExternalOrderID: purchase.ExternalOrderID,
		Metadata:        datatypesJSON(purchase.MetadataJSON),
		CreatedAt:       eventTime(purchase.CreatedUnixUTC),
	}
	// Insert-or-ignore keeps a replayed webhook from aborting the enclosing
	// transaction before the cache refresh runs.
	result := store.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_order_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if isOrderConflict(result.Error) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, tokenledger.ErrDuplicateOrder)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, tokenledger.ErrDuplicateOrder)
	}
	return nil
}

func (store *Store) InsertSpend(ctx context.Context, spend tokenledger.SpendInput) (tokenledger.SpendEvent, error) {
	row := SpendEvent{
		UserID:    spend.UserID,
		Action:    spend.Action,
		Amount:    spend.Amount,
		Metadata:  datatypesJSON(spend.MetadataJSON),
		CreatedAt: eventTime(spend.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Omit(clause.Associations).Create(&row).Error; err != nil {
		return tokenledger.SpendEvent{}, wrapStoreError(errorSubjectSpend, errorCodeInsert, err)
	}
	return mapSpendEvent(row), nil
}

func (store *Store) UpdateCachedTokens(ctx context.Context, userID string, tokens int64) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID).
		Update("tokens", tokens)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdateCache, result.Error)
	}
	return nil
}

func (store *Store) GetCachedTokens(ctx context.Context, userID string) (int64, error) {
	var row User
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return row.Tokens, nil
}

func (store *Store) ListActivity(ctx context.Context, userID string, limit int) ([]tokenledger.ActivityEntry, error) {
	var purchases []PurchaseEvent
	err := store.db.WithContext(ctx).
		Preload("Product").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&purchases).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	var spends []SpendEvent
	err = store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&spends).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSpend, errorCodeList, err)
	}

	entries := make([]tokenledger.ActivityEntry, 0, len(purchases)+len(spends))
	for _, purchase := range purchases {
		entries = append(entries, tokenledger.ActivityEntry{
			EntryID:        purchase.PurchaseID,
			Kind:           tokenledger.ActivityPurchase,
			Label:          purchase.Product.Name,
			TokenDelta:     purchase.Product.TokenAmount,
			CreatedUnixUTC: purchase.CreatedAt.Unix(),
		})
	}
	for _, spend := range spends {
		entries = append(entries, tokenledger.ActivityEntry{
			EntryID:        spend.SpendID,
			Kind:           tokenledger.ActivitySpend,
			Label:          spend.Action,
			TokenDelta:     -spend.Amount,
			CreatedUnixUTC: spend.CreatedAt.Unix(),
		})
	}
	sort.SliceStable(entries, func(left, right int) bool {
		return entries[left].CreatedUnixUTC > entries[right].CreatedUnixUTC
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return tokenledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapProduct(row Product) tokenledger.Product {
	return tokenledger.Product{
		ProductID:         row.ProductID,
		ExternalProductID: row.ExternalProductID,
		Name:              row.Name,
		PriceCents:        row.PriceCents,
		TokenAmount:       row.TokenAmount,
	}
}

func mapUser(row User) tokenledger.User {
	return tokenledger.User{
		UserID:             row.UserID,
		ExternalCustomerID: row.ExternalCustomerID,
		Tokens:             row.Tokens,
	}
}

func mapSpendEvent(row SpendEvent) tokenledger.SpendEvent {
	return tokenledger.SpendEvent{
		SpendID:        row.SpendID,
		UserID:         row.UserID,
		Action:         row.Action,
		Amount:         row.Amount,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func eventTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isOrderConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPurchaseExternalOrder
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
