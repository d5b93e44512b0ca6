package tokenledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// UserID identifies a ledger account owner.
type UserID struct {
	value string
}

// ExternalCustomerID is the payment provider's customer identifier.
type ExternalCustomerID struct {
	value string
}

// ExternalOrderID is the provider's order identifier. It doubles as the
// idempotency key for purchase crediting.
type ExternalOrderID struct {
	value string
}

// TokenAmount is a strictly positive number of prepaid tokens.
type TokenAmount int64

// ActionLabel names what consumed tokens (e.g. "chat", "infographic").
type ActionLabel struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewExternalCustomerID validates and normalizes a provider customer id.
func NewExternalCustomerID(raw string) (ExternalCustomerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalCustomerID{}, fmt.Errorf("%w: empty value", ErrInvalidExternalCustomerID)
	}
	return ExternalCustomerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ExternalCustomerID) String() string {
	return id.value
}

// NewExternalOrderID validates and normalizes a provider order id.
func NewExternalOrderID(raw string) (ExternalOrderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalOrderID{}, fmt.Errorf("%w: empty value", ErrInvalidExternalOrderID)
	}
	return ExternalOrderID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ExternalOrderID) String() string {
	return id.value
}

// NewTokenAmount validates an amount and ensures it is strictly positive.
func NewTokenAmount(raw int64) (TokenAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidTokenAmount)
	}
	return TokenAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount TokenAmount) Int64() int64 {
	return int64(amount)
}

// NewActionLabel validates and normalizes an action label.
func NewActionLabel(raw string) (ActionLabel, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ActionLabel{}, fmt.Errorf("%w: empty value", ErrInvalidActionLabel)
	}
	return ActionLabel{value: trimmed}, nil
}

// String returns the normalized label.
func (label ActionLabel) String() string {
	return label.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// CatalogEntry is one purchasable pack as seeded at deploy time.
type CatalogEntry struct {
	ExternalProductID string
	Name              string
	PriceCents        int64
	TokenAmount       int64
}

// NewCatalogEntry validates a catalog entry before it reaches the store.
func NewCatalogEntry(externalProductID string, name string, priceCents int64, tokenAmount int64) (CatalogEntry, error) {
	trimmedProduct := strings.TrimSpace(externalProductID)
	if trimmedProduct == "" {
		return CatalogEntry{}, fmt.Errorf("%w: empty external product id", ErrInvalidCatalogEntry)
	}
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return CatalogEntry{}, fmt.Errorf("%w: empty name", ErrInvalidCatalogEntry)
	}
	if priceCents < 0 {
		return CatalogEntry{}, fmt.Errorf("%w: negative price", ErrInvalidCatalogEntry)
	}
	if tokenAmount <= 0 {
		return CatalogEntry{}, fmt.Errorf("%w: token amount must be greater than zero", ErrInvalidCatalogEntry)
	}
	return CatalogEntry{
		ExternalProductID: trimmedProduct,
		Name:              trimmedName,
		PriceCents:        priceCents,
		TokenAmount:       tokenAmount,
	}, nil
}

// Product is a stored catalog row.
type Product struct {
	ProductID         string
	ExternalProductID string
	Name              string
	PriceCents        int64
	TokenAmount       int64
}

// User is a stored ledger account with its cached token balance.
type User struct {
	UserID             string
	ExternalCustomerID string
	Tokens             int64
}

// PurchaseEvent is an immutable credit line: the user was granted the
// referenced product's token amount.
type PurchaseEvent struct {
	PurchaseID      string
	UserID          string
	ProductID       string
	ExternalOrderID string
	TokenAmount     int64
	MetadataJSON    string
	CreatedUnixUTC  int64
}

// SpendEvent is an immutable debit line.
type SpendEvent struct {
	SpendID        string
	UserID         string
	Action         string
	Amount         int64
	MetadataJSON   string
	CreatedUnixUTC int64
}

// PurchaseInput carries a purchase event into the store.
type PurchaseInput struct {
	UserID          string
	ProductID       string
	ExternalOrderID string
	MetadataJSON    string
	CreatedUnixUTC  int64
}

// SpendInput carries a spend event into the store.
type SpendInput struct {
	UserID         string
	Action         string
	Amount         int64
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Balance is the derived view over the two event streams. AvailableTokens is
// clamped at zero; the raw sums stay visible for reconciliation tooling.
type Balance struct {
	PurchasedTokens int64
	SpentTokens     int64
	AvailableTokens int64
}

// CreditResult reports the outcome of applying one confirmed order.
type CreditResult struct {
	Credited      bool
	TokensGranted int64
	BalanceTokens int64
}

// SweepResult reports the outcome of a reconciliation sweep.
type SweepResult struct {
	OrdersSeen     int
	OrdersCredited int
	BalanceTokens  int64
}

// ActivityEntry is one line in the merged purchase/spend history.
type ActivityEntry struct {
	EntryID        string
	Kind           ActivityKind
	Label          string
	TokenDelta     int64
	CreatedUnixUTC int64
}

// ActivityKind distinguishes history line sources.
type ActivityKind string

const (
	ActivityPurchase ActivityKind = "purchase"
	ActivitySpend    ActivityKind = "spend"
)

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	UpsertProduct(ctx context.Context, entry CatalogEntry) error
	ListProducts(ctx context.Context) ([]Product, error)
	FindProductByExternalID(ctx context.Context, externalProductID string) (Product, error)
	GetUser(ctx context.Context, userID string) (User, error)
	FindUserByExternalCustomerID(ctx context.Context, externalCustomerID string) (User, error)
	LockUserBalance(ctx context.Context, userID string) error
	SumPurchasedTokens(ctx context.Context, userID string) (int64, error)
	SumSpentTokens(ctx context.Context, userID string) (int64, error)
	InsertPurchase(ctx context.Context, purchase PurchaseInput) error
	InsertSpend(ctx context.Context, spend SpendInput) (SpendEvent, error)
	UpdateCachedTokens(ctx context.Context, userID string, tokens int64) error
	GetCachedTokens(ctx context.Context, userID string) (int64, error)
	ListActivity(ctx context.Context, userID string, limit int) ([]ActivityEntry, error)
}
