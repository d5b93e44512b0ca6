package tokenledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// stubStore is an in-memory Store for exercising the service logic. When
// txMu is set, WithTx serializes transactions the way the SQL stores do.
type stubStore struct {
	txMu           *sync.Mutex
	products       map[string]Product
	productsByID   map[string]Product
	usersByID      map[string]User
	customerToUser map[string]string
	purchases      []PurchaseEvent
	spends         []SpendEvent
	cached         map[string]int64
	ordersSeen     map[string]bool
	sequence       int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		products:       map[string]Product{},
		productsByID:   map[string]Product{},
		usersByID:      map[string]User{},
		customerToUser: map[string]string{},
		cached:         map[string]int64{},
		ordersSeen:     map[string]bool{},
	}
}

func (store *stubStore) addUser(userID string, externalCustomerID string) {
	store.usersByID[userID] = User{UserID: userID, ExternalCustomerID: externalCustomerID}
	store.customerToUser[externalCustomerID] = userID
}

func (store *stubStore) addProduct(externalProductID string, name string, priceCents int64, tokenAmount int64) Product {
	store.sequence++
	product := Product{
		ProductID:         fmt.Sprintf("product-%d", store.sequence),
		ExternalProductID: externalProductID,
		Name:              name,
		PriceCents:        priceCents,
		TokenAmount:       tokenAmount,
	}
	store.products[externalProductID] = product
	store.productsByID[product.ProductID] = product
	return product
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.txMu != nil {
		store.txMu.Lock()
		defer store.txMu.Unlock()
	}
	return fn(ctx, store)
}

func (store *stubStore) UpsertProduct(_ context.Context, entry CatalogEntry) error {
	if existing, ok := store.products[entry.ExternalProductID]; ok {
		existing.Name = entry.Name
		existing.PriceCents = entry.PriceCents
		existing.TokenAmount = entry.TokenAmount
		store.products[entry.ExternalProductID] = existing
		store.productsByID[existing.ProductID] = existing
		return nil
	}
	store.addProduct(entry.ExternalProductID, entry.Name, entry.PriceCents, entry.TokenAmount)
	return nil
}

func (store *stubStore) ListProducts(_ context.Context) ([]Product, error) {
	products := make([]Product, 0, len(store.products))
	for _, product := range store.products {
		products = append(products, product)
	}
	return products, nil
}

func (store *stubStore) FindProductByExternalID(_ context.Context, externalProductID string) (Product, error) {
	product, ok := store.products[externalProductID]
	if !ok {
		return Product{}, ErrUnknownProduct
	}
	return product, nil
}

func (store *stubStore) GetUser(_ context.Context, userID string) (User, error) {
	user, ok := store.usersByID[userID]
	if !ok {
		return User{}, ErrUnknownUser
	}
	user.Tokens = store.cached[userID]
	return user, nil
}

func (store *stubStore) FindUserByExternalCustomerID(_ context.Context, externalCustomerID string) (User, error) {
	userID, ok := store.customerToUser[externalCustomerID]
	if !ok {
		return User{}, ErrUnknownUser
	}
	return store.GetUser(context.Background(), userID)
}

func (store *stubStore) LockUserBalance(_ context.Context, _ string) error {
	return nil
}

func (store *stubStore) SumPurchasedTokens(_ context.Context, userID string) (int64, error) {
	var total int64
	for _, purchase := range store.purchases {
		if purchase.UserID == userID {
			total += purchase.TokenAmount
		}
	}
	return total, nil
}

func (store *stubStore) SumSpentTokens(_ context.Context, userID string) (int64, error) {
	var total int64
	for _, spend := range store.spends {
		if spend.UserID == userID {
			total += spend.Amount
		}
	}
	return total, nil
}

func (store *stubStore) InsertPurchase(_ context.Context, purchase PurchaseInput) error {
	if store.ordersSeen[purchase.ExternalOrderID] {
		return ErrDuplicateOrder
	}
	store.ordersSeen[purchase.ExternalOrderID] = true
	store.sequence++
	store.purchases = append(store.purchases, PurchaseEvent{
		PurchaseID:      fmt.Sprintf("purchase-%d", store.sequence),
		UserID:          purchase.UserID,
		ProductID:       purchase.ProductID,
		ExternalOrderID: purchase.ExternalOrderID,
		TokenAmount:     store.productsByID[purchase.ProductID].TokenAmount,
		MetadataJSON:    purchase.MetadataJSON,
		CreatedUnixUTC:  purchase.CreatedUnixUTC,
	})
	return nil
}

func (store *stubStore) InsertSpend(_ context.Context, spend SpendInput) (SpendEvent, error) {
	store.sequence++
	event := SpendEvent{
		SpendID:        fmt.Sprintf("spend-%d", store.sequence),
		UserID:         spend.UserID,
		Action:         spend.Action,
		Amount:         spend.Amount,
		MetadataJSON:   spend.MetadataJSON,
		CreatedUnixUTC: spend.CreatedUnixUTC,
	}
	store.spends = append(store.spends, event)
	return event, nil
}

func (store *stubStore) UpdateCachedTokens(_ context.Context, userID string, tokens int64) error {
	store.cached[userID] = tokens
	return nil
}

func (store *stubStore) GetCachedTokens(_ context.Context, userID string) (int64, error) {
	return store.cached[userID], nil
}

func (store *stubStore) ListActivity(_ context.Context, userID string, limit int) ([]ActivityEntry, error) {
	entries := make([]ActivityEntry, 0)
	for _, purchase := range store.purchases {
		if purchase.UserID == userID {
			entries = append(entries, ActivityEntry{
				EntryID:        purchase.PurchaseID,
				Kind:           ActivityPurchase,
				Label:          purchase.ProductID,
				TokenDelta:     purchase.TokenAmount,
				CreatedUnixUTC: purchase.CreatedUnixUTC,
			})
		}
	}
	for _, spend := range store.spends {
		if spend.UserID == userID {
			entries = append(entries, ActivityEntry{
				EntryID:        spend.SpendID,
				Kind:           ActivitySpend,
				Label:          spend.Action,
				TokenDelta:     -spend.Amount,
				CreatedUnixUTC: spend.CreatedUnixUTC,
			})
		}
	}
	sort.Slice(entries, func(left, right int) bool {
		return entries[left].CreatedUnixUTC > entries[right].CreatedUnixUTC
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// failingStore returns the configured error from every method.
type failingStore struct {
	err error
}

func newFailingStore(test *testing.T, err error) *failingStore {
	test.Helper()
	return &failingStore{err: err}
}

func (store *failingStore) WithTx(context.Context, func(ctx context.Context, txStore Store) error) error {
	return store.err
}
func (store *failingStore) UpsertProduct(context.Context, CatalogEntry) error { return store.err }
func (store *failingStore) ListProducts(context.Context) ([]Product, error)   { return nil, store.err }
func (store *failingStore) FindProductByExternalID(context.Context, string) (Product, error) {
	return Product{}, store.err
}
func (store *failingStore) GetUser(context.Context, string) (User, error) { return User{}, store.err }
func (store *failingStore) FindUserByExternalCustomerID(context.Context, string) (User, error) {
	return User{}, store.err
}
func (store *failingStore) LockUserBalance(context.Context, string) error { return store.err }
func (store *failingStore) SumPurchasedTokens(context.Context, string) (int64, error) {
	return 0, store.err
}
func (store *failingStore) SumSpentTokens(context.Context, string) (int64, error) {
	return 0, store.err
}
func (store *failingStore) InsertPurchase(context.Context, PurchaseInput) error { return store.err }
func (store *failingStore) InsertSpend(context.Context, SpendInput) (SpendEvent, error) {
	return SpendEvent{}, store.err
}
func (store *failingStore) UpdateCachedTokens(context.Context, string, int64) error {
	return store.err
}
func (store *failingStore) GetCachedTokens(context.Context, string) (int64, error) {
	return 0, store.err
}
func (store *failingStore) ListActivity(context.Context, string, int) ([]ActivityEntry, error) {
	return nil, store.err
}

// stubProvider replays a fixed order list or fails with the configured error.
type stubProvider struct {
	orders []ProviderOrder
	err    error
	calls  int
}

func (provider *stubProvider) RecentCompletedOrders(_ context.Context, _ string) ([]ProviderOrder, error) {
	provider.calls++
	if provider.err != nil {
		return nil, provider.err
	}
	return provider.orders, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	clock := int64(0)
	service, err := NewService(store, func() int64 { clock++; return clock }, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustCustomerID(test *testing.T, raw string) ExternalCustomerID {
	test.Helper()
	customerID, err := NewExternalCustomerID(raw)
	if err != nil {
		test.Fatalf("customer id %q: %v", raw, err)
	}
	return customerID
}

func mustOrderID(test *testing.T, raw string) ExternalOrderID {
	test.Helper()
	orderID, err := NewExternalOrderID(raw)
	if err != nil {
		test.Fatalf("order id %q: %v", raw, err)
	}
	return orderID
}

func mustTokenAmount(test *testing.T, raw int64) TokenAmount {
	test.Helper()
	amount, err := NewTokenAmount(raw)
	if err != nil {
		test.Fatalf("token amount %d: %v", raw, err)
	}
	return amount
}

func mustAction(test *testing.T, raw string) ActionLabel {
	test.Helper()
	action, err := NewActionLabel(raw)
	if err != nil {
		test.Fatalf("action %q: %v", raw, err)
	}
	return action
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}
