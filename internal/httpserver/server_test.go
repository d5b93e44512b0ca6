package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/tokenledger"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testWebhookSecret = "webhook-secret"

type stubProvider struct {
	orders []tokenledger.ProviderOrder
	err    error
}

func (provider *stubProvider) RecentCompletedOrders(context.Context, string) ([]tokenledger.ProviderOrder, error) {
	if provider.err != nil {
		return nil, provider.err
	}
	return provider.orders, nil
}

type testFixture struct {
	handler *httpHandler
	db      *gorm.DB
}

func newTestFixture(test *testing.T, provider tokenledger.ProviderOrders) *testFixture {
	test.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	// A second pool connection would get its own empty in-memory database.
	sqlDB.SetMaxOpenConns(1)
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	test.Cleanup(func() { _ = sqlDB.Close() })

	var sequence int64
	options := []tokenledger.ServiceOption{}
	if provider != nil {
		options = append(options, tokenledger.WithProviderOrders(provider))
	}
	service, err := tokenledger.NewService(gormstore.New(db), func() int64 {
		sequence++
		return sequence
	}, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}

	cfg := Config{
		ListenAddr:        ":0",
		AllowedOrigins:    []string{"http://localhost:8000"},
		SessionSigningKey: "secret-key",
		SessionIssuer:     "tauth",
		SessionCookieName: "app_session",
		WebhookSecret:     testWebhookSecret,
		ActivityLimit:     50,
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate config: %v", err)
	}
	return &testFixture{
		handler: &httpHandler{logger: zap.NewNop(), service: service, cfg: cfg},
		db:      db,
	}
}

func (fixture *testFixture) seedUser(test *testing.T, userID string, externalCustomerID string) {
	test.Helper()
	row := gormstore.User{UserID: userID, ExternalCustomerID: externalCustomerID}
	if err := fixture.db.Create(&row).Error; err != nil {
		test.Fatalf("seed user: %v", err)
	}
}

func (fixture *testFixture) seedProduct(test *testing.T, externalProductID string, tokenAmount int64) {
	test.Helper()
	entry, err := tokenledger.NewCatalogEntry(externalProductID, "Pack "+externalProductID, tokenAmount*100, tokenAmount)
	if err != nil {
		test.Fatalf("catalog entry: %v", err)
	}
	if err := fixture.handler.service.UpsertCatalog(context.Background(), []tokenledger.CatalogEntry{entry}); err != nil {
		test.Fatalf("upsert catalog: %v", err)
	}
}

func (fixture *testFixture) creditOrder(test *testing.T, customerID string, productID string, orderID string) {
	test.Helper()
	customer := mustCustomerID(test, customerID)
	order := mustOrderID(test, orderID)
	metadata := mustMetadata(test, "")
	if _, err := fixture.handler.service.ApplyConfirmedOrder(context.Background(), customer, productID, order, metadata); err != nil {
		test.Fatalf("apply order: %v", err)
	}
}

func TestHandleOrderWebhookCreditsThenAbsorbsReplay(test *testing.T) {
	fixture := newTestFixture(test, nil)
	fixture.seedUser(test, "user-1", "cust-1")
	fixture.seedProduct(test, "pack-small", 5)

	body := webhookBody(test, "ord-1", "cust-1", "pack-small", "completed")

	first := fixture.postWebhook(test, body, SignWebhookBody(testWebhookSecret, body))
	if first.Code != http.StatusOK {
		test.Fatalf("first delivery status=%d body=%s", first.Code, first.Body.String())
	}
	firstPayload := decodeBody(test, first)
	if firstPayload["credited"] != true {
		test.Fatalf("expected first delivery to credit, got %v", firstPayload)
	}
	if firstPayload["balance_tokens"] != float64(5) {
		test.Fatalf("expected balance 5, got %v", firstPayload["balance_tokens"])
	}

	replay := fixture.postWebhook(test, body, SignWebhookBody(testWebhookSecret, body))
	if replay.Code != http.StatusOK {
		test.Fatalf("replay status=%d body=%s", replay.Code, replay.Body.String())
	}
	replayPayload := decodeBody(test, replay)
	if replayPayload["credited"] != false {
		test.Fatalf("expected replay to be absorbed, got %v", replayPayload)
	}
	if replayPayload["balance_tokens"] != float64(5) {
		test.Fatalf("expected balance to stay 5, got %v", replayPayload["balance_tokens"])
	}
}

func TestHandleOrderWebhookRejectsBadSignature(test *testing.T) {
	fixture := newTestFixture(test, nil)
	body := webhookBody(test, "ord-1", "cust-1", "pack-small", "completed")

	recorder := fixture.postWebhook(test, body, "deadbeef")
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}

	missing := fixture.postWebhook(test, body, "")
	if missing.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 for missing signature, got %d", missing.Code)
	}
}

func TestHandleOrderWebhookIgnoresIncompleteOrders(test *testing.T) {
	fixture := newTestFixture(test, nil)
	fixture.seedUser(test, "user-1", "cust-1")
	fixture.seedProduct(test, "pack-small", 5)

	body := webhookBody(test, "ord-1", "cust-1", "pack-small", "pending")
	recorder := fixture.postWebhook(test, body, SignWebhookBody(testWebhookSecret, body))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeBody(test, recorder)
	if payload["status"] != "ignored" {
		test.Fatalf("expected ignored status, got %v", payload)
	}
}

func TestHandleOrderWebhookUnknownReferences(test *testing.T) {
	fixture := newTestFixture(test, nil)
	fixture.seedUser(test, "user-1", "cust-1")
	fixture.seedProduct(test, "pack-small", 5)

	unknownProduct := webhookBody(test, "ord-1", "cust-1", "pack-missing", "completed")
	recorder := fixture.postWebhook(test, unknownProduct, SignWebhookBody(testWebhookSecret, unknownProduct))
	if recorder.Code != http.StatusUnprocessableEntity {
		test.Fatalf("expected 422 for unknown product, got %d", recorder.Code)
	}

	unknownCustomer := webhookBody(test, "ord-2", "cust-missing", "pack-small", "completed")
	recorder = fixture.postWebhook(test, unknownCustomer, SignWebhookBody(testWebhookSecret, unknownCustomer))
	if recorder.Code != http.StatusUnprocessableEntity {
		test.Fatalf("expected 422 for unknown customer, got %d", recorder.Code)
	}
}

func TestHandleBalanceReturnsDerivedSums(test *testing.T) {
	fixture := newTestFixture(test, nil)
	fixture.seedUser(test, "user-1", "cust-1")
	fixture.seedProduct(test, "pack-small", 5)
	fixture.creditOrder(test, "cust-1", "pack-small", "ord-1")

	ctx, recorder := newTestContext(http.MethodGet, "/api/balance", nil)
	ctx.Set("auth_claims", &sessionvalidator.Claims{UserID: "user-1"})
	fixture.handler.handleBalance(ctx)

	if recorder.Code != http.StatusOK {
		test.Fatalf("status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["purchased_tokens"] != float64(5) || payload["available_tokens"] != float64(5) {
		test.Fatalf("unexpected balance payload %v", payload)
	}
}

func TestHandleSpendDebitsAndReportsBalance(test *testing.T) {
	fixture := newTestFixture(test, nil)
	fixture.seedUser(test, "user-1", "cust-1")
	fixture.seedProduct(test, "pack-small", 5)
	fixture.creditOrder(test, "cust-1", "pack-small", "ord-1")

	ctx, recorder := newTestContext(http.MethodPost, "/api/spend", map[string]any{"amount": 2, "action": "infographic"})
	ctx.Set("auth_claims", &sessionvalidator.Claims{UserID: "user-1"})
	fixture.handler.handleSpend(ctx)

	if recorder.Code != http.StatusOK {
		test.Fatalf("status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["balance_tokens"] != float64(3) {
		test.Fatalf("expected balance 3 after spend, got %v", payload["balance_tokens"])
	}
	if payload["spend_id"] == "" {
		test.Fatalf("expected spend id in response")
	}
}

func TestHandleSpendInsufficientTokens(test *testing.T) {
	fixture := newTestFixture(test, nil)
	fixture.seedUser(test, "user-1", "cust-1")

	ctx, recorder := newTestContext(http.MethodPost, "/api/spend", map[string]any{"amount": 3, "action": "infographic"})
	ctx.Set("auth_claims", &sessionvalidator.Claims{UserID: "user-1"})
	fixture.handler.handleSpend(ctx)

	if recorder.Code != http.StatusPaymentRequired {
		test.Fatalf("expected 402, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	errorPayload, ok := payload["error"].(map[string]any)
	if !ok {
		test.Fatalf("expected error payload, got %v", payload)
	}
	if errorPayload["required"] != float64(3) || errorPayload["available"] != float64(0) {
		test.Fatalf("unexpected error details %v", errorPayload)
	}
}

func TestHandleSpendRejectsInvalidPayloads(test *testing.T) {
	fixture := newTestFixture(test, nil)
	fixture.seedUser(test, "user-1", "cust-1")

	cases := []struct {
		name    string
		payload map[string]any
	}{
		{name: "zero amount", payload: map[string]any{"amount": 0, "action": "infographic"}},
		{name: "negative amount", payload: map[string]any{"amount": -5, "action": "infographic"}},
		{name: "blank action", payload: map[string]any{"amount": 2, "action": "  "}},
	}
	for _, testCase := range cases {
		ctx, recorder := newTestContext(http.MethodPost, "/api/spend", testCase.payload)
		ctx.Set("auth_claims", &sessionvalidator.Claims{UserID: "user-1"})
		fixture.handler.handleSpend(ctx)
		if recorder.Code != http.StatusBadRequest {
			test.Fatalf("%s: expected 400, got %d", testCase.name, recorder.Code)
		}
	}
}

func TestHandleSpendUnauthorized(test *testing.T) {
	fixture := newTestFixture(test, nil)

	ctx, recorder := newTestContext(http.MethodPost, "/api/spend", map[string]any{"amount": 1, "action": "chat"})
	fixture.handler.handleSpend(ctx)

	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestHandleReconcileCatchesMissedOrder(test *testing.T) {
	provider := &stubProvider{orders: []tokenledger.ProviderOrder{
		{ExternalOrderID: "ord-1", ExternalProductID: "pack-small"},
	}}
	fixture := newTestFixture(test, provider)
	fixture.seedUser(test, "user-1", "cust-1")
	fixture.seedProduct(test, "pack-small", 5)

	ctx, recorder := newTestContext(http.MethodPost, "/api/reconcile", nil)
	ctx.Set("auth_claims", &sessionvalidator.Claims{UserID: "user-1"})
	fixture.handler.handleReconcile(ctx)

	if recorder.Code != http.StatusOK {
		test.Fatalf("status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["orders_credited"] != float64(1) || payload["balance_tokens"] != float64(5) {
		test.Fatalf("unexpected sweep payload %v", payload)
	}
}

func TestHandleReconcileDegradesWhenProviderDown(test *testing.T) {
	provider := &stubProvider{err: fmt.Errorf("%w: connection refused", tokenledger.ErrProviderUnavailable)}
	fixture := newTestFixture(test, provider)
	fixture.seedUser(test, "user-1", "cust-1")
	fixture.seedProduct(test, "pack-small", 5)
	fixture.creditOrder(test, "cust-1", "pack-small", "ord-1")

	ctx, recorder := newTestContext(http.MethodPost, "/api/reconcile", nil)
	ctx.Set("auth_claims", &sessionvalidator.Claims{UserID: "user-1"})
	fixture.handler.handleReconcile(ctx)

	if recorder.Code != http.StatusOK {
		test.Fatalf("status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["status"] != "provider_unavailable" {
		test.Fatalf("expected degraded status, got %v", payload)
	}
	if payload["balance_tokens"] != float64(5) {
		test.Fatalf("expected cached balance 5, got %v", payload["balance_tokens"])
	}
}

func TestHandleProductsListsCatalog(test *testing.T) {
	fixture := newTestFixture(test, nil)
	fixture.seedProduct(test, "pack-small", 5)
	fixture.seedProduct(test, "pack-large", 60)

	ctx, recorder := newTestContext(http.MethodGet, "/api/products", nil)
	fixture.handler.handleProducts(ctx)

	if recorder.Code != http.StatusOK {
		test.Fatalf("status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	products, ok := payload["products"].([]any)
	if !ok || len(products) != 2 {
		test.Fatalf("expected 2 products, got %v", payload)
	}
}

func TestHandleActivityMergesHistory(test *testing.T) {
	fixture := newTestFixture(test, nil)
	fixture.seedUser(test, "user-1", "cust-1")
	fixture.seedProduct(test, "pack-small", 5)
	fixture.creditOrder(test, "cust-1", "pack-small", "ord-1")

	spendCtx, spendRecorder := newTestContext(http.MethodPost, "/api/spend", map[string]any{"amount": 2, "action": "infographic"})
	spendCtx.Set("auth_claims", &sessionvalidator.Claims{UserID: "user-1"})
	fixture.handler.handleSpend(spendCtx)
	if spendRecorder.Code != http.StatusOK {
		test.Fatalf("spend status=%d body=%s", spendRecorder.Code, spendRecorder.Body.String())
	}

	ctx, recorder := newTestContext(http.MethodGet, "/api/activity", nil)
	ctx.Set("auth_claims", &sessionvalidator.Claims{UserID: "user-1"})
	fixture.handler.handleActivity(ctx)

	if recorder.Code != http.StatusOK {
		test.Fatalf("status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	activity, ok := payload["activity"].([]any)
	if !ok || len(activity) != 2 {
		test.Fatalf("expected 2 activity entries, got %v", payload)
	}
}

func TestConfigValidateRequiresSecrets(test *testing.T) {
	test.Parallel()

	valid := Config{SessionSigningKey: "key", WebhookSecret: "secret"}
	if err := valid.Validate(); err != nil {
		test.Fatalf("expected valid config, got %v", err)
	}
	if valid.ListenAddr != defaultListenAddr {
		test.Fatalf("expected default listen addr, got %q", valid.ListenAddr)
	}

	missingKey := Config{WebhookSecret: "secret"}
	if err := missingKey.Validate(); err == nil {
		test.Fatalf("expected error for missing signing key")
	}

	missingSecret := Config{SessionSigningKey: "key"}
	if err := missingSecret.Validate(); err == nil {
		test.Fatalf("expected error for missing webhook secret")
	}
}

func TestParseAllowedOriginsTrimsAndSkipsBlanks(test *testing.T) {
	test.Parallel()

	origins := ParseAllowedOrigins(" http://a.example , ,http://b.example ")
	if len(origins) != 2 || origins[0] != "http://a.example" || origins[1] != "http://b.example" {
		test.Fatalf("unexpected origins %v", origins)
	}
}

func (fixture *testFixture) postWebhook(test *testing.T, body []byte, signature string) *httptest.ResponseRecorder {
	test.Helper()
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/webhooks/orders", bytes.NewReader(body))
	if signature != "" {
		ctx.Request.Header.Set(webhookSignatureHeader, signature)
	}
	fixture.handler.handleOrderWebhook(ctx)
	return recorder
}

func webhookBody(test *testing.T, orderID string, customerID string, productID string, status string) []byte {
	test.Helper()
	encoded, err := json.Marshal(map[string]any{
		"order_id":    orderID,
		"customer_id": customerID,
		"product_id":  productID,
		"status":      status,
	})
	if err != nil {
		test.Fatalf("marshal webhook body: %v", err)
	}
	return encoded
}

func newTestContext(method string, path string, payload map[string]any) (*gin.Context, *httptest.ResponseRecorder) {
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(method, path, payloadReader(payload))
	return ctx, recorder
}

func payloadReader(payload map[string]any) *bytes.Reader {
	if payload == nil {
		return bytes.NewReader(nil)
	}
	encoded, _ := json.Marshal(payload)
	return bytes.NewReader(encoded)
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func mustCustomerID(test *testing.T, raw string) tokenledger.ExternalCustomerID {
	test.Helper()
	customerID, err := tokenledger.NewExternalCustomerID(raw)
	if err != nil {
		test.Fatalf("customer id: %v", err)
	}
	return customerID
}

func mustOrderID(test *testing.T, raw string) tokenledger.ExternalOrderID {
	test.Helper()
	orderID, err := tokenledger.NewExternalOrderID(raw)
	if err != nil {
		test.Fatalf("order id: %v", err)
	}
	return orderID
}

func mustMetadata(test *testing.T, raw string) tokenledger.MetadataJSON {
	test.Helper()
	metadata, err := tokenledger.NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
