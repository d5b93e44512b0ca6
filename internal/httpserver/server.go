// Package httpserver exposes the token ledger over HTTP: a signed webhook
// for order confirmations and a session-authenticated consumer API.
package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/tokenledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	webhookSignatureHeader = "X-Webhook-Signature"
	orderStatusCompleted   = "completed"
)

// Run boots the HTTP surface using the supplied configuration and service.
func Run(ctx context.Context, cfg Config, service *tokenledger.Service, logger *zap.Logger) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("token api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/orders", handler.handleOrderWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware("auth_claims"))

	api.GET("/balance", handler.handleBalance)
	api.POST("/spend", handler.handleSpend)
	api.POST("/reconcile", handler.handleReconcile)
	api.GET("/products", handler.handleProducts)
	api.GET("/activity", handler.handleActivity)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *tokenledger.Service
	cfg     Config
}

type orderWebhookRequest struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	ProductID  string `json:"product_id"`
	Status     string `json:"status"`
	Metadata   string `json:"metadata"`
}

func (handler *httpHandler) handleOrderWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	if !validSignature(handler.cfg.WebhookSecret, body, ctx.GetHeader(webhookSignatureHeader)) {
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_signature", "signature mismatch"))
		return
	}

	var request orderWebhookRequest
	if err := json.Unmarshal(body, &request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Status != orderStatusCompleted {
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	customerID, err := tokenledger.NewExternalCustomerID(request.CustomerID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "customer_id is required"))
		return
	}
	orderID, err := tokenledger.NewExternalOrderID(request.OrderID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "order_id is required"))
		return
	}
	metadata, err := tokenledger.NewMetadataJSON(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "metadata must be valid json"))
		return
	}

	result, err := handler.service.ApplyConfirmedOrder(ctx.Request.Context(), customerID, request.ProductID, orderID, metadata)
	if err != nil {
		if errors.Is(err, tokenledger.ErrUnknownUser) || errors.Is(err, tokenledger.ErrUnknownProduct) {
			ctx.JSON(http.StatusUnprocessableEntity, errorResponse("unknown_reference", "order references an unknown customer or product"))
			return
		}
		handler.logger.Error("order webhook failed", zap.Error(err), zap.String("order_id", request.OrderID))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "order could not be applied"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"credited":       result.Credited,
		"tokens_granted": result.TokensGranted,
		"balance_tokens": result.BalanceTokens,
	})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	balance, err := handler.service.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"purchased_tokens": balance.PurchasedTokens,
		"spent_tokens":     balance.SpentTokens,
		"available_tokens": balance.AvailableTokens,
	})
}

type spendRequest struct {
	Amount   int64  `json:"amount"`
	Action   string `json:"action"`
	Metadata string `json:"metadata"`
}

func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := tokenledger.NewTokenAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be greater than zero"))
		return
	}
	action, err := tokenledger.NewActionLabel(request.Action)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_action", "action is required"))
		return
	}
	metadata, err := tokenledger.NewMetadataJSON(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "metadata must be valid json"))
		return
	}

	spendEvent, err := handler.service.Spend(ctx.Request.Context(), userID, amount, action, metadata)
	if err != nil {
		var insufficient tokenledger.InsufficientTokensError
		if errors.As(err, &insufficient) {
			ctx.JSON(http.StatusPaymentRequired, gin.H{
				"error": gin.H{
					"code":      "insufficient_tokens",
					"message":   "not enough tokens for this action",
					"required":  insufficient.Required,
					"available": insufficient.Available,
				},
			})
			return
		}
		handler.logger.Error("spend failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "spend failed"))
		return
	}

	balanceTokens, err := handler.service.CachedBalance(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("cached balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"spend_id":       spendEvent.SpendID,
		"balance_tokens": balanceTokens,
	})
}

// handleReconcile sweeps the provider for missed orders. Provider outages
// degrade to the cached balance instead of failing the request, since the
// sweep is a safety net rather than the delivery path.
func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	result, err := handler.service.ReconcileRecentOrders(ctx.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, tokenledger.ErrProviderUnavailable) {
			balanceTokens, cacheErr := handler.service.CachedBalance(ctx.Request.Context(), userID)
			if cacheErr != nil {
				handler.logger.Error("cached balance fetch failed", zap.Error(cacheErr))
				ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "balance unavailable"))
				return
			}
			ctx.JSON(http.StatusOK, gin.H{
				"status":         "provider_unavailable",
				"balance_tokens": balanceTokens,
			})
			return
		}
		handler.logger.Error("reconcile failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "reconcile failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"orders_seen":     result.OrdersSeen,
		"orders_credited": result.OrdersCredited,
		"balance_tokens":  result.BalanceTokens,
	})
}

func (handler *httpHandler) handleProducts(ctx *gin.Context) {
	products, err := handler.service.ListProducts(ctx.Request.Context())
	if err != nil {
		handler.logger.Error("product list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "catalog unavailable"))
		return
	}
	payload := make([]gin.H, 0, len(products))
	for _, product := range products {
		payload = append(payload, gin.H{
			"product_id":   product.ExternalProductID,
			"name":         product.Name,
			"price_cents":  product.PriceCents,
			"token_amount": product.TokenAmount,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"products": payload})
}

func (handler *httpHandler) handleActivity(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	entries, err := handler.service.ListActivity(ctx.Request.Context(), userID, handler.cfg.ActivityLimit)
	if err != nil {
		handler.logger.Error("activity list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "activity unavailable"))
		return
	}
	payload := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, gin.H{
			"entry_id":         entry.EntryID,
			"kind":             string(entry.Kind),
			"label":            entry.Label,
			"token_delta":      entry.TokenDelta,
			"created_unix_utc": entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"activity": payload})
}

func (handler *httpHandler) authenticatedUserID(ctx *gin.Context) (tokenledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return tokenledger.UserID{}, false
	}
	userID, err := tokenledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return tokenledger.UserID{}, false
	}
	return userID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get("auth_claims")
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// validSignature checks the webhook body against its hex HMAC-SHA256
// signature using a constant-time compare.
func validSignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// SignWebhookBody computes the hex HMAC-SHA256 signature callers must put
// in the signature header. Exported for delivery tooling and tests.
func SignWebhookBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
