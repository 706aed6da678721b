// Package httpapi exposes the credits ledger over HTTP for the webhook
// handlers and the sponsored-transaction pipeline.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ArclightLabs/paymaster/pkg/credits"
)

const (
	methodTopUp   = "credits.topup"
	methodPreauth = "credits.preauth"
	methodSettle  = "credits.settle"

	replayedHeader = "X-Idempotent-Replayed"
)

// Server wires the gin router over the credits service.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	service  *credits.Service
	executor *credits.Executor
}

// NewServer constructs the HTTP façade.
func NewServer(cfg Config, service *credits.Service, executor *credits.Executor, logger *zap.Logger) (*Server, error) {
	if service == nil || executor == nil || logger == nil {
		return nil, fmt.Errorf("%w: httpapi dependencies are nil", credits.ErrInvalidServiceConfig)
	}
	return &Server{cfg: cfg, logger: logger, service: service, executor: executor}, nil
}

// Router builds the gin engine with all routes attached.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/v1/credits")
	api.Use(authMiddleware(server.cfg.AuthSigningKey))

	api.POST("/topup", server.handleTopUp)
	api.POST("/preauth", server.handlePreauth)
	api.POST("/release", server.handleRelease)
	api.POST("/settle", server.handleSettle)
	api.GET("/balance", server.handleBalance)
	api.GET("/history", server.handleHistory)

	return router
}

// Run serves until ctx is done, then drains connections.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("httpapi listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type topUpRequest struct {
	OrgID          string `json:"orgId"`
	AmountCents    int64  `json:"amountCents"`
	Provider       string `json:"provider"`
	ProviderRef    string `json:"providerRef"`
	IdempotencyKey string `json:"idempotencyKey"`
	Metadata       string `json:"metadata"`
}

type preauthRequest struct {
	OrgID            string `json:"orgId"`
	ApprovalID       string `json:"approvalId"`
	AmountCents      int64  `json:"amountCents"`
	ExpiresAtUnixUTC int64  `json:"expiresAtUnixUtc"`
	IdempotencyKey   string `json:"idempotencyKey"`
}

type releaseRequest struct {
	ApprovalID string `json:"approvalId"`
}

type settleRequest struct {
	ApprovalID           string `json:"approvalId"`
	TxHash               string `json:"txHash"`
	GasUsed              uint64 `json:"gasUsed"`
	EffectiveGasPriceWei string `json:"effectiveGasPriceWei"`
	IdempotencyKey       string `json:"idempotencyKey"`
}

func (server *Server) handleTopUp(ctx *gin.Context) {
	var request topUpRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_payload", "expected JSON body", false))
		return
	}
	orgID, err := credits.NewOrgID(request.OrgID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_org_id", err.Error(), false))
		return
	}
	amount, err := credits.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_amount_cents", err.Error(), false))
		return
	}
	metadata, err := credits.NewMetadataJSON(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_metadata", err.Error(), false))
		return
	}
	server.withIdempotency(ctx, request.IdempotencyKey, methodTopUp, orgID, func(requestCtx context.Context) (credits.Response, error) {
		result, err := server.service.TopUp(requestCtx, orgID, amount, request.Provider, request.ProviderRef, metadata)
		if err != nil {
			return domainOrTransient(err)
		}
		return jsonResponse(http.StatusOK, gin.H{
			"transactionId":   result.Transaction.TransactionID,
			"newBalanceCents": result.NewBalanceCents.Int64(),
		})
	})
}

func (server *Server) handlePreauth(ctx *gin.Context) {
	var request preauthRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_payload", "expected JSON body", false))
		return
	}
	orgID, err := credits.NewOrgID(request.OrgID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_org_id", err.Error(), false))
		return
	}
	approvalID, err := credits.NewApprovalID(request.ApprovalID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_approval_id", err.Error(), false))
		return
	}
	amount, err := credits.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_amount_cents", err.Error(), false))
		return
	}
	server.withIdempotency(ctx, request.IdempotencyKey, methodPreauth, orgID, func(requestCtx context.Context) (credits.Response, error) {
		hold, err := server.service.Preauth(requestCtx, orgID, approvalID, amount, request.ExpiresAtUnixUTC)
		if err != nil {
			return domainOrTransient(err)
		}
		return jsonResponse(http.StatusOK, gin.H{
			"approvalId":       hold.ApprovalID,
			"creditsHoldCents": hold.AmountCents.Int64(),
			"expiresAtUnixUtc": hold.ExpiresAtUnixUTC,
		})
	})
}

func (server *Server) handleRelease(ctx *gin.Context) {
	var request releaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_payload", "expected JSON body", false))
		return
	}
	approvalID, err := credits.NewApprovalID(request.ApprovalID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_approval_id", err.Error(), false))
		return
	}
	if err := server.service.Release(ctx.Request.Context(), approvalID); err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"released": true})
}

func (server *Server) handleSettle(ctx *gin.Context) {
	var request settleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_payload", "expected JSON body", false))
		return
	}
	approvalID, err := credits.NewApprovalID(request.ApprovalID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_approval_id", err.Error(), false))
		return
	}
	gasPriceWei, err := credits.ParseWei(request.EffectiveGasPriceWei)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_gas_price", err.Error(), false))
		return
	}
	// The oracle rate is resolved per settlement, outside any ledger lock.
	oracleCentsPerEth := server.cfg.OracleCentsPerEth
	// The hold carries the org; orgID scoping of the key happens in the service.
	orgID := credits.OrgID{}
	server.withIdempotency(ctx, request.IdempotencyKey, methodSettle, orgID, func(requestCtx context.Context) (credits.Response, error) {
		result, err := server.service.Settle(requestCtx, approvalID, request.TxHash, request.GasUsed, gasPriceWei, oracleCentsPerEth)
		if err != nil {
			return domainOrTransient(err)
		}
		return jsonResponse(http.StatusOK, gin.H{
			"txnId":           result.TransactionID,
			"debitedCents":    result.DebitedCents.Int64(),
			"newBalanceCents": result.NewBalanceCents.Int64(),
		})
	})
}

func (server *Server) handleBalance(ctx *gin.Context) {
	orgID, err := credits.NewOrgID(ctx.Query("orgId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_org_id", err.Error(), false))
		return
	}
	account, err := server.service.Balance(ctx.Request.Context(), orgID)
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balanceCents": account.BalanceCents.Int64()})
}

func (server *Server) handleHistory(ctx *gin.Context) {
	orgID, err := credits.NewOrgID(ctx.Query("orgId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_org_id", err.Error(), false))
		return
	}
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "0"))
	before, _ := strconv.ParseInt(ctx.DefaultQuery("beforeUnixUtc", "0"), 10, 64)
	transactions, err := server.service.History(ctx.Request.Context(), orgID, before, server.cfg.historyLimit(limit))
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, gin.H{
			"transactionId":  transaction.TransactionID,
			"type":           transaction.Type.String(),
			"amountCents":    transaction.AmountCents.Int64(),
			"provider":       transaction.Provider,
			"providerRef":    transaction.ProviderRef,
			"reason":         transaction.Reason,
			"refId":          transaction.RefID,
			"createdUnixUtc": transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

// withIdempotency routes keyed requests through the executor; requests without
// a key execute directly.
func (server *Server) withIdempotency(ctx *gin.Context, rawKey string, method string, orgID credits.OrgID, fn credits.ExecuteFunc) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.requestTimeout())
	defer cancel()
	if rawKey == "" {
		response, err := fn(requestCtx)
		server.respond(ctx, response, false, err)
		return
	}
	key, err := credits.NewIdempotencyKey(rawKey)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody("invalid_idempotency_key", err.Error(), false))
		return
	}
	response, replayed, err := server.executor.Execute(requestCtx, key, method, orgID, fn)
	server.respond(ctx, response, replayed, err)
}

func (server *Server) respond(ctx *gin.Context, response credits.Response, replayed bool, err error) {
	if err != nil {
		if errors.Is(err, credits.ErrDuplicateIdempotencyKey) {
			ctx.JSON(http.StatusConflict, errorBody("request_in_flight", "a request with this idempotency key is still executing", true))
			return
		}
		server.renderError(ctx, err)
		return
	}
	if replayed {
		ctx.Header(replayedHeader, "true")
	}
	ctx.Data(response.StatusCode, "application/json", response.Body)
}

func (server *Server) renderError(ctx *gin.Context, err error) {
	if response, ok := domainResponse(err); ok {
		ctx.Data(response.StatusCode, "application/json", response.Body)
		return
	}
	server.logger.Error("ledger request failed", zap.Error(err))
	ctx.JSON(http.StatusBadGateway, errorBody("ledger_error", "ledger unavailable", true))
}

// domainOrTransient converts deterministic domain failures into cacheable
// responses; everything else propagates as a transient error that must not be
// stored against the idempotency key.
func domainOrTransient(err error) (credits.Response, error) {
	if response, ok := domainResponse(err); ok {
		return response, nil
	}
	return credits.Response{}, err
}

func domainResponse(err error) (credits.Response, bool) {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return mustJSONResponse(http.StatusConflict, errorBody("insufficient_credits", "available balance is below the requested hold", true)), true
	case errors.Is(err, credits.ErrDuplicateApproval):
		return mustJSONResponse(http.StatusConflict, errorBody("duplicate_approval_id", "a hold already exists for this approval id", false)), true
	case errors.Is(err, credits.ErrHoldNotFound):
		return mustJSONResponse(http.StatusNotFound, errorBody("hold_not_found", "no hold exists for this approval id", false)), true
	case errors.Is(err, credits.ErrHoldExpired):
		return mustJSONResponse(http.StatusGone, errorBody("hold_expired", "the hold expired before settlement", false)), true
	case errors.Is(err, credits.ErrHoldInvalid):
		return mustJSONResponse(http.StatusConflict, errorBody("hold_invalid", "the hold was already captured or released", false)), true
	case errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrInvalidOrgID),
		errors.Is(err, credits.ErrInvalidApprovalID),
		errors.Is(err, credits.ErrInvalidGasInput),
		errors.Is(err, credits.ErrInvalidMetadataJSON):
		return mustJSONResponse(http.StatusBadRequest, errorBody("invalid_request", err.Error(), false)), true
	}
	return credits.Response{}, false
}

func errorBody(code string, message string, retryable bool) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
		"retryable": retryable,
	}
}

func jsonResponse(statusCode int, payload gin.H) (credits.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return credits.Response{}, err
	}
	return credits.Response{StatusCode: statusCode, Body: body}, nil
}

func mustJSONResponse(statusCode int, payload gin.H) credits.Response {
	response, err := jsonResponse(statusCode, payload)
	if err != nil {
		panic(err)
	}
	return response
}
