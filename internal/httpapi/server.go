// Package httpapi exposes the points ledger and referral registry over a
// gin HTTP facade.
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
	"github.com/google/uuid"
	"github.com/motorhub/pointsledger/pkg/points"
	"github.com/motorhub/pointsledger/pkg/referral"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errInvalidServerConfig = errors.New("invalid server config")

// Server hosts the HTTP facade over the balance engine and referral registry.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	points   *points.Service
	registry *referral.Registry
	trigger  *referral.Trigger
}

// New wires a Server.
func New(cfg Config, logger *zap.Logger, pointsService *points.Service, registry *referral.Registry, trigger *referral.Trigger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger dependency is nil", errInvalidServerConfig)
	}
	if pointsService == nil {
		return nil, fmt.Errorf("%w: points service dependency is nil", errInvalidServerConfig)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: referral registry dependency is nil", errInvalidServerConfig)
	}
	if trigger == nil {
		return nil, fmt.Errorf("%w: bonus trigger dependency is nil", errInvalidServerConfig)
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		points:   pointsService,
		registry: registry,
		trigger:  trigger,
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("points api listening", zap.String("addr", server.cfg.ListenAddr))
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

func (server *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	pointsGroup := router.Group("/api/points")
	pointsGroup.GET("/balance/:userId", server.handleBalance)
	pointsGroup.POST("/apply", server.handleApply)
	pointsGroup.POST("/commit", server.handleCommit)
	pointsGroup.POST("/redeem", server.handleRedeem)
	pointsGroup.POST("/service/purchase", server.handleServicePurchase)
	pointsGroup.GET("/transactions", server.handleTransactions)

	referralGroup := router.Group("/api/referral")
	referralGroup.POST("/create", server.handleCreateCode)
	referralGroup.POST("/claim", server.handleClaimCode)
	referralGroup.POST("/first-transaction", server.handleFirstTransaction)
	referralGroup.GET("/wallet", server.handleReferralWallet)
	referralGroup.GET("/first-transaction", server.handleFirstTransactionStatus)

	return router
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, err := points.NewUserID(ctx.Param("userId"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	balance, err := server.points.Balance(requestCtx, userID)
	if err != nil {
		server.logger.Error("balance lookup failed", zap.Error(err))
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, balance.Int64())
}

type applyRequest struct {
	UserID         string          `json:"UserId"`
	Price          decimal.Decimal `json:"Price"`
	MaxPointsToUse *int64          `json:"MaxPointsToUse"`
}

func (server *Server) handleApply(ctx *gin.Context) {
	var request applyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBadPayload(ctx)
		return
	}
	userID, err := points.NewUserID(request.UserID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	quote, err := server.points.QuotePurchase(requestCtx, userID, request.Price, maxPoints(request.MaxPointsToUse))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, quotePayload(quote))
}

type commitRequest struct {
	UserID         string          `json:"UserId"`
	Price          decimal.Decimal `json:"Price"`
	MaxPointsToUse *int64          `json:"MaxPointsToUse"`
	PurchaseID     string          `json:"PurchaseId"`
}

// handleCommit records the confirmed purchase and then runs the referral
// bonus logic. Bonus failures never fail the purchase; they are queued for
// the reconciliation sweep instead.
func (server *Server) handleCommit(ctx *gin.Context) {
	var request commitRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBadPayload(ctx)
		return
	}
	userID, err := points.NewUserID(request.UserID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	purchaseID, err := points.NewReferenceID(request.PurchaseID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	quote, err := server.points.CommitPurchase(requestCtx, userID, request.Price, maxPoints(request.MaxPointsToUse), purchaseID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	if triggerErr := server.trigger.ProcessFirstTransaction(requestCtx, userID, purchaseID); triggerErr != nil {
		server.logger.Warn("bonus disbursement deferred",
			zap.String("userId", userID.String()),
			zap.Error(triggerErr))
		if enqueueErr := server.trigger.EnqueueRetry(requestCtx, userID, purchaseID); enqueueErr != nil {
			server.logger.Error("bonus enqueue failed", zap.Error(enqueueErr))
		}
	}
	payload := quotePayload(quote)
	payload["Replayed"] = quote.Replayed
	ctx.JSON(http.StatusOK, payload)
}

type redeemRequest struct {
	UserID         string `json:"UserId"`
	PointsToRedeem int64  `json:"PointsToRedeem"`
	ReferenceID    string `json:"ReferenceId"`
}

func (server *Server) handleRedeem(ctx *gin.Context) {
	var request redeemRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBadPayload(ctx)
		return
	}
	userID, err := points.NewUserID(request.UserID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	// A caller without its own reference key gets a fresh one; such a
	// request is not replayable.
	if request.ReferenceID == "" {
		request.ReferenceID = uuid.NewString()
	}
	referenceID, err := points.NewReferenceID(request.ReferenceID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	if _, err := server.points.RedeemToWallet(requestCtx, userID, points.Points(request.PointsToRedeem), referenceID); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.Status(http.StatusOK)
}

type servicePurchaseRequest struct {
	UserID      string `json:"UserId"`
	ServiceID   string `json:"ServiceId"`
	ReferenceID string `json:"ReferenceId"`
}

func (server *Server) handleServicePurchase(ctx *gin.Context) {
	var request servicePurchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondBadPayload(ctx)
		return
	}
	userID, err := points.NewUserID(request.UserID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	serviceID, err := points.NewServiceID(request.ServiceID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	if request.ReferenceID == "" {
		request.ReferenceID = uuid.NewString()
	}
	referenceID, err := points.NewReferenceID(request.ReferenceID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	receipt, err := server.points.PurchaseService(requestCtx, userID, serviceID, referenceID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"ServiceId":        receipt.ServiceID,
		"PointsSpent":      receipt.PointsSpent.Int64(),
		"RemainingBalance": receipt.RemainingBalance.Int64(),
	})
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	userID, err := points.NewUserID(ctx.Query("userId"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	limit := server.cfg.HistoryLimit
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		parsed, parseErr := strconv.Atoi(rawLimit)
		if parseErr != nil || parsed <= 0 {
			respondBadPayload(ctx)
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}
	before := time.Now().UTC().Add(time.Second).Unix()
	if rawBefore := ctx.Query("before"); rawBefore != "" {
		parsed, parseErr := strconv.ParseInt(rawBefore, 10, 64)
		if parseErr != nil {
			respondBadPayload(ctx)
			return
		}
		before = parsed
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	transactions, err := server.points.ListTransactions(requestCtx, userID, before, limit)
	if err != nil {
		server.logger.Error("transaction list failed", zap.Error(err))
		respondError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, gin.H{
			"TransactionId":    transaction.TransactionID,
			"Kind":             transaction.Kind.String(),
			"Amount":           transaction.Amount.Int64(),
			"ResultingBalance": transaction.ResultingBalance.Int64(),
			"ReferenceId":      transaction.ReferenceID,
			"Metadata":         json.RawMessage(transaction.MetadataJSON),
			"CreatedUnixUtc":   transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"Transactions": payload})
}

type createCodeRequest struct {
	UserID string `json:"userId"`
}

func (server *Server) handleCreateCode(ctx *gin.Context) {
	rawUserID := ctx.Query("userId")
	if rawUserID == "" {
		var request createCodeRequest
		if err := ctx.ShouldBindJSON(&request); err != nil {
			respondBadPayload(ctx)
			return
		}
		rawUserID = request.UserID
	}
	userID, err := points.NewUserID(rawUserID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	code, err := server.registry.GenerateCode(requestCtx, userID)
	if err != nil {
		server.logger.Error("code generation failed", zap.Error(err))
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"code": code.String()})
}

type claimCodeRequest struct {
	Code           string `json:"code"`
	ReferredUserID string `json:"referredUserId"`
}

func (server *Server) handleClaimCode(ctx *gin.Context) {
	rawCode := ctx.Query("code")
	rawReferredUserID := ctx.Query("referredUserId")
	if rawCode == "" && rawReferredUserID == "" {
		var request claimCodeRequest
		if err := ctx.ShouldBindJSON(&request); err != nil {
			respondBadPayload(ctx)
			return
		}
		rawCode = request.Code
		rawReferredUserID = request.ReferredUserID
	}
	code, err := referral.NewCode(rawCode)
	if err != nil {
		respondError(ctx, err)
		return
	}
	referredUserID, err := points.NewUserID(rawReferredUserID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	if err := server.registry.ClaimCode(requestCtx, code, referredUserID); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.Status(http.StatusOK)
}

func (server *Server) handleFirstTransaction(ctx *gin.Context) {
	referredUserID, err := points.NewUserID(ctx.Query("referredUserId"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	referenceID, err := points.NewReferenceID(ctx.Query("referenceId"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	if err := server.trigger.ProcessFirstTransaction(requestCtx, referredUserID, referenceID); err != nil {
		server.logger.Error("first-transaction processing failed", zap.Error(err))
		respondError(ctx, err)
		return
	}
	ctx.Status(http.StatusOK)
}

func (server *Server) handleReferralWallet(ctx *gin.Context) {
	userID, err := points.NewUserID(ctx.Query("userId"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	wallet, found, err := server.points.Wallet(requestCtx, userID)
	if err != nil {
		server.logger.Error("wallet lookup failed", zap.Error(err))
		respondError(ctx, err)
		return
	}
	if !found {
		ctx.JSON(http.StatusNotFound, errorResponse("wallet not found"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"userId":        wallet.UserID,
		"balancePoints": wallet.Balance.Int64(),
	})
}

func (server *Server) handleFirstTransactionStatus(ctx *gin.Context) {
	userID, err := points.NewUserID(ctx.Query("userId"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	completed, err := server.registry.HasCompletedFirstTransaction(requestCtx, userID)
	if err != nil {
		server.logger.Error("first-transaction status failed", zap.Error(err))
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"isFirstTransaction": !completed})
}

func (server *Server) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
}

func maxPoints(raw *int64) *points.Points {
	if raw == nil {
		return nil
	}
	value := points.Points(*raw)
	return &value
}

func quotePayload(quote points.Quote) gin.H {
	return gin.H{
		"FinalPrice":       quote.FinalPrice.InexactFloat64(),
		"PointsUsed":       quote.PointsUsed.Int64(),
		"RemainingBalance": quote.RemainingBalance.Int64(),
	}
}

func respondBadPayload(ctx *gin.Context) {
	ctx.JSON(http.StatusBadRequest, errorResponse("expected JSON body"))
}

func respondError(ctx *gin.Context, err error) {
	ctx.JSON(statusForError(err), errorResponse(err.Error()))
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, points.ErrInvalidAmount),
		errors.Is(err, points.ErrInsufficientBalance),
		errors.Is(err, points.ErrInvalidUserID),
		errors.Is(err, points.ErrInvalidReferenceID),
		errors.Is(err, points.ErrInvalidServiceID),
		errors.Is(err, referral.ErrInvalidCode),
		errors.Is(err, referral.ErrSelfReferral),
		errors.Is(err, referral.ErrAlreadyClaimed):
		return http.StatusBadRequest
	case errors.Is(err, points.ErrUnknownService),
		errors.Is(err, referral.ErrCodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, points.ErrBalanceConflict),
		errors.Is(err, points.ErrDuplicateReference),
		errors.Is(err, referral.ErrClaimConflict),
		errors.Is(err, referral.ErrDuplicateCode):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(message string) gin.H {
	return gin.H{"message": message}
}
