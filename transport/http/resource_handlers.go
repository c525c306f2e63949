package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
	"github.com/layer-3/obgate/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AccountHandlers serve account information to third-party apps. Every call
// has already passed the Access Enforcer.
type AccountHandlers struct {
	ledger ports.Ledger
	logger *zap.Logger
}

// NewAccountHandlers creates new account handlers
func NewAccountHandlers(ledger ports.Ledger, logger *zap.Logger) *AccountHandlers {
	return &AccountHandlers{ledger: ledger, logger: logger}
}

// List returns the accounts the consent covers
func (h *AccountHandlers) List(c *gin.Context) {
	access, _ := accessFrom(c)
	accounts, err := h.ledger.ListAccounts(c.Request.Context(), access.Consent.UserID)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	covered := make([]core.Account, 0, len(accounts))
	for _, a := range accounts {
		if access.Consent.CoversAccount(a.ID) {
			covered = append(covered, a)
		}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": covered})
}

// Get returns a single account
func (h *AccountHandlers) Get(c *gin.Context) {
	access, accountID, ok := h.account(c)
	if !ok {
		return
	}
	account, err := h.ledger.GetAccount(c.Request.Context(), access.Consent.UserID, accountID)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// Balances returns an account's balances
func (h *AccountHandlers) Balances(c *gin.Context) {
	access, accountID, ok := h.account(c)
	if !ok {
		return
	}
	balances, err := h.ledger.GetBalances(c.Request.Context(), access.Consent.UserID, accountID)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

// Transactions returns a page of an account's transactions
func (h *AccountHandlers) Transactions(c *gin.Context) {
	access, accountID, ok := h.account(c)
	if !ok {
		return
	}

	var page core.Page
	var err error
	if raw := c.Query("limit"); raw != "" {
		if page.Limit, err = strconv.Atoi(raw); err != nil {
			badRequest(c, "limit must be an integer")
			return
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if page.Offset, err = strconv.Atoi(raw); err != nil {
			badRequest(c, "offset must be an integer")
			return
		}
	}
	page = core.NormalizePage(page)

	txs, err := h.ledger.ListTransactions(c.Request.Context(), access.Consent.UserID, accountID, page)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"limit":        page.Limit,
		"offset":       page.Offset,
	})
}

func (h *AccountHandlers) account(c *gin.Context) (*service.Access, string, bool) {
	access, _ := accessFrom(c)
	accountID := c.Param("id")
	if err := access.CheckAccount(accountID); err != nil {
		abortWithError(c, h.logger, err)
		return nil, "", false
	}
	return access, accountID, true
}

// PaymentHandlers serve payment initiation to third-party apps
type PaymentHandlers struct {
	payments *service.PaymentService
	logger   *zap.Logger
}

// NewPaymentHandlers creates new payment handlers
func NewPaymentHandlers(payments *service.PaymentService, logger *zap.Logger) *PaymentHandlers {
	return &PaymentHandlers{payments: payments, logger: logger}
}

// Initiate creates a pending payment awaiting SCA
func (h *PaymentHandlers) Initiate(c *gin.Context) {
	var req struct {
		DebtorAccount   string `json:"debtor_account" binding:"required"`
		CreditorAccount string `json:"creditor_account" binding:"required"`
		CreditorName    string `json:"creditor_name" binding:"required"`
		Amount          string `json:"amount" binding:"required"`
		Currency        string `json:"currency" binding:"required"`
		Reference       string `json:"reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "debtor_account, creditor_account, creditor_name, amount and currency are required")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		badRequest(c, "amount must be a decimal string")
		return
	}

	access, _ := accessFrom(c)
	p, err := h.payments.Initiate(c.Request.Context(), access.Consent, service.PaymentOrder{
		DebtorAccount:   req.DebtorAccount,
		CreditorAccount: req.CreditorAccount,
		CreditorName:    req.CreditorName,
		Amount:          amount,
		Currency:        req.Currency,
		Reference:       req.Reference,
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, newPaymentView(p))
}

// Get returns a payment created under the caller's consent
func (h *PaymentHandlers) Get(c *gin.Context) {
	access, _ := accessFrom(c)
	p, err := h.payments.Get(c.Request.Context(), access.Consent.ID, c.Param("id"))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newPaymentView(p))
}

// Authorize reports the SCA verifier's outcome for the payment's challenge
func (h *PaymentHandlers) Authorize(c *gin.Context) {
	var req struct {
		ChallengeID string `json:"challenge_id" binding:"required"`
		Outcome     string `json:"outcome" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "challenge_id and outcome are required")
		return
	}

	access, _ := accessFrom(c)
	p, err := h.payments.AuthorizeSCA(c.Request.Context(), access.Consent.ID, c.Param("id"), core.SCAResult{
		ChallengeID: req.ChallengeID,
		Outcome:     core.SCAOutcome(req.Outcome),
	})
	h.respond(c, http.StatusOK, p, err)
}

// Cancel cancels a payment still awaiting SCA
func (h *PaymentHandlers) Cancel(c *gin.Context) {
	access, _ := accessFrom(c)
	p, err := h.payments.Cancel(c.Request.Context(), access.Consent.ID, c.Param("id"))
	h.respond(c, http.StatusOK, p, err)
}

// Resubmit retries the ledger submission of a processing payment
func (h *PaymentHandlers) Resubmit(c *gin.Context) {
	access, _ := accessFrom(c)
	p, err := h.payments.Resubmit(c.Request.Context(), access.Consent.ID, c.Param("id"))
	h.respond(c, http.StatusAccepted, p, err)
}

// Settle applies the Ledger Service's verdict on a submitted payment
func (h *PaymentHandlers) Settle(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status is required")
		return
	}

	var settlement core.Settlement
	switch core.PaymentStatus(req.Status) {
	case core.PaymentStatusCompleted:
		settlement.Succeeded = true
	case core.PaymentStatusFailed:
		settlement.Reason = req.Reason
	default:
		badRequest(c, "status must be completed or failed")
		return
	}

	p, err := h.payments.Settle(c.Request.Context(), c.Param("id"), settlement)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newPaymentView(p))
}

// respond renders the payment, attaching it to the error body when the
// service still returned its current state.
func (h *PaymentHandlers) respond(c *gin.Context, status int, p *core.Payment, err error) {
	if err != nil {
		var extra gin.H
		if p != nil {
			extra = gin.H{"payment": newPaymentView(p)}
		}
		abortWithErrorBody(c, h.logger, err, extra)
		return
	}
	c.JSON(status, newPaymentView(p))
}
