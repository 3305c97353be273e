package invoice

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chainbill/internal/logging"
	"github.com/mbd888/chainbill/internal/pricing"
	"github.com/mbd888/chainbill/internal/validation"
)

// Handler provides HTTP endpoints for invoice operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new invoice handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up invoice routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/invoices", h.IssueInvoice)
	r.GET("/invoices/:id", h.GetInvoice)
	r.POST("/invoices/:id/transaction", h.SubmitTransaction)
	r.POST("/invoices/:id/verify", h.VerifyInvoice)
	r.GET("/projects/:id/invoices", validation.ProjectParamMiddleware(), h.ListProjectInvoices)
	r.GET("/chains", h.ListChains)
}

// RegisterAdminRoutes sets up operator routes. The caller applies auth.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/invoices/expire", h.ExpireInvoices)
}

// IssueInvoice handles POST /v1/invoices
func (h *Handler) IssueInvoice(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "projectId, tier, billingPeriod, token and chain are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidProjectID("projectId", req.ProjectID),
		validation.MaxLength("token", req.Token, 16),
		validation.MaxLength("chain", req.Chain, 32),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	inv, err := h.service.Issue(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		message := "Failed to issue invoice"
		switch {
		case errors.Is(err, ErrUnsupportedChain):
			status, code, message = http.StatusBadRequest, "unsupported_chain", err.Error()
		case errors.Is(err, ErrUnsupportedToken):
			status, code, message = http.StatusBadRequest, "unsupported_token", err.Error()
		case errors.Is(err, pricing.ErrNotPurchasable):
			status, code, message = http.StatusBadRequest, "not_purchasable", err.Error()
		case errors.Is(err, pricing.ErrUnknownTier), errors.Is(err, pricing.ErrUnknownPeriod):
			status, code, message = http.StatusBadRequest, "validation_error", err.Error()
		case errors.Is(err, ErrTreasuryNotConfigured):
			status, code, message = http.StatusServiceUnavailable, "treasury_not_configured", "Crypto payments are not configured"
		default:
			logging.L(c.Request.Context()).Error("issue invoice failed", "error", err)
		}
		c.JSON(status, gin.H{"error": code, "message": message})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"invoice": inv})
}

// GetInvoice handles GET /v1/invoices/:id
func (h *Handler) GetInvoice(c *gin.Context) {
	inv, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.stateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// ListProjectInvoices handles GET /v1/projects/:id/invoices
func (h *Handler) ListProjectInvoices(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	invs, err := h.service.ListByProject(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.stateError(c, err)
		return
	}
	if invs == nil {
		invs = []*Invoice{}
	}
	c.JSON(http.StatusOK, gin.H{
		"invoices": invs,
		"count":    len(invs),
	})
}

// SubmitTransaction handles POST /v1/invoices/:id/transaction
func (h *Handler) SubmitTransaction(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "txHash is required",
		})
		return
	}

	inv, err := h.service.SubmitTransaction(c.Request.Context(), c.Param("id"), req.TxHash)
	if err != nil {
		h.stateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// VerifyInvoice handles POST /v1/invoices/:id/verify
//
// 200 when confirmed, 202 with retryable=true when the caller should poll
// again, 422 when the payment was rejected.
func (h *Handler) VerifyInvoice(c *gin.Context) {
	inv, err := h.service.Verify(c.Request.Context(), c.Param("id"))
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"invoice": inv})
		return
	}

	var ve *VerificationError
	switch {
	case errors.As(err, &ve) && ve.Kind != KindPermanent:
		c.JSON(http.StatusAccepted, gin.H{
			"invoice":   inv,
			"retryable": true,
			"error":     "verification_pending",
			"message":   ve.Reason,
		})
	case errors.As(err, &ve):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"invoice":   inv,
			"retryable": false,
			"error":     "payment_rejected",
			"message":   ve.Reason,
		})
	case errors.Is(err, ErrActivation):
		logging.L(c.Request.Context()).Error("activation failed after confirmation", "invoiceId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"invoice": inv,
			"error":   "activation_failed",
			"message": "Payment confirmed but the subscription could not be activated; support has been notified",
		})
	case errors.Is(err, ErrStatusConflict):
		c.JSON(http.StatusAccepted, gin.H{
			"invoice":   inv,
			"retryable": true,
			"error":     "verification_in_progress",
			"message":   "Another verification is in progress",
		})
	default:
		h.stateError(c, err)
	}
}

// ListChains handles GET /v1/chains
func (h *Handler) ListChains(c *gin.Context) {
	type tokenView struct {
		Symbol   string `json:"symbol"`
		Address  string `json:"address"`
		Decimals uint8  `json:"decimals"`
	}
	type chainView struct {
		Key           string      `json:"key"`
		ChainID       int64       `json:"chainId"`
		Name          string      `json:"name"`
		Confirmations uint64      `json:"confirmations"`
		ExplorerURL   string      `json:"explorerUrl,omitempty"`
		Tokens        []tokenView `json:"tokens"`
	}

	var out []chainView
	for _, ch := range h.service.Chains() {
		v := chainView{
			Key:           ch.Key,
			ChainID:       ch.ID,
			Name:          ch.Name,
			Confirmations: ch.Confirmations,
			ExplorerURL:   ch.ExplorerURL,
			Tokens:        []tokenView{},
		}
		for _, sym := range ch.TokenSymbols() {
			tok, _ := ch.Token(sym)
			v.Tokens = append(v.Tokens, tokenView{Symbol: tok.Symbol, Address: tok.Address.Hex(), Decimals: tok.Decimals})
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"chains": out, "count": len(out)})
}

// ExpireInvoices handles POST /v1/admin/invoices/expire
func (h *Handler) ExpireInvoices(c *gin.Context) {
	n, err := h.service.ExpireDue(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual expiry sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Expiry sweep failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

// stateError maps caller/state errors to responses. Unknown errors are
// logged and reported generically so internal details never leak.
func (h *Handler) stateError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "Internal error"
	switch {
	case errors.Is(err, ErrInvoiceNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Invoice not found"
	case errors.Is(err, ErrInvalidTxHash):
		status, code, message = http.StatusBadRequest, "invalid_tx_hash", "txHash must be 0x followed by 64 hex characters"
	case errors.Is(err, ErrTxHashUsed):
		status, code, message = http.StatusConflict, "tx_hash_used", "This transaction has already been used for another invoice"
	case errors.Is(err, ErrInvoiceExpired):
		status, code, message = http.StatusGone, "invoice_expired", "Invoice has expired; issue a new one"
	case errors.Is(err, ErrAlreadyResolved):
		status, code, message = http.StatusConflict, "already_resolved", err.Error()
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrStatusConflict):
		status, code, message = http.StatusConflict, "invalid_state", err.Error()
	default:
		logging.L(c.Request.Context()).Error("invoice request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
