package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/service"
)

type SessionService interface {
	CreateSession(ctx context.Context, ownerID string, in service.CreateSessionInput) (*models.Session, error)
	GetSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error)
	ProcessPayment(ctx context.Context, ownerID, sessionID string, details models.PaymentDetails) (*models.Session, error)
	CancelSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error)
	RefundSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error)
}

type SessionHandler struct {
	sessions SessionService
}

func NewSessionHandler(sessions SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var in service.CreateSessionInput
	if err := bindJSON(c, &in, false); err != nil {
		writeError(c, err)
		return
	}
	sess, err := h.sessions.CreateSession(c.Request.Context(), ownerID(c), in)
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusCreated, sess)
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	sess, err := h.sessions.GetSession(c.Request.Context(), ownerID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, sess)
}

func (h *SessionHandler) ProcessPayment(c *gin.Context) {
	var details models.PaymentDetails
	if err := bindJSON(c, &details, true); err != nil {
		writeError(c, err)
		return
	}
	if details.IPAddress == "" {
		details.IPAddress = c.ClientIP()
	}
	sess, err := h.sessions.ProcessPayment(c.Request.Context(), ownerID(c), c.Param("id"), details)
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, sess)
}

func (h *SessionHandler) CancelSession(c *gin.Context) {
	sess, err := h.sessions.CancelSession(c.Request.Context(), ownerID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, sess)
}

func (h *SessionHandler) RefundSession(c *gin.Context) {
	sess, err := h.sessions.RefundSession(c.Request.Context(), ownerID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, sess)
}
