package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/vnmchuo/tool-gateway/internal/auth"
	"github.com/vnmchuo/tool-gateway/internal/payment"
)

type createOrderBody struct {
	PlanName string     `json:"planName"`
	Amount   flexString `json:"amount"`
	UserID   flexString `json:"userId"`
}

type verifyBody struct {
	PaymentID string `json:"paymentId"`
	TrackID   string `json:"trackId"`
}

func (h *Handler) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body createOrderBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := strconv.ParseFloat(string(body.Amount), 64)
	if body.PlanName == "" || err != nil {
		writeError(w, http.StatusBadRequest, "Plan name and amount are required")
		return
	}

	// Premium is granted to the order's user, so only a session user may own it.
	id := auth.GetIdentity(ctx)
	if claimed := string(body.UserID); claimed != "" && claimed != id.UserID {
		h.logger.Debug().Str("claimed_user_id", claimed).Msg("ignoring unverified userId on order")
	}

	res, err := h.payments.CreateOrder(ctx, payment.CreateOrderInput{
		PlanName: body.PlanName,
		Amount:   amount,
		UserID:   id.UserID,
		IP:       id.IP,
	})
	if err != nil {
		var gwErr *payment.GatewayError
		switch {
		case errors.Is(err, payment.ErrInvalidOrder):
			writeError(w, http.StatusBadRequest, "Plan name and amount are required")
		case errors.As(err, &gwErr):
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"success":          false,
				"message":          "Payment token generation failed",
				"errorCode":        gwErr.Code,
				"errorDescription": gwErr.Description,
			})
		default:
			h.logger.Error().Err(err).Msg("create order failed")
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"paymentId":  res.PaymentID,
		"paymentUrl": res.PaymentURL,
		"trackId":    res.TrackID,
	})
}

func (h *Handler) HandleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.payments.Verify(r.Context(), body.PaymentID, body.TrackID)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrInvalidVerify):
			writeError(w, http.StatusBadRequest, "Missing paymentId or trackId")
		case errors.Is(err, payment.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, payment.ErrPaymentMismatch):
			writeError(w, http.StatusBadRequest, "Payment does not match order")
		case errors.Is(err, payment.ErrVerificationFailed):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error().Err(err).Str("track_id", body.TrackID).Msg("payment verification failed")
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"success": false,
				"message": "Failed to verify payment",
				"error":   err.Error(),
			})
		}
		return
	}

	resp := map[string]interface{}{
		"success":           res.Success,
		"transactionStatus": res.TransactionStatus,
		"message":           res.Message,
	}
	if res.Success && res.Order != nil {
		resp["order"] = map[string]interface{}{
			"trackId":  res.Order.TrackID,
			"planName": res.Order.PlanName,
			"amount":   res.Order.Amount,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
