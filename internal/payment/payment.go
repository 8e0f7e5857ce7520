// Package payment runs the premium checkout: an order is created against the
// bank gateway, verified once, and an approved order grants premium.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/tool-gateway/internal/auth"
	"github.com/vnmchuo/tool-gateway/internal/policy"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidOrder       = errors.New("plan name and amount are required")
	ErrInvalidVerify      = errors.New("missing paymentId or trackId")
	ErrPaymentMismatch    = errors.New("payment id does not belong to order")
	ErrVerificationFailed = errors.New("transaction verification failed")
	ErrAlreadySettled     = errors.New("order already settled")
)

const (
	StatusPending  = "pending"
	StatusApproved = "APPROVED"
	StatusCaptured = "CAPTURED"

	// SAR
	currencyCode = "682"
)

type Order struct {
	TrackID     string          `json:"trackId"`
	PaymentID   string          `json:"paymentId"`
	PlanName    string          `json:"planName"`
	Amount      float64         `json:"amount"`
	UserID      string          `json:"userId,omitempty"`
	IP          string          `json:"ip"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	VerifiedAt  *time.Time      `json:"verifiedAt,omitempty"`
	Transaction json.RawMessage `json:"transactionDetails,omitempty"`
}

func (o *Order) Approved() bool {
	return o.Status == StatusApproved || o.Status == StatusCaptured
}

type OrderStore interface {
	Save(ctx context.Context, o *Order) error
	Get(ctx context.Context, trackID string) (*Order, error)
	Update(ctx context.Context, o *Order) error
}

type TokenRequest struct {
	Amount       float64 `json:"amount"`
	TrackID      string  `json:"trackId"`
	CurrencyCode string  `json:"currencyCode"`
	ResponseURL  string  `json:"responseURL"`
	ErrorURL     string  `json:"errorURL"`
	PlanName     string  `json:"udf1"`
}

type TokenResult struct {
	Success          bool
	PaymentID        string
	PaymentURL       string
	ErrorCode        string
	ErrorDescription string
}

type Verification struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`
	Message string `json:"message,omitempty"`
}

// Gateway is the bank's hosted checkout.
type Gateway interface {
	GenerateToken(ctx context.Context, req TokenRequest) (*TokenResult, error)
	VerifyTransaction(ctx context.Context, paymentID, trackID string) (*Verification, error)
}

// GatewayError is a refused token request.
type GatewayError struct {
	Code        string
	Description string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment token generation failed: %s %s", e.Code, e.Description)
}

// Granter records the entitlement bought by an approved order.
type Granter interface {
	Grant(ctx context.Context, e *auth.Entitlement) error
}

type Service struct {
	gateway       Gateway
	orders        OrderStore
	granter       Granter
	baseURL       string
	premiumPeriod time.Duration
	logger        zerolog.Logger
	now           func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(gateway Gateway, orders OrderStore, granter Granter, baseURL string, premiumPeriod time.Duration, opts ...Option) *Service {
	s := &Service{
		gateway:       gateway,
		orders:        orders,
		granter:       granter,
		baseURL:       strings.TrimRight(baseURL, "/"),
		premiumPeriod: premiumPeriod,
		logger:        zerolog.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateOrderInput struct {
	PlanName string
	Amount   float64
	UserID   string
	IP       string
}

type CreateOrderResult struct {
	PaymentID  string `json:"paymentId"`
	PaymentURL string `json:"paymentUrl"`
	TrackID    string `json:"trackId"`
}

func NewTrackID() string {
	return "track_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:20]
}

func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	if in.PlanName == "" || in.Amount <= 0 {
		return nil, ErrInvalidOrder
	}

	trackID := NewTrackID()
	token, err := s.gateway.GenerateToken(ctx, TokenRequest{
		Amount:       in.Amount,
		TrackID:      trackID,
		CurrencyCode: currencyCode,
		ResponseURL:  s.baseURL + "/payment/response",
		ErrorURL:     s.baseURL + "/payment/error",
		PlanName:     in.PlanName,
	})
	if err != nil {
		return nil, fmt.Errorf("generate payment token: %w", err)
	}
	if !token.Success {
		return nil, &GatewayError{Code: token.ErrorCode, Description: token.ErrorDescription}
	}

	order := &Order{
		TrackID:   trackID,
		PaymentID: token.PaymentID,
		PlanName:  in.PlanName,
		Amount:    in.Amount,
		UserID:    in.UserID,
		IP:        in.IP,
		Status:    StatusPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.orders.Save(ctx, order); err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}

	s.logger.Info().Str("track_id", trackID).Str("plan", in.PlanName).Msg("order created")
	return &CreateOrderResult{PaymentID: token.PaymentID, PaymentURL: token.PaymentURL, TrackID: trackID}, nil
}

type VerifyResult struct {
	Success           bool   `json:"success"`
	TransactionStatus string `json:"transactionStatus"`
	Message           string `json:"message"`
	Order             *Order `json:"-"`
}

// Verify settles a pending order exactly once. Verifying an order that was
// already settled reports the stored outcome without calling the gateway.
func (s *Service) Verify(ctx context.Context, paymentID, trackID string) (*VerifyResult, error) {
	if paymentID == "" || trackID == "" {
		return nil, ErrInvalidVerify
	}

	order, err := s.orders.Get(ctx, trackID)
	if err != nil {
		return nil, err
	}
	if order.PaymentID != paymentID {
		return nil, ErrPaymentMismatch
	}
	if order.Status != StatusPending {
		return s.result(order, ""), nil
	}

	v, err := s.gateway.VerifyTransaction(ctx, paymentID, trackID)
	if err != nil {
		return nil, fmt.Errorf("verify transaction: %w", err)
	}
	if !v.Success {
		msg := v.Message
		if msg == "" {
			msg = ErrVerificationFailed.Error()
		}
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, msg)
	}

	status := strings.ToUpper(v.Result)
	if status == "" {
		status = "UNKNOWN"
	}
	details, _ := json.Marshal(v)
	verifiedAt := s.now().UTC()
	order.Status = status
	order.VerifiedAt = &verifiedAt
	order.Transaction = details
	if err := s.orders.Update(ctx, order); err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			// lost a race with a concurrent verification
			settled, gerr := s.orders.Get(ctx, trackID)
			if gerr != nil {
				return nil, gerr
			}
			return s.result(settled, ""), nil
		}
		return nil, fmt.Errorf("update order: %w", err)
	}

	if order.Approved() {
		s.grant(ctx, order)
	}
	return s.result(order, v.Message), nil
}

func (s *Service) result(order *Order, gatewayMsg string) *VerifyResult {
	if order.Approved() {
		return &VerifyResult{
			Success:           true,
			TransactionStatus: StatusApproved,
			Message:           "Payment verified successfully",
			Order:             order,
		}
	}
	msg := gatewayMsg
	if msg == "" {
		msg = "Payment was not approved"
	}
	return &VerifyResult{TransactionStatus: order.Status, Message: msg, Order: order}
}

// grant failures are logged: the order is settled and can be reconciled later.
func (s *Service) grant(ctx context.Context, order *Order) {
	if s.granter == nil || order.UserID == "" {
		return
	}
	expires := s.now().UTC().Add(s.premiumPeriod)
	err := s.granter.Grant(ctx, &auth.Entitlement{
		Subject:   auth.UserSubject(order.UserID),
		Plan:      policy.PlanPremium,
		ExpiresAt: &expires,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("track_id", order.TrackID).Msg("failed to grant premium")
		return
	}
	s.logger.Info().Str("track_id", order.TrackID).Str("user_id", order.UserID).Time("expires_at", expires).Msg("premium granted")
}

// StubGateway approves everything. It stands in for the bank in development.
type StubGateway struct {
	PaymentURL string
}

func (g StubGateway) GenerateToken(_ context.Context, req TokenRequest) (*TokenResult, error) {
	url := g.PaymentURL
	if url == "" {
		url = "https://example.com/pay"
	}
	return &TokenResult{
		Success:    true,
		PaymentID:  "pay_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:20],
		PaymentURL: url,
	}, nil
}

func (g StubGateway) VerifyTransaction(_ context.Context, paymentID, trackID string) (*Verification, error) {
	return &Verification{Success: true, Result: StatusApproved}, nil
}
