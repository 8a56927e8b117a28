// Package escrow is the payment state machine: fund custody from order
// creation through verification into escrow, and release to the seller by
// buyer confirmation, admin action, or auto-release timeout. Payment events
// drive the contract's executed and completed transitions; nothing else does.
package escrow

import (
	"context"
	"time"

	"wasteex/internal/contract"
	"wasteex/pkg/apperr"
	"wasteex/pkg/config"
	"wasteex/pkg/gateway"
	"wasteex/pkg/shipment"

	"github.com/google/uuid"
)

const (
	StatusPending  = "pending"
	StatusHeld     = "held_in_escrow"
	StatusReleased = "released_to_seller"
	StatusRefunded = "refunded"
	StatusFailed   = "failed"
)

type Payment struct {
	PaymentID         string     `json:"payment_id"`
	ContractID        string     `json:"contract_id"`
	BuyerID           string     `json:"buyer_id"`
	SellerID          string     `json:"seller_id"`
	TotalAmount       int64      `json:"total_amount"`
	SellerAmount      int64      `json:"seller_amount"`
	PlatformFee       int64      `json:"platform_fee"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	GatewayOrderID    string     `json:"gateway_order_id"`
	GatewayPaymentID  string     `json:"gateway_payment_id,omitempty"`
	HeldAt            *time.Time `json:"held_at,omitempty"`
	AutoReleaseDate   *time.Time `json:"auto_release_date,omitempty"`
	DeliveryConfirmed bool       `json:"delivery_confirmed"`
	QualityApproved   bool       `json:"quality_approved"`
	ReleasedAt        *time.Time `json:"released_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

type Store interface {
	CreatePayment(ctx context.Context, p Payment) (inserted bool, err error)
	Get(ctx context.Context, id string) (Payment, error)
	MarkFailed(ctx context.Context, id, gatewayPaymentID string) (bool, error)
	MarkHeld(ctx context.Context, id, gatewayPaymentID string, heldAt, autoRelease time.Time) (bool, error)
	SetConditions(ctx context.Context, id string, deliveryConfirmed, qualityApproved bool) error
	MarkReleased(ctx context.Context, id string, at time.Time) (bool, error)
	MarkRefunded(ctx context.Context, id string, at time.Time) (bool, error)
	AddTimeline(ctx context.Context, paymentID, status, note, actorID string) error
	DueForRelease(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type Contracts interface {
	Get(ctx context.Context, id string) (contract.Contract, error)
	MarkExecuted(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
}

type Machine struct {
	store     Store
	contracts Contracts
	gw        gateway.Client
	ship      shipment.Client
	feeTiers  []config.FeeTier
	window    time.Duration
	now       func() time.Time
}

func NewMachine(store Store, contracts Contracts, gw gateway.Client, ship shipment.Client, feeTiers []config.FeeTier, window time.Duration) *Machine {
	return &Machine{store: store, contracts: contracts, gw: gw, ship: ship, feeTiers: feeTiers, window: window, now: time.Now}
}

// CreateOrder opens a gateway order and persists the payment with its split
// frozen. At most one payment ever exists per contract; the insert's unique
// guard rejects the loser of a racing duplicate.
func (m *Machine) CreateOrder(ctx context.Context, actorID, contractID string) (Payment, error) {
	c, err := m.contracts.Get(ctx, contractID)
	if err != nil {
		return Payment{}, err
	}
	if actorID != c.BuyerID {
		return Payment{}, apperr.New(apperr.Authorization, "only the contract buyer may create the payment order")
	}
	if c.Status != contract.StatusSigned {
		return Payment{}, apperr.New(apperr.State, "contract %s must be signed before payment, is %s", contractID, c.Status)
	}

	sellerAmount, fee := Split(c.Terms.TotalValue, m.feeTiers)

	orderID, err := m.gw.CreateOrder(ctx, c.Terms.TotalValue, "INR", c.ContractNumber)
	if err != nil {
		return Payment{}, apperr.Wrap(apperr.ExternalService, err, "gateway order creation failed for %s", contractID)
	}

	p := Payment{
		PaymentID:      "pay_" + uuid.NewString(),
		ContractID:     contractID,
		BuyerID:        c.BuyerID,
		SellerID:       c.SellerID,
		TotalAmount:    c.Terms.TotalValue,
		SellerAmount:   sellerAmount,
		PlatformFee:    fee,
		Currency:       "INR",
		Status:         StatusPending,
		GatewayOrderID: orderID,
		CreatedAt:      m.now().UTC(),
	}
	inserted, err := m.store.CreatePayment(ctx, p)
	if err != nil {
		return Payment{}, err
	}
	if !inserted {
		return Payment{}, apperr.New(apperr.Conflict, "contract %s already has a payment", contractID)
	}
	_ = m.store.AddTimeline(ctx, p.PaymentID, StatusPending, "escrow order created", actorID)
	return p, nil
}

// Verify authenticates a gateway payment confirmation. A bad signature marks
// the payment failed and leaves the contract untouched; the buyer starts
// over with a fresh order. A good signature moves funds into escrow and is
// the only path by which the contract becomes executed.
func (m *Machine) Verify(ctx context.Context, paymentID, gatewayPaymentID, signature string) (Payment, error) {
	p, err := m.get(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status != StatusPending {
		return Payment{}, apperr.New(apperr.State, "payment %s is %s, expected pending", paymentID, p.Status)
	}

	if !m.gw.VerifySignature(p.GatewayOrderID, gatewayPaymentID, signature) {
		if _, err := m.store.MarkFailed(ctx, paymentID, gatewayPaymentID); err != nil {
			return Payment{}, err
		}
		_ = m.store.AddTimeline(ctx, paymentID, StatusFailed, "gateway signature mismatch", "")
		return Payment{}, apperr.New(apperr.Validation, "payment signature verification failed for %s", paymentID)
	}

	heldAt := m.now().UTC()
	autoRelease := heldAt.Add(m.window)
	moved, err := m.store.MarkHeld(ctx, paymentID, gatewayPaymentID, heldAt, autoRelease)
	if err != nil {
		return Payment{}, err
	}
	if !moved {
		return Payment{}, apperr.New(apperr.Conflict, "payment %s changed state concurrently", paymentID)
	}
	_ = m.store.AddTimeline(ctx, paymentID, StatusHeld, "funds held in escrow", "")

	if err := m.contracts.MarkExecuted(ctx, p.ContractID); err != nil {
		return Payment{}, err
	}
	return m.get(ctx, paymentID)
}

// ConfirmDelivery records the buyer's release conditions. Shipment evidence
// overrides absence of manual confirmation: a delivered shipment forces
// deliveryConfirmed true. qualityApproved is always recorded as supplied.
func (m *Machine) ConfirmDelivery(ctx context.Context, actorID, paymentID string, deliveryConfirmed, qualityApproved bool) (Payment, error) {
	p, err := m.get(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if actorID != p.BuyerID {
		return Payment{}, apperr.New(apperr.Authorization, "only the buyer may confirm delivery")
	}
	if p.Status != StatusHeld {
		return Payment{}, apperr.New(apperr.State, "payment %s is %s, expected held_in_escrow", paymentID, p.Status)
	}

	sh, err := m.ship.Lookup(ctx, p.ContractID)
	switch {
	case err == shipment.ErrNotFound:
		// No shipment on record; manual confirmation stands on its own.
	case err != nil:
		return Payment{}, apperr.Wrap(apperr.ExternalService, err, "shipment lookup failed for %s", p.ContractID)
	case sh.Status == shipment.StatusDelivered:
		deliveryConfirmed = true
	}

	if err := m.store.SetConditions(ctx, paymentID, deliveryConfirmed, qualityApproved); err != nil {
		return Payment{}, err
	}
	_ = m.store.AddTimeline(ctx, paymentID, StatusHeld, "delivery conditions updated", actorID)

	if deliveryConfirmed && qualityApproved {
		return m.release(ctx, actorID, paymentID, "release conditions met")
	}
	return m.get(ctx, paymentID)
}

// Release pays the seller out of escrow. Callable by an admin, or by anyone
// once the auto-release date has passed or both release conditions hold.
// Idempotent in effect: a released payment is rejected explicitly, never
// paid twice.
func (m *Machine) Release(ctx context.Context, actorID string, isAdmin bool, paymentID string) (Payment, error) {
	p, err := m.get(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status == StatusReleased {
		return Payment{}, apperr.New(apperr.State, "payment %s is already released", paymentID)
	}
	if p.Status != StatusHeld {
		return Payment{}, apperr.New(apperr.State, "payment %s is %s, expected held_in_escrow", paymentID, p.Status)
	}
	conditionsMet := p.DeliveryConfirmed && p.QualityApproved
	timedOut := p.AutoReleaseDate != nil && m.now().After(*p.AutoReleaseDate)
	if !isAdmin && !conditionsMet && !timedOut {
		return Payment{}, apperr.New(apperr.Authorization, "release requires an admin, met conditions, or an elapsed auto-release date")
	}
	reason := "released by admin"
	if conditionsMet {
		reason = "release conditions met"
	} else if timedOut {
		reason = "auto-release window elapsed"
	}
	return m.release(ctx, actorID, paymentID, reason)
}

func (m *Machine) release(ctx context.Context, actorID, paymentID, note string) (Payment, error) {
	moved, err := m.store.MarkReleased(ctx, paymentID, m.now().UTC())
	if err != nil {
		return Payment{}, err
	}
	if !moved {
		// Raced with another release; exactly one transfer happened.
		return Payment{}, apperr.New(apperr.State, "payment %s is already released", paymentID)
	}
	_ = m.store.AddTimeline(ctx, paymentID, StatusReleased, note, actorID)

	p, err := m.get(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if err := m.contracts.MarkCompleted(ctx, p.ContractID); err != nil {
		return Payment{}, err
	}
	return p, nil
}

// Refund returns escrowed funds to the buyer; admin-only, for disputes.
func (m *Machine) Refund(ctx context.Context, actorID string, isAdmin bool, paymentID, note string) (Payment, error) {
	if !isAdmin {
		return Payment{}, apperr.New(apperr.Authorization, "only an admin may refund")
	}
	p, err := m.get(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status != StatusHeld {
		return Payment{}, apperr.New(apperr.State, "payment %s is %s, expected held_in_escrow", paymentID, p.Status)
	}
	moved, err := m.store.MarkRefunded(ctx, paymentID, m.now().UTC())
	if err != nil {
		return Payment{}, err
	}
	if !moved {
		return Payment{}, apperr.New(apperr.Conflict, "payment %s changed state concurrently", paymentID)
	}
	_ = m.store.AddTimeline(ctx, paymentID, StatusRefunded, note, actorID)
	return m.get(ctx, paymentID)
}

func (m *Machine) Get(ctx context.Context, paymentID string) (Payment, error) {
	return m.get(ctx, paymentID)
}

// SweepDue releases every escrowed payment whose auto-release date has
// passed. Returns the number released; individual failures are collected by
// the sweeper, not fatal to the batch.
func (m *Machine) SweepDue(ctx context.Context) (released int, errs []error) {
	ids, err := m.store.DueForRelease(ctx, m.now().UTC(), 100)
	if err != nil {
		return 0, []error{err}
	}
	for _, id := range ids {
		if _, err := m.release(ctx, "", id, "auto-release window elapsed"); err != nil {
			// Already-released races are expected under concurrent sweeps.
			if apperr.IsKind(err, apperr.State) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		released++
	}
	return released, errs
}

func (m *Machine) get(ctx context.Context, paymentID string) (Payment, error) {
	p, err := m.store.Get(ctx, paymentID)
	if err != nil {
		if err == ErrNotFound {
			return Payment{}, apperr.New(apperr.NotFound, "payment %s not found", paymentID)
		}
		return Payment{}, err
	}
	return p, nil
}
