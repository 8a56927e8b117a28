package escrow

import (
	"context"
	"strings"
	"testing"
	"time"

	"wasteex/internal/contract"
	"wasteex/pkg/apperr"
	"wasteex/pkg/gateway"
	"wasteex/pkg/shipment"
)

type timelineEntry struct {
	paymentID, status, note string
}

type fakeStore struct {
	payments   map[string]*Payment
	byContract map[string]string
	timeline   []timelineEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{payments: map[string]*Payment{}, byContract: map[string]string{}}
}

func (f *fakeStore) CreatePayment(ctx context.Context, p Payment) (bool, error) {
	if id, dup := f.byContract[p.ContractID]; dup && f.payments[id].Status != StatusFailed {
		return false, nil
	}
	cp := p
	f.payments[p.PaymentID] = &cp
	f.byContract[p.ContractID] = p.PaymentID
	return true, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return *p, nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id, gatewayPaymentID string) (bool, error) {
	p := f.payments[id]
	if p == nil || p.Status != StatusPending {
		return false, nil
	}
	p.Status = StatusFailed
	p.GatewayPaymentID = gatewayPaymentID
	return true, nil
}

func (f *fakeStore) MarkHeld(ctx context.Context, id, gatewayPaymentID string, heldAt, autoRelease time.Time) (bool, error) {
	p := f.payments[id]
	if p == nil || p.Status != StatusPending {
		return false, nil
	}
	p.Status = StatusHeld
	p.GatewayPaymentID = gatewayPaymentID
	p.HeldAt = &heldAt
	p.AutoReleaseDate = &autoRelease
	return true, nil
}

func (f *fakeStore) SetConditions(ctx context.Context, id string, delivered, quality bool) error {
	p := f.payments[id]
	if p != nil && p.Status == StatusHeld {
		p.DeliveryConfirmed = delivered
		p.QualityApproved = quality
	}
	return nil
}

func (f *fakeStore) MarkReleased(ctx context.Context, id string, at time.Time) (bool, error) {
	p := f.payments[id]
	if p == nil || p.Status != StatusHeld {
		return false, nil
	}
	p.Status = StatusReleased
	p.ReleasedAt = &at
	return true, nil
}

func (f *fakeStore) MarkRefunded(ctx context.Context, id string, at time.Time) (bool, error) {
	p := f.payments[id]
	if p == nil || p.Status != StatusHeld {
		return false, nil
	}
	p.Status = StatusRefunded
	p.ReleasedAt = &at
	return true, nil
}

func (f *fakeStore) AddTimeline(ctx context.Context, paymentID, status, note, actorID string) error {
	f.timeline = append(f.timeline, timelineEntry{paymentID, status, note})
	return nil
}

func (f *fakeStore) DueForRelease(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var out []string
	for id, p := range f.payments {
		if p.Status == StatusHeld && p.AutoReleaseDate != nil && p.AutoReleaseDate.Before(now) {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeContracts struct {
	contracts map[string]*contract.Contract
	executed  int
	completed int
}

func (f *fakeContracts) Get(ctx context.Context, id string) (contract.Contract, error) {
	c, ok := f.contracts[id]
	if !ok {
		return contract.Contract{}, apperr.New(apperr.NotFound, "contract %s not found", id)
	}
	return *c, nil
}

func (f *fakeContracts) MarkExecuted(ctx context.Context, id string) error {
	c := f.contracts[id]
	if c == nil || c.Status != contract.StatusSigned {
		return apperr.New(apperr.State, "contract is not signed")
	}
	c.Status = contract.StatusExecuted
	f.executed++
	return nil
}

func (f *fakeContracts) MarkCompleted(ctx context.Context, id string) error {
	c := f.contracts[id]
	if c == nil || c.Status != contract.StatusExecuted {
		return apperr.New(apperr.State, "contract is not executed")
	}
	c.Status = contract.StatusCompleted
	f.completed++
	return nil
}

type fakeGateway struct {
	secret string
	orders int
	fail   bool
}

func (f *fakeGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (string, error) {
	if f.fail {
		return "", context.DeadlineExceeded
	}
	f.orders++
	return "order_1", nil
}

func (f *fakeGateway) VerifySignature(orderID, paymentID, signature string) bool {
	return gateway.Verify(f.secret, orderID, paymentID, signature)
}

type fakeShipment struct {
	sh  shipment.Shipment
	err error
}

func (f *fakeShipment) Lookup(ctx context.Context, contractID string) (shipment.Shipment, error) {
	return f.sh, f.err
}

func signedContract() *contract.Contract {
	return &contract.Contract{
		ContractID:     "ctr_1",
		ContractNumber: "C-2026-ECO-GRE-1001",
		SellerID:       "pty_seller",
		BuyerID:        "pty_buyer",
		Status:         contract.StatusSigned,
		Terms:          contract.Terms{Material: "Plastic Waste", QuantityKg: 1000, Price: 45, TotalValue: 45_000},
	}
}

func newTestMachine(t *testing.T) (*Machine, *fakeStore, *fakeContracts, *fakeGateway) {
	t.Helper()
	st := newFakeStore()
	fc := &fakeContracts{contracts: map[string]*contract.Contract{"ctr_1": signedContract()}}
	gw := &fakeGateway{secret: "secret"}
	sh := &fakeShipment{err: shipment.ErrNotFound}
	m := NewMachine(st, fc, gw, sh, tiers, 7*24*time.Hour)
	return m, st, fc, gw
}

func TestCreateOrder(t *testing.T) {
	m, st, _, gw := newTestMachine(t)
	ctx := context.Background()

	p, err := m.CreateOrder(ctx, "pty_buyer", "ctr_1")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if p.Status != StatusPending || p.GatewayOrderID != "order_1" {
		t.Fatalf("unexpected payment %+v", p)
	}
	if p.SellerAmount+p.PlatformFee != p.TotalAmount {
		t.Fatalf("split does not sum: %+v", p)
	}
	if p.PlatformFee != 45_000*250/10_000 {
		t.Fatalf("expected 2.5%% fee, got %d", p.PlatformFee)
	}
	if gw.orders != 1 {
		t.Fatalf("expected one gateway order, got %d", gw.orders)
	}
	if len(st.timeline) != 1 || st.timeline[0].status != StatusPending {
		t.Fatalf("expected pending timeline entry, got %+v", st.timeline)
	}
}

func TestCreateOrderDuplicateConflict(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()
	if _, err := m.CreateOrder(ctx, "pty_buyer", "ctr_1"); err != nil {
		t.Fatalf("first order: %v", err)
	}
	_, err := m.CreateOrder(ctx, "pty_buyer", "ctr_1")
	if !apperr.IsKind(err, apperr.Conflict) {
		t.Fatalf("expected Conflict for duplicate payment, got %v", err)
	}
}

func TestCreateOrderAuthorizationAndState(t *testing.T) {
	m, _, fc, _ := newTestMachine(t)
	ctx := context.Background()

	if _, err := m.CreateOrder(ctx, "pty_seller", "ctr_1"); !apperr.IsKind(err, apperr.Authorization) {
		t.Fatalf("expected Authorization for non-buyer, got %v", err)
	}
	fc.contracts["ctr_1"].Status = contract.StatusPending
	if _, err := m.CreateOrder(ctx, "pty_buyer", "ctr_1"); !apperr.IsKind(err, apperr.State) {
		t.Fatalf("expected State for unsigned contract, got %v", err)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	m, st, fc, _ := newTestMachine(t)
	ctx := context.Background()
	p, _ := m.CreateOrder(ctx, "pty_buyer", "ctr_1")

	_, err := m.Verify(ctx, p.PaymentID, "gpay_1", "deadbeef")
	if !apperr.IsKind(err, apperr.Validation) {
		t.Fatalf("expected Validation on signature mismatch, got %v", err)
	}
	got, _ := st.Get(ctx, p.PaymentID)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	var failedEntries int
	for _, e := range st.timeline {
		if e.status == StatusFailed {
			failedEntries++
		}
	}
	if failedEntries != 1 {
		t.Fatalf("expected one failed timeline entry, got %d", failedEntries)
	}
	if fc.executed != 0 {
		t.Fatalf("contract must stay untouched on failed verification")
	}
}

func TestCreateOrderRetryAfterFailedVerify(t *testing.T) {
	m, _, fc, _ := newTestMachine(t)
	ctx := context.Background()

	first, err := m.CreateOrder(ctx, "pty_buyer", "ctr_1")
	if err != nil {
		t.Fatalf("first order: %v", err)
	}
	if _, err := m.Verify(ctx, first.PaymentID, "gpay_1", "deadbeef"); !apperr.IsKind(err, apperr.Validation) {
		t.Fatalf("expected Validation on signature mismatch, got %v", err)
	}

	// A failed payment does not hold the contract's payment slot.
	second, err := m.CreateOrder(ctx, "pty_buyer", "ctr_1")
	if err != nil {
		t.Fatalf("order after failed verify: %v", err)
	}
	if second.PaymentID == first.PaymentID {
		t.Fatalf("retry must create a fresh payment")
	}

	// The live pending payment still blocks a duplicate.
	if _, err := m.CreateOrder(ctx, "pty_buyer", "ctr_1"); !apperr.IsKind(err, apperr.Conflict) {
		t.Fatalf("expected Conflict while a live payment exists, got %v", err)
	}

	sig := gateway.Sign("secret", second.GatewayOrderID, "gpay_2")
	got, err := m.Verify(ctx, second.PaymentID, "gpay_2", sig)
	if err != nil {
		t.Fatalf("verify retry payment: %v", err)
	}
	if got.Status != StatusHeld {
		t.Fatalf("expected held_in_escrow, got %s", got.Status)
	}
	if fc.executed != 1 {
		t.Fatalf("contract must execute via the retry payment, executed=%d", fc.executed)
	}
}

func TestVerifyHoldsEscrowAndExecutesContract(t *testing.T) {
	m, _, fc, _ := newTestMachine(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	p, _ := m.CreateOrder(ctx, "pty_buyer", "ctr_1")
	sig := gateway.Sign("secret", p.GatewayOrderID, "gpay_1")
	got, err := m.Verify(ctx, p.PaymentID, "gpay_1", sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Status != StatusHeld {
		t.Fatalf("expected held_in_escrow, got %s", got.Status)
	}
	if got.HeldAt == nil || !got.HeldAt.Equal(now) {
		t.Fatalf("heldAt not set to now: %+v", got.HeldAt)
	}
	if got.AutoReleaseDate == nil || !got.AutoReleaseDate.Equal(now.Add(7*24*time.Hour)) {
		t.Fatalf("autoReleaseDate must be heldAt + 7 days, got %+v", got.AutoReleaseDate)
	}
	if fc.executed != 1 {
		t.Fatalf("verification must execute the contract exactly once")
	}

	// Replay is a state error, not a second execution.
	if _, err := m.Verify(ctx, p.PaymentID, "gpay_1", sig); !apperr.IsKind(err, apperr.State) {
		t.Fatalf("expected State on replayed verify, got %v", err)
	}
	if fc.executed != 1 {
		t.Fatalf("replay must not re-execute the contract")
	}
}

func heldPayment(t *testing.T, m *Machine, now time.Time) Payment {
	t.Helper()
	ctx := context.Background()
	m.now = func() time.Time { return now }
	p, err := m.CreateOrder(ctx, "pty_buyer", "ctr_1")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	sig := gateway.Sign("secret", p.GatewayOrderID, "gpay_1")
	p, err = m.Verify(ctx, p.PaymentID, "gpay_1", sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	return p
}

func TestConfirmDeliveryShipmentOverride(t *testing.T) {
	m, _, fc, _ := newTestMachine(t)
	m.ship = &fakeShipment{sh: shipment.Shipment{Status: shipment.StatusDelivered}}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p := heldPayment(t, m, now)
	ctx := context.Background()

	// Buyer passes delivery_confirmed=false but the shipment says delivered.
	got, err := m.ConfirmDelivery(ctx, "pty_buyer", p.PaymentID, false, true)
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if got.Status != StatusReleased {
		t.Fatalf("both conditions met, expected release, got %s", got.Status)
	}
	if !got.DeliveryConfirmed || !got.QualityApproved {
		t.Fatalf("conditions not recorded: %+v", got)
	}
	if fc.completed != 1 {
		t.Fatalf("release must complete the contract")
	}
}

func TestConfirmDeliveryQualityWithheld(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p := heldPayment(t, m, now)
	ctx := context.Background()

	got, err := m.ConfirmDelivery(ctx, "pty_buyer", p.PaymentID, true, false)
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if got.Status != StatusHeld {
		t.Fatalf("quality not approved, funds must stay in escrow, got %s", got.Status)
	}
	if got.QualityApproved {
		t.Fatalf("qualityApproved must be recorded as supplied")
	}

	if _, err := m.ConfirmDelivery(ctx, "pty_seller", p.PaymentID, true, true); !apperr.IsKind(err, apperr.Authorization) {
		t.Fatalf("expected Authorization for non-buyer, got %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	m, st, _, _ := newTestMachine(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p := heldPayment(t, m, now)
	ctx := context.Background()

	got, err := m.Release(ctx, "pty_admin", true, p.PaymentID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got.Status != StatusReleased || got.ReleasedAt == nil {
		t.Fatalf("unexpected payment after release: %+v", got)
	}

	_, err = m.Release(ctx, "pty_admin", true, p.PaymentID)
	if !apperr.IsKind(err, apperr.State) || !strings.Contains(err.Error(), "already released") {
		t.Fatalf("expected explicit already-released error, got %v", err)
	}
	var releases int
	for _, e := range st.timeline {
		if e.status == StatusReleased {
			releases++
		}
	}
	if releases != 1 {
		t.Fatalf("expected exactly one release transfer, got %d", releases)
	}
}

func TestReleaseTimeoutBoundary(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	held := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p := heldPayment(t, m, held)
	ctx := context.Background()
	due := held.Add(7 * 24 * time.Hour)

	// Exactly at the auto-release date: not yet.
	m.now = func() time.Time { return due }
	if _, err := m.Release(ctx, "pty_buyer", false, p.PaymentID); !apperr.IsKind(err, apperr.Authorization) {
		t.Fatalf("expected Authorization at the boundary, got %v", err)
	}

	m.now = func() time.Time { return due.Add(time.Second) }
	if _, err := m.Release(ctx, "pty_buyer", false, p.PaymentID); err != nil {
		t.Fatalf("release after the window: %v", err)
	}
}

func TestSweepDueReleasesTimedOutPayments(t *testing.T) {
	m, _, fc, _ := newTestMachine(t)
	held := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p := heldPayment(t, m, held)
	ctx := context.Background()

	m.now = func() time.Time { return held.Add(6 * 24 * time.Hour) }
	released, errs := m.SweepDue(ctx)
	if released != 0 || len(errs) != 0 {
		t.Fatalf("nothing should be due yet: %d %v", released, errs)
	}

	m.now = func() time.Time { return held.Add(8 * 24 * time.Hour) }
	released, errs = m.SweepDue(ctx)
	if len(errs) != 0 {
		t.Fatalf("sweep errors: %v", errs)
	}
	if released != 1 {
		t.Fatalf("expected one release, got %d", released)
	}
	got, _ := m.Get(ctx, p.PaymentID)
	if got.Status != StatusReleased {
		t.Fatalf("expected released after sweep, got %s", got.Status)
	}
	if fc.completed != 1 {
		t.Fatalf("sweep release must complete the contract")
	}
}

func TestRefundAdminOnly(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p := heldPayment(t, m, now)
	ctx := context.Background()

	if _, err := m.Refund(ctx, "pty_buyer", false, p.PaymentID, "dispute"); !apperr.IsKind(err, apperr.Authorization) {
		t.Fatalf("expected Authorization for non-admin refund, got %v", err)
	}
	got, err := m.Refund(ctx, "pty_admin", true, p.PaymentID, "dispute")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", got.Status)
	}
}
