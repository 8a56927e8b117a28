package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wasteex/internal/negotiation"
	"wasteex/internal/party"
	"wasteex/pkg/apperr"
	"wasteex/pkg/ledger"

	"github.com/google/uuid"
)

type Store interface {
	NextSequence(ctx context.Context, year int, sellerCode, buyerCode string) (int, error)
	Create(ctx context.Context, c Contract) error
	Get(ctx context.Context, id string) (Contract, error)
	SetDeployed(ctx context.Context, id, address, txHash string) error
	MarkDeploymentFailed(ctx context.Context, id string) error
	RecordSignature(ctx context.Context, id, role string, sig Signature) (bool, error)
	UpdateStatus(ctx context.Context, id, from, to string) (bool, error)
	AddEvent(ctx context.Context, contractID, typ, actorID string, payload map[string]any) error
	ListEvents(ctx context.Context, contractID string) ([]map[string]any, error)
}

type Negotiations interface {
	Get(ctx context.Context, id string) (negotiation.Negotiation, error)
}

type Parties interface {
	Get(ctx context.Context, id string) (party.Party, error)
}

type Manager struct {
	store  Store
	negs   Negotiations
	people Parties
	chain  ledger.Client
	now    func() time.Time
}

func NewManager(store Store, negs Negotiations, people Parties, chain ledger.Client) *Manager {
	return &Manager{store: store, negs: negs, people: people, chain: chain, now: time.Now}
}

func validateTerms(t Terms) error {
	if t.Material == "" {
		return apperr.New(apperr.Validation, "terms.material is required")
	}
	if t.QuantityKg <= 0 {
		return apperr.New(apperr.Validation, "terms.quantity_kg must be positive")
	}
	if t.Price <= 0 || t.TotalValue <= 0 {
		return apperr.New(apperr.Validation, "terms.price and terms.total_value must be positive")
	}
	return nil
}

// Create builds a contract from a completed negotiation and deploys its
// ledger counterpart. The local record is persisted first with an explicit
// pending deployment sub-state so a deploy failure never yields a contract
// that silently passes for valid; RetryDeployment finishes the saga.
func (m *Manager) Create(ctx context.Context, actorID, negotiationID string, terms Terms) (Contract, error) {
	if err := validateTerms(terms); err != nil {
		return Contract{}, err
	}
	n, err := m.negs.Get(ctx, negotiationID)
	if err != nil {
		if err == negotiation.ErrNotFound {
			return Contract{}, apperr.New(apperr.NotFound, "negotiation %s not found", negotiationID)
		}
		return Contract{}, err
	}
	if actorID != n.SellerID && actorID != n.BuyerID {
		return Contract{}, apperr.New(apperr.Authorization, "only negotiation participants may create a contract")
	}
	if n.Status != negotiation.StatusCompleted {
		return Contract{}, apperr.New(apperr.State, "negotiation must be completed before contracting, is %s", n.Status)
	}

	seller, err := m.people.Get(ctx, n.SellerID)
	if err != nil {
		return Contract{}, err
	}
	buyer, err := m.people.Get(ctx, n.BuyerID)
	if err != nil {
		return Contract{}, err
	}

	year := m.now().UTC().Year()
	sellerCode := companyCode(seller.CompanyName)
	buyerCode := companyCode(buyer.CompanyName)
	seq, err := m.store.NextSequence(ctx, year, sellerCode, buyerCode)
	if err != nil {
		return Contract{}, err
	}

	c := Contract{
		ContractID:     "ctr_" + uuid.NewString(),
		ContractNumber: fmt.Sprintf("C-%d-%s-%s-%d", year, sellerCode, buyerCode, seq),
		NegotiationID:  negotiationID,
		SellerID:       n.SellerID,
		SellerCompany:  seller.CompanyName,
		BuyerID:        n.BuyerID,
		BuyerCompany:   buyer.CompanyName,
		Status:         StatusDraft,
		Terms:          terms,
		Deployment:     DeployPending,
		CreatedAt:      m.now().UTC(),
	}
	if err := m.store.Create(ctx, c); err != nil {
		if err == ErrDuplicate {
			return Contract{}, apperr.New(apperr.Conflict, "negotiation %s already has a contract", negotiationID)
		}
		return Contract{}, err
	}
	_ = m.store.AddEvent(ctx, c.ContractID, "CREATED", actorID, map[string]any{"contract_number": c.ContractNumber})

	return m.deploy(ctx, actorID, c)
}

func (m *Manager) deploy(ctx context.Context, actorID string, c Contract) (Contract, error) {
	termsJSON, err := json.Marshal(c.Terms)
	if err != nil {
		return Contract{}, err
	}
	dep, err := m.chain.Deploy(ctx, termsJSON)
	if err != nil {
		if ferr := m.store.MarkDeploymentFailed(ctx, c.ContractID); ferr != nil {
			return Contract{}, ferr
		}
		_ = m.store.AddEvent(ctx, c.ContractID, "DEPLOY_FAILED", actorID, map[string]any{"error": err.Error()})
		c.Deployment = DeployFailed
		return c, apperr.Wrap(apperr.ExternalService, err, "ledger deployment failed for %s", c.ContractID)
	}
	if err := m.store.SetDeployed(ctx, c.ContractID, dep.Address, dep.TxHash); err != nil {
		return Contract{}, err
	}
	_ = m.store.AddEvent(ctx, c.ContractID, "DEPLOYED", actorID, map[string]any{"address": dep.Address, "tx": dep.TxHash})
	c.Deployment = DeployConfirmed
	c.LedgerAddress = dep.Address
	c.DeploymentTx = dep.TxHash
	c.Status = StatusPending
	return c, nil
}

// RetryDeployment re-runs the deploy saga step for a contract whose ledger
// record was never confirmed.
func (m *Manager) RetryDeployment(ctx context.Context, actorID, contractID string) (Contract, error) {
	c, err := m.get(ctx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if actorID != c.SellerID && actorID != c.BuyerID {
		return Contract{}, apperr.New(apperr.Authorization, "only contract parties may retry deployment")
	}
	if c.Deployment == DeployConfirmed {
		return Contract{}, apperr.New(apperr.State, "contract %s is already deployed", contractID)
	}
	if terminal(c.Status) {
		return Contract{}, apperr.New(apperr.State, "contract %s is %s", contractID, c.Status)
	}
	return m.deploy(ctx, actorID, c)
}

// Sign records one role's signature. The on-chain signing transaction runs
// first; the local signature record only advances after the ledger confirms.
// The contract reaches signed solely when both roles hold local signatures
// and the ledger reports fully-signed.
func (m *Manager) Sign(ctx context.Context, actorID, contractID, role, signaturePayload, signerAddr string) (Contract, error) {
	if role != RoleSeller && role != RoleBuyer {
		return Contract{}, apperr.New(apperr.Validation, "role must be seller or buyer")
	}
	if signaturePayload == "" {
		return Contract{}, apperr.New(apperr.Validation, "signature payload is required")
	}
	c, err := m.get(ctx, contractID)
	if err != nil {
		return Contract{}, err
	}
	expected := c.SellerID
	if role == RoleBuyer {
		expected = c.BuyerID
	}
	if actorID != expected {
		return Contract{}, apperr.New(apperr.Authorization, "actor %s is not the contract %s", actorID, role)
	}
	if terminal(c.Status) || c.Status == StatusExecuted {
		return Contract{}, apperr.New(apperr.State, "contract %s is %s and can no longer be signed", contractID, c.Status)
	}
	if c.Deployment != DeployConfirmed {
		return Contract{}, apperr.New(apperr.State, "contract %s has no confirmed ledger record", contractID)
	}
	already := c.SellerSig.SignedAt
	if role == RoleBuyer {
		already = c.BuyerSig.SignedAt
	}
	if already != nil {
		// Both roles signed but a failed fully-signed readback left the
		// contract pending: reconcile with the ledger instead of rejecting,
		// so a transient readback failure stays retryable.
		if c.Status == StatusPending && c.SellerSig.SignedAt != nil && c.BuyerSig.SignedAt != nil {
			promoted, ok, perr := m.promoteFullySigned(ctx, actorID, c)
			if perr != nil {
				return Contract{}, perr
			}
			if ok {
				return promoted, nil
			}
		}
		_ = m.store.AddEvent(ctx, contractID, "SIGN_REJECTED", actorID, map[string]any{"role": role, "reason": "already signed"})
		return Contract{}, apperr.New(apperr.Conflict, "%s has already signed contract %s", role, contractID)
	}

	signTx := m.chain.SignAsSeller
	if role == RoleBuyer {
		signTx = m.chain.SignAsBuyer
	}
	txHash, err := signTx(ctx, c.LedgerAddress, signerAddr)
	if err != nil {
		_ = m.store.AddEvent(ctx, contractID, "SIGN_FAILED", actorID, map[string]any{"role": role, "error": err.Error()})
		return Contract{}, apperr.Wrap(apperr.ExternalService, err, "ledger signing failed for %s", contractID)
	}

	now := m.now().UTC()
	sig := Signature{SignedAt: &now, Signature: signaturePayload, Addr: signerAddr}
	recorded, err := m.store.RecordSignature(ctx, contractID, role, sig)
	if err != nil {
		return Contract{}, err
	}
	if !recorded {
		// Lost a race with a concurrent signing of the same role.
		_ = m.store.AddEvent(ctx, contractID, "SIGN_REJECTED", actorID, map[string]any{"role": role, "reason": "already signed"})
		return Contract{}, apperr.New(apperr.Conflict, "%s has already signed contract %s", role, contractID)
	}
	_ = m.store.AddEvent(ctx, contractID, "SIGNED", actorID, map[string]any{"role": role, "tx": txHash})

	c, err = m.get(ctx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if c.SellerSig.SignedAt != nil && c.BuyerSig.SignedAt != nil {
		c, _, err = m.promoteFullySigned(ctx, actorID, c)
		if err != nil {
			return Contract{}, err
		}
	}
	return c, nil
}

// promoteFullySigned moves a dual-signed pending contract to signed once the
// ledger confirms. Reports whether the promotion took effect.
func (m *Manager) promoteFullySigned(ctx context.Context, actorID string, c Contract) (Contract, bool, error) {
	fully, err := m.chain.IsFullySigned(ctx, c.LedgerAddress)
	if err != nil {
		return c, false, apperr.Wrap(apperr.ExternalService, err, "ledger fully-signed check failed for %s", c.ContractID)
	}
	if !fully {
		return c, false, nil
	}
	moved, err := m.store.UpdateStatus(ctx, c.ContractID, StatusPending, StatusSigned)
	if err != nil {
		return c, false, err
	}
	if moved {
		_ = m.store.AddEvent(ctx, c.ContractID, "FULLY_SIGNED", actorID, nil)
	}
	c.Status = StatusSigned
	return c, true, nil
}

func (m *Manager) Get(ctx context.Context, contractID string) (Contract, error) {
	return m.get(ctx, contractID)
}

func (m *Manager) Events(ctx context.Context, contractID string) ([]map[string]any, error) {
	if _, err := m.get(ctx, contractID); err != nil {
		return nil, err
	}
	return m.store.ListEvents(ctx, contractID)
}

// Cancel moves a non-terminal contract to cancelled or disputed. These are
// distinct terminal states, not rollbacks; a signed contract stays signed on
// the ledger.
func (m *Manager) Cancel(ctx context.Context, actorID, contractID, to string) (Contract, error) {
	if to != StatusCancelled && to != StatusDisputed {
		return Contract{}, apperr.New(apperr.Validation, "target status must be cancelled or disputed")
	}
	c, err := m.get(ctx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if actorID != c.SellerID && actorID != c.BuyerID {
		return Contract{}, apperr.New(apperr.Authorization, "only contract parties may cancel or dispute")
	}
	if terminal(c.Status) {
		return Contract{}, apperr.New(apperr.State, "contract %s is already %s", contractID, c.Status)
	}
	moved, err := m.store.UpdateStatus(ctx, contractID, c.Status, to)
	if err != nil {
		return Contract{}, err
	}
	if !moved {
		return Contract{}, apperr.New(apperr.Conflict, "contract %s changed state concurrently", contractID)
	}
	_ = m.store.AddEvent(ctx, contractID, "STATUS_"+to, actorID, nil)
	c.Status = to
	return c, nil
}

// MarkExecuted is invoked by the escrow machine after successful payment
// verification; it is the only path to executed.
func (m *Manager) MarkExecuted(ctx context.Context, contractID string) error {
	moved, err := m.store.UpdateStatus(ctx, contractID, StatusSigned, StatusExecuted)
	if err != nil {
		return err
	}
	if !moved {
		return apperr.New(apperr.State, "contract %s is not in signed state", contractID)
	}
	return m.store.AddEvent(ctx, contractID, "EXECUTED", "", nil)
}

// MarkCompleted is invoked by the escrow machine on fund release; it is the
// only path to completed.
func (m *Manager) MarkCompleted(ctx context.Context, contractID string) error {
	moved, err := m.store.UpdateStatus(ctx, contractID, StatusExecuted, StatusCompleted)
	if err != nil {
		return err
	}
	if !moved {
		return apperr.New(apperr.State, "contract %s is not in executed state", contractID)
	}
	return m.store.AddEvent(ctx, contractID, "COMPLETED", "", nil)
}

func (m *Manager) get(ctx context.Context, contractID string) (Contract, error) {
	c, err := m.store.Get(ctx, contractID)
	if err != nil {
		if err == ErrNotFound {
			return Contract{}, apperr.New(apperr.NotFound, "contract %s not found", contractID)
		}
		return Contract{}, err
	}
	return c, nil
}
