// Package contract manages the contract lifecycle: creation from a completed
// negotiation, ledger deployment as an explicit saga step, dual-signature
// flow gated on the ledger's fully-signed flag, and the terminal transitions
// driven by the escrow machine.
package contract

import (
	"strings"
	"time"
)

const (
	StatusDraft     = "draft"
	StatusPending   = "pending"
	StatusSigned    = "signed"
	StatusExecuted  = "executed"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusDisputed  = "disputed"
)

const (
	DeployPending   = "pending"
	DeployConfirmed = "confirmed"
	DeployFailed    = "failed"
)

const (
	RoleSeller = "seller"
	RoleBuyer  = "buyer"
)

// Terms are entered at contract creation, independently of any in-chat offer.
type Terms struct {
	Material     string     `json:"material"`
	QuantityKg   int64      `json:"quantity_kg"`
	Price        int64      `json:"price"`
	TotalValue   int64      `json:"total_value"`
	DeliveryDate *time.Time `json:"delivery_date,omitempty"`
	PaymentTerms string     `json:"payment_terms"`
}

type Signature struct {
	SignedAt  *time.Time `json:"signed_at,omitempty"`
	Signature string     `json:"signature,omitempty"`
	Addr      string     `json:"addr,omitempty"`
}

type Contract struct {
	ContractID     string    `json:"contract_id"`
	ContractNumber string    `json:"contract_number"`
	NegotiationID  string    `json:"negotiation_id"`
	SellerID       string    `json:"seller_id"`
	SellerCompany  string    `json:"seller_company"`
	BuyerID        string    `json:"buyer_id"`
	BuyerCompany   string    `json:"buyer_company"`
	Status         string    `json:"status"`
	Terms          Terms     `json:"terms"`
	Deployment     string    `json:"deployment_status"`
	LedgerAddress  string    `json:"ledger_address,omitempty"`
	DeploymentTx   string    `json:"deployment_tx,omitempty"`
	SellerSig      Signature `json:"seller_signature"`
	BuyerSig       Signature `json:"buyer_signature"`
	CreatedAt      time.Time `json:"created_at"`
}

func terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusDisputed:
		return true
	}
	return false
}

// companyCode derives the three-letter company code used in contract numbers.
func companyCode(company string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(company) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == 3 {
				break
			}
		}
	}
	code := b.String()
	for len(code) < 3 {
		code += "X"
	}
	return code
}
