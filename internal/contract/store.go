package contract

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("contract not found")
	ErrDuplicate = errors.New("negotiation already has a contract")
)

type PGStore struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *PGStore { return &PGStore{DB: db} }

// NextSequence atomically assigns the next contract number for a company
// pair. The upsert increments under row-level locking, so two simultaneous
// creations for the same pair cannot collide. Numbering starts at 1001.
func (s *PGStore) NextSequence(ctx context.Context, year int, sellerCode, buyerCode string) (int, error) {
	var seq int
	err := s.DB.QueryRow(ctx, `
INSERT INTO contract_sequences(year,seller_code,buyer_code,last_seq)
VALUES($1,$2,$3,1001)
ON CONFLICT (year,seller_code,buyer_code)
DO UPDATE SET last_seq = contract_sequences.last_seq + 1
RETURNING last_seq
`, year, sellerCode, buyerCode).Scan(&seq)
	return seq, err
}

func (s *PGStore) Create(ctx context.Context, c Contract) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO contracts(
  contract_id,contract_number,negotiation_id,seller_id,seller_company,buyer_id,buyer_company,
  status,material,quantity_kg,price,total_value,delivery_date,payment_terms,deployment_status,created_at
) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		c.ContractID, c.ContractNumber, c.NegotiationID, c.SellerID, c.SellerCompany, c.BuyerID, c.BuyerCompany,
		c.Status, c.Terms.Material, c.Terms.QuantityKg, c.Terms.Price, c.Terms.TotalValue, c.Terms.DeliveryDate,
		c.Terms.PaymentTerms, c.Deployment, c.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (s *PGStore) Get(ctx context.Context, id string) (Contract, error) {
	var c Contract
	var ledgerAddr, deployTx, sellerSig, sellerAddr, buyerSig, buyerAddr *string
	err := s.DB.QueryRow(ctx, `SELECT
  contract_id,contract_number,negotiation_id,seller_id,seller_company,buyer_id,buyer_company,
  status,material,quantity_kg,price,total_value,delivery_date,payment_terms,
  deployment_status,ledger_address,deployment_tx,
  seller_signed_at,seller_signature,seller_sign_addr,
  buyer_signed_at,buyer_signature,buyer_sign_addr,created_at
FROM contracts WHERE contract_id=$1`, id).Scan(
		&c.ContractID, &c.ContractNumber, &c.NegotiationID, &c.SellerID, &c.SellerCompany, &c.BuyerID, &c.BuyerCompany,
		&c.Status, &c.Terms.Material, &c.Terms.QuantityKg, &c.Terms.Price, &c.Terms.TotalValue, &c.Terms.DeliveryDate,
		&c.Terms.PaymentTerms, &c.Deployment, &ledgerAddr, &deployTx,
		&c.SellerSig.SignedAt, &sellerSig, &sellerAddr,
		&c.BuyerSig.SignedAt, &buyerSig, &buyerAddr, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, ErrNotFound
	}
	if err != nil {
		return Contract{}, err
	}
	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	c.LedgerAddress = deref(ledgerAddr)
	c.DeploymentTx = deref(deployTx)
	c.SellerSig.Signature = deref(sellerSig)
	c.SellerSig.Addr = deref(sellerAddr)
	c.BuyerSig.Signature = deref(buyerSig)
	c.BuyerSig.Addr = deref(buyerAddr)
	return c, nil
}

func (s *PGStore) SetDeployed(ctx context.Context, id, address, txHash string) error {
	_, err := s.DB.Exec(ctx, `UPDATE contracts
SET deployment_status='confirmed', ledger_address=$1, deployment_tx=$2, status='pending', updated_at=now()
WHERE contract_id=$3 AND deployment_status <> 'confirmed'`, address, txHash, id)
	return err
}

func (s *PGStore) MarkDeploymentFailed(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `UPDATE contracts
SET deployment_status='failed', updated_at=now()
WHERE contract_id=$1 AND deployment_status <> 'confirmed'`, id)
	return err
}

// RecordSignature writes one role's signature only if that role has not
// signed yet. The WHERE clause is the exactly-once guard; a false return
// means the role already signed.
func (s *PGStore) RecordSignature(ctx context.Context, id, role string, sig Signature) (bool, error) {
	var tag string
	if role == RoleSeller {
		tag = `UPDATE contracts SET seller_signed_at=$1, seller_signature=$2, seller_sign_addr=$3, updated_at=now()
WHERE contract_id=$4 AND seller_signed_at IS NULL`
	} else {
		tag = `UPDATE contracts SET buyer_signed_at=$1, buyer_signature=$2, buyer_sign_addr=$3, updated_at=now()
WHERE contract_id=$4 AND buyer_signed_at IS NULL`
	}
	res, err := s.DB.Exec(ctx, tag, sig.SignedAt, sig.Signature, sig.Addr, id)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

// UpdateStatus performs a compare-and-set transition; the from guard keeps
// every status move forward-only.
func (s *PGStore) UpdateStatus(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.DB.Exec(ctx, `UPDATE contracts SET status=$1, updated_at=now() WHERE contract_id=$2 AND status=$3`, to, id, from)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *PGStore) AddEvent(ctx context.Context, contractID, typ, actorID string, payload map[string]any) error {
	b, _ := json.Marshal(payload)
	var actor any
	if actorID != "" {
		actor = actorID
	}
	_, err := s.DB.Exec(ctx, `INSERT INTO contract_events(contract_id,type,actor_id,payload) VALUES($1,$2,$3,$4::jsonb)`,
		contractID, typ, actor, string(b))
	return err
}

func (s *PGStore) ListEvents(ctx context.Context, contractID string) ([]map[string]any, error) {
	rows, err := s.DB.Query(ctx, `SELECT type,actor_id,occurred_at,payload FROM contract_events WHERE contract_id=$1 ORDER BY id ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var typ string
		var actorID *string
		var at time.Time
		var payload []byte
		if err := rows.Scan(&typ, &actorID, &at, &payload); err != nil {
			return nil, err
		}
		var obj any
		_ = json.Unmarshal(payload, &obj)
		out = append(out, map[string]any{"type": typ, "actor_id": actorID, "at": at.Format(time.RFC3339), "payload": obj})
	}
	return out, rows.Err()
}
