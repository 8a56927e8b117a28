package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("payment not found")

type PGStore struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *PGStore { return &PGStore{DB: db} }

// CreatePayment inserts the payment unless the contract already has a live
// one. The partial unique index on contract_id is the at-most-one guard;
// failed payments do not count, so the buyer can order again after a bad
// verification. A skipped insert reports inserted=false.
func (s *PGStore) CreatePayment(ctx context.Context, p Payment) (bool, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
INSERT INTO payments(payment_id,contract_id,buyer_id,seller_id,total_amount,seller_amount,platform_fee,currency,status,gateway_order_id,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (contract_id) WHERE status <> 'failed' DO NOTHING
RETURNING payment_id
`, p.PaymentID, p.ContractID, p.BuyerID, p.SellerID, p.TotalAmount, p.SellerAmount, p.PlatformFee, p.Currency, p.Status, p.GatewayOrderID, p.CreatedAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Payment, error) {
	var p Payment
	var gatewayPaymentID *string
	err := s.DB.QueryRow(ctx, `SELECT
  payment_id,contract_id,buyer_id,seller_id,total_amount,seller_amount,platform_fee,currency,status,
  gateway_order_id,gateway_payment_id,held_at,auto_release_date,delivery_confirmed,quality_approved,released_at,created_at
FROM payments WHERE payment_id=$1`, id).Scan(
		&p.PaymentID, &p.ContractID, &p.BuyerID, &p.SellerID, &p.TotalAmount, &p.SellerAmount, &p.PlatformFee, &p.Currency, &p.Status,
		&p.GatewayOrderID, &gatewayPaymentID, &p.HeldAt, &p.AutoReleaseDate, &p.DeliveryConfirmed, &p.QualityApproved, &p.ReleasedAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	if gatewayPaymentID != nil {
		p.GatewayPaymentID = *gatewayPaymentID
	}
	return p, nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id, gatewayPaymentID string) (bool, error) {
	res, err := s.DB.Exec(ctx, `UPDATE payments SET status='failed', gateway_payment_id=$1, updated_at=now()
WHERE payment_id=$2 AND status='pending'`, gatewayPaymentID, id)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *PGStore) MarkHeld(ctx context.Context, id, gatewayPaymentID string, heldAt, autoRelease time.Time) (bool, error) {
	res, err := s.DB.Exec(ctx, `UPDATE payments
SET status='held_in_escrow', gateway_payment_id=$1, held_at=$2, auto_release_date=$3, updated_at=now()
WHERE payment_id=$4 AND status='pending'`, gatewayPaymentID, heldAt, autoRelease, id)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *PGStore) SetConditions(ctx context.Context, id string, deliveryConfirmed, qualityApproved bool) error {
	_, err := s.DB.Exec(ctx, `UPDATE payments SET delivery_confirmed=$1, quality_approved=$2, updated_at=now()
WHERE payment_id=$3 AND status='held_in_escrow'`, deliveryConfirmed, qualityApproved, id)
	return err
}

// MarkReleased is the single-transfer guard: only the one caller that moves
// the row out of held_in_escrow performs the payout.
func (s *PGStore) MarkReleased(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.DB.Exec(ctx, `UPDATE payments SET status='released_to_seller', released_at=$1, updated_at=now()
WHERE payment_id=$2 AND status='held_in_escrow'`, at, id)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *PGStore) MarkRefunded(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.DB.Exec(ctx, `UPDATE payments SET status='refunded', released_at=$1, updated_at=now()
WHERE payment_id=$2 AND status='held_in_escrow'`, at, id)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *PGStore) AddTimeline(ctx context.Context, paymentID, status, note, actorID string) error {
	var actor any
	if actorID != "" {
		actor = actorID
	}
	_, err := s.DB.Exec(ctx, `INSERT INTO payment_timeline(payment_id,status,note,actor_id) VALUES($1,$2,$3,$4)`,
		paymentID, status, note, actor)
	return err
}

func (s *PGStore) Timeline(ctx context.Context, paymentID string) ([]map[string]any, error) {
	rows, err := s.DB.Query(ctx, `SELECT status,note,actor_id,occurred_at FROM payment_timeline WHERE payment_id=$1 ORDER BY id ASC`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var status, note string
		var actorID *string
		var at time.Time
		if err := rows.Scan(&status, &note, &actorID, &at); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{"status": status, "note": note, "actor_id": actorID, "at": at.Format(time.RFC3339)})
	}
	return out, rows.Err()
}

func (s *PGStore) DueForRelease(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT payment_id FROM payments
WHERE status='held_in_escrow' AND auto_release_date < $1
ORDER BY auto_release_date ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
