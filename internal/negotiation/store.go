package negotiation

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("negotiation not found")

type PGStore struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *PGStore { return &PGStore{DB: db} }

func (s *PGStore) Create(ctx context.Context, n Negotiation) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO negotiations(negotiation_id,title,origin_type,origin_id,seller_id,buyer_id,status,last_activity,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		n.NegotiationID, n.Title, n.OriginType, n.OriginID, n.SellerID, n.BuyerID, n.Status, n.LastActivity, n.CreatedAt)
	return err
}

func (s *PGStore) Get(ctx context.Context, id string) (Negotiation, error) {
	var n Negotiation
	var offer []byte
	err := s.DB.QueryRow(ctx, `SELECT negotiation_id,title,origin_type,origin_id,seller_id,buyer_id,status,current_offer,last_activity,created_at
FROM negotiations WHERE negotiation_id=$1`, id).
		Scan(&n.NegotiationID, &n.Title, &n.OriginType, &n.OriginID, &n.SellerID, &n.BuyerID, &n.Status, &offer, &n.LastActivity, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Negotiation{}, ErrNotFound
	}
	if err != nil {
		return Negotiation{}, err
	}
	if len(offer) > 0 {
		var o Offer
		if err := json.Unmarshal(offer, &o); err == nil {
			n.CurrentOffer = &o
		}
	}
	return n, nil
}

// AppendMessage writes the message, bumps last_activity, and for offer
// messages replaces the advisory current_offer, all in one transaction.
func (s *PGStore) AppendMessage(ctx context.Context, m Message) (int64, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var offerJSON any
	if m.Offer != nil {
		b, err := json.Marshal(m.Offer)
		if err != nil {
			return 0, err
		}
		offerJSON = string(b)
	}
	var seq int64
	err = tx.QueryRow(ctx, `INSERT INTO negotiation_messages(negotiation_id,sender_id,msg_type,content,offer,sent_at)
VALUES($1,$2,$3,$4,$5::jsonb,$6) RETURNING seq`,
		m.NegotiationID, m.SenderID, m.Type, m.Content, offerJSON, m.SentAt).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if m.Offer != nil {
		_, err = tx.Exec(ctx, `UPDATE negotiations SET current_offer=$1::jsonb, last_activity=$2 WHERE negotiation_id=$3`,
			offerJSON, m.SentAt, m.NegotiationID)
	} else {
		_, err = tx.Exec(ctx, `UPDATE negotiations SET last_activity=$1 WHERE negotiation_id=$2`, m.SentAt, m.NegotiationID)
	}
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit(ctx)
}

func (s *PGStore) Messages(ctx context.Context, negotiationID string) ([]Message, error) {
	rows, err := s.DB.Query(ctx, `SELECT seq,negotiation_id,sender_id,msg_type,content,offer,sent_at
FROM negotiation_messages WHERE negotiation_id=$1 ORDER BY seq ASC`, negotiationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var offer []byte
		if err := rows.Scan(&m.Seq, &m.NegotiationID, &m.SenderID, &m.Type, &m.Content, &offer, &m.SentAt); err != nil {
			return nil, err
		}
		if len(offer) > 0 {
			var o Offer
			if err := json.Unmarshal(offer, &o); err == nil {
				m.Offer = &o
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkRead(ctx context.Context, negotiationID, userID string) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO negotiation_reads(negotiation_id,user_id,last_read_at)
VALUES($1,$2,now())
ON CONFLICT (negotiation_id,user_id) DO UPDATE SET last_read_at=now()
`, negotiationID, userID)
	return err
}

func (s *PGStore) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := s.DB.Exec(ctx, `UPDATE negotiations SET status=$1, last_activity=now() WHERE negotiation_id=$2`, status, id)
	return err
}
