package matching

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrRequestNotFound = errors.New("material request not found")

type Store struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) CreateRequest(ctx context.Context, r Request) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO material_requests(request_id,buyer_id,category,quantity_kg,budget,preferred_cities,urgency,frequency)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.RequestID, r.BuyerID, r.Category, r.QuantityKg, r.Budget, r.PreferredCities, r.Urgency, r.Frequency)
	return err
}

func (s *Store) GetRequest(ctx context.Context, id string) (Request, error) {
	var r Request
	err := s.DB.QueryRow(ctx, `SELECT request_id,buyer_id,category,quantity_kg,budget,preferred_cities,urgency,frequency
FROM material_requests WHERE request_id=$1`, id).
		Scan(&r.RequestID, &r.BuyerID, &r.Category, &r.QuantityKg, &r.Budget, &r.PreferredCities, &r.Urgency, &r.Frequency)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrRequestNotFound
	}
	return r, err
}

func (s *Store) CreateListing(ctx context.Context, l Listing) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO waste_listings(listing_id,seller_id,category,quantity_kg,price,city,urgency,frequency,active)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		l.ListingID, l.SellerID, l.Category, l.QuantityKg, l.Price, l.City, l.Urgency, l.Frequency, l.Active)
	return err
}

func (s *Store) ActiveListings(ctx context.Context) ([]Listing, error) {
	rows, err := s.DB.Query(ctx, `SELECT listing_id,seller_id,category,quantity_kg,price,city,urgency,frequency,active
FROM waste_listings WHERE active ORDER BY listing_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.ListingID, &l.SellerID, &l.Category, &l.QuantityKg, &l.Price, &l.City, &l.Urgency, &l.Frequency, &l.Active); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ReplaceMatches swaps the cached match list for a request in one
// transaction. The list is derived data; it is always replaced wholesale,
// never merged.
func (s *Store) ReplaceMatches(ctx context.Context, requestID string, matches []Match) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM request_matches WHERE request_id=$1`, requestID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for i, m := range matches {
		if _, err := tx.Exec(ctx, `INSERT INTO request_matches(request_id,listing_id,score,reasons,rank,computed_at)
VALUES($1,$2,$3,$4,$5,$6)`, requestID, m.ListingID, m.Score, m.Reasons, i+1, now); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetMatches(ctx context.Context, requestID string) ([]Match, error) {
	rows, err := s.DB.Query(ctx, `SELECT listing_id,score,reasons FROM request_matches WHERE request_id=$1 ORDER BY rank`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ListingID, &m.Score, &m.Reasons); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
