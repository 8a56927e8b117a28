// Package party holds the seller/buyer directory. Registration itself lives
// outside the engine; other components only resolve identities and company
// names from here.
package party

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("party not found")

type Party struct {
	PartyID     string `json:"party_id"`
	Name        string `json:"name"`
	CompanyName string `json:"company_name"`
	City        string `json:"city"`
}

type Store struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Get(ctx context.Context, id string) (Party, error) {
	var p Party
	err := s.DB.QueryRow(ctx, `SELECT party_id,name,company_name,city FROM parties WHERE party_id=$1`, id).
		Scan(&p.PartyID, &p.Name, &p.CompanyName, &p.City)
	if errors.Is(err, pgx.ErrNoRows) {
		return Party{}, ErrNotFound
	}
	return p, err
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM parties WHERE party_id=$1)`, id).Scan(&exists)
	return exists, err
}

func (s *Store) Upsert(ctx context.Context, p Party) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO parties(party_id,name,company_name,city)
VALUES($1,$2,$3,$4)
ON CONFLICT (party_id) DO UPDATE SET name=$2, company_name=$3, city=$4
`, p.PartyID, p.Name, p.CompanyName, p.City)
	return err
}
