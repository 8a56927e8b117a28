package negotiation

import (
	"context"
	"testing"
	"time"

	"wasteex/internal/party"
	"wasteex/pkg/apperr"
)

type fakeNegStore struct {
	negs     map[string]*Negotiation
	messages []Message
	reads    map[string]int // negotiationID/userID -> markRead calls
	nextSeq  int64
}

func newFakeNegStore() *fakeNegStore {
	return &fakeNegStore{negs: map[string]*Negotiation{}, reads: map[string]int{}}
}

func (f *fakeNegStore) Create(ctx context.Context, n Negotiation) error {
	cp := n
	f.negs[n.NegotiationID] = &cp
	return nil
}

func (f *fakeNegStore) Get(ctx context.Context, id string) (Negotiation, error) {
	n, ok := f.negs[id]
	if !ok {
		return Negotiation{}, ErrNotFound
	}
	return *n, nil
}

func (f *fakeNegStore) AppendMessage(ctx context.Context, m Message) (int64, error) {
	f.nextSeq++
	m.Seq = f.nextSeq
	f.messages = append(f.messages, m)
	n := f.negs[m.NegotiationID]
	n.LastActivity = m.SentAt
	if m.Offer != nil {
		o := *m.Offer
		n.CurrentOffer = &o
	}
	return f.nextSeq, nil
}

func (f *fakeNegStore) Messages(ctx context.Context, negotiationID string) ([]Message, error) {
	var out []Message
	for _, m := range f.messages {
		if m.NegotiationID == negotiationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeNegStore) MarkRead(ctx context.Context, negotiationID, userID string) error {
	f.reads[negotiationID+"/"+userID]++
	return nil
}

func (f *fakeNegStore) UpdateStatus(ctx context.Context, id, status string) error {
	f.negs[id].Status = status
	return nil
}

type fakePartyDir struct{ parties map[string]party.Party }

func (f *fakePartyDir) Get(ctx context.Context, id string) (party.Party, error) {
	p, ok := f.parties[id]
	if !ok {
		return party.Party{}, party.ErrNotFound
	}
	return p, nil
}

func newTestChannel(t *testing.T) (*Channel, *fakeNegStore) {
	t.Helper()
	st := newFakeNegStore()
	dir := &fakePartyDir{parties: map[string]party.Party{
		"pty_seller": {PartyID: "pty_seller", CompanyName: "EcoPlast"},
		"pty_buyer":  {PartyID: "pty_buyer", CompanyName: "GreenBuild"},
	}}
	c := NewChannel(st, dir)
	c.now = func() time.Time { return time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC) }
	return c, st
}

func TestCreateRolesFromOrigin(t *testing.T) {
	c, _ := newTestChannel(t)
	ctx := context.Background()

	// A buyer opens a negotiation on a listing: counterparty is the seller.
	n, err := c.Create(ctx, "pty_buyer", "plastic supply", "pty_seller", OriginListing, "lst_1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.SellerID != "pty_seller" || n.BuyerID != "pty_buyer" {
		t.Fatalf("listing origin roles wrong: %+v", n)
	}
	if n.Status != StatusActive {
		t.Fatalf("expected active, got %s", n.Status)
	}

	// A seller answers a material request: counterparty is the buyer.
	n, err = c.Create(ctx, "pty_seller", "plastic demand", "pty_buyer", OriginRequest, "req_1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.SellerID != "pty_seller" || n.BuyerID != "pty_buyer" {
		t.Fatalf("request origin roles wrong: %+v", n)
	}
}

func TestCreateMissingCounterparty(t *testing.T) {
	c, _ := newTestChannel(t)
	_, err := c.Create(context.Background(), "pty_buyer", "t", "pty_ghost", OriginListing, "lst_1")
	if !apperr.IsKind(err, apperr.NotFound) {
		t.Fatalf("expected NotFound for missing counterparty, got %v", err)
	}
	_, err = c.Create(context.Background(), "pty_buyer", "t", "pty_seller", "auction", "lst_1")
	if !apperr.IsKind(err, apperr.Validation) {
		t.Fatalf("expected Validation for bad origin type, got %v", err)
	}
}

func TestPostMessageParticipantsOnly(t *testing.T) {
	c, st := newTestChannel(t)
	ctx := context.Background()
	n, _ := c.Create(ctx, "pty_buyer", "t", "pty_seller", OriginListing, "lst_1")

	if _, err := c.PostMessage(ctx, "pty_intruder", n.NegotiationID, "hi", MsgText, nil); !apperr.IsKind(err, apperr.Authorization) {
		t.Fatalf("expected Authorization for outsider, got %v", err)
	}
	m, err := c.PostMessage(ctx, "pty_seller", n.NegotiationID, "hello", MsgText, nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if m.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", m.Seq)
	}
	if len(st.messages) != 1 {
		t.Fatalf("message not appended")
	}
}

func TestPostMessageOrderingAndTypes(t *testing.T) {
	c, _ := newTestChannel(t)
	ctx := context.Background()
	n, _ := c.Create(ctx, "pty_buyer", "t", "pty_seller", OriginListing, "lst_1")

	if _, err := c.PostMessage(ctx, "pty_buyer", n.NegotiationID, "x", "carrier-pigeon", nil); !apperr.IsKind(err, apperr.Validation) {
		t.Fatalf("expected Validation for unknown type, got %v", err)
	}
	var lastSeq int64
	for _, typ := range []string{MsgText, MsgPriceDiscuss, MsgTermsDiscuss, MsgFile} {
		m, err := c.PostMessage(ctx, "pty_buyer", n.NegotiationID, "x", typ, nil)
		if err != nil {
			t.Fatalf("post %s: %v", typ, err)
		}
		if m.Seq <= lastSeq {
			t.Fatalf("log must be ordered: seq %d after %d", m.Seq, lastSeq)
		}
		lastSeq = m.Seq
	}
}

func TestOfferIsAdvisoryOnly(t *testing.T) {
	c, st := newTestChannel(t)
	ctx := context.Background()
	n, _ := c.Create(ctx, "pty_buyer", "t", "pty_seller", OriginListing, "lst_1")

	if _, err := c.PostMessage(ctx, "pty_seller", n.NegotiationID, "offer", MsgOffer, nil); !apperr.IsKind(err, apperr.Validation) {
		t.Fatalf("expected Validation for offer without payload, got %v", err)
	}
	offer := &Offer{Price: 45_000, QuantityKg: 1200}
	if _, err := c.PostMessage(ctx, "pty_seller", n.NegotiationID, "offer", MsgOffer, offer); err != nil {
		t.Fatalf("post offer: %v", err)
	}
	got := st.negs[n.NegotiationID]
	if got.CurrentOffer == nil || got.CurrentOffer.Price != 45_000 {
		t.Fatalf("current offer not recorded: %+v", got.CurrentOffer)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	c, st := newTestChannel(t)
	ctx := context.Background()
	n, _ := c.Create(ctx, "pty_buyer", "t", "pty_seller", OriginListing, "lst_1")

	for i := 0; i < 3; i++ {
		if err := c.MarkRead(ctx, "pty_buyer", n.NegotiationID); err != nil {
			t.Fatalf("mark read %d: %v", i, err)
		}
	}
	if st.reads[n.NegotiationID+"/pty_buyer"] != 3 {
		t.Fatalf("mark read should be a no-fail upsert")
	}
	if err := c.MarkRead(ctx, "pty_intruder", n.NegotiationID); !apperr.IsKind(err, apperr.Authorization) {
		t.Fatalf("expected Authorization for outsider")
	}
}

func TestStatusTransitions(t *testing.T) {
	c, _ := newTestChannel(t)
	ctx := context.Background()
	n, _ := c.Create(ctx, "pty_buyer", "t", "pty_seller", OriginListing, "lst_1")

	if _, err := c.UpdateStatus(ctx, "pty_buyer", n.NegotiationID, StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := c.UpdateStatus(ctx, "pty_buyer", n.NegotiationID, StatusCancelled); !apperr.IsKind(err, apperr.State) {
		t.Fatalf("completed is terminal, got %v", err)
	}
	if _, err := c.PostMessage(ctx, "pty_buyer", n.NegotiationID, "late", MsgText, nil); !apperr.IsKind(err, apperr.State) {
		t.Fatalf("posting to a completed negotiation must fail, got %v", err)
	}
}
