// Package negotiation is the bilateral structured messaging channel between
// one seller and one buyer. The message log is append-only; an in-chat offer
// is advisory context only and never feeds the eventual contract terms.
package negotiation

import (
	"context"
	"time"

	"wasteex/internal/party"
	"wasteex/pkg/apperr"

	"github.com/google/uuid"
)

const (
	StatusActive    = "active"
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

const (
	OriginListing = "listing"
	OriginRequest = "request"
)

const (
	MsgText         = "text"
	MsgFile         = "file"
	MsgOffer        = "offer"
	MsgPriceDiscuss = "price-discussion"
	MsgTermsDiscuss = "terms-discussion"
)

type Offer struct {
	Price        int64  `json:"price"`
	QuantityKg   int64  `json:"quantity_kg"`
	DeliveryDate string `json:"delivery_date,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

type Negotiation struct {
	NegotiationID string    `json:"negotiation_id"`
	Title         string    `json:"title"`
	OriginType    string    `json:"origin_type"`
	OriginID      string    `json:"origin_id"`
	SellerID      string    `json:"seller_id"`
	BuyerID       string    `json:"buyer_id"`
	Status        string    `json:"status"`
	CurrentOffer  *Offer    `json:"current_offer,omitempty"`
	LastActivity  time.Time `json:"last_activity"`
	CreatedAt     time.Time `json:"created_at"`
}

type Message struct {
	Seq           int64     `json:"seq"`
	NegotiationID string    `json:"negotiation_id"`
	SenderID      string    `json:"sender_id"`
	Type          string    `json:"type"`
	Content       string    `json:"content"`
	Offer         *Offer    `json:"offer,omitempty"`
	SentAt        time.Time `json:"sent_at"`
}

type Store interface {
	Create(ctx context.Context, n Negotiation) error
	Get(ctx context.Context, id string) (Negotiation, error)
	AppendMessage(ctx context.Context, m Message) (int64, error)
	Messages(ctx context.Context, negotiationID string) ([]Message, error)
	MarkRead(ctx context.Context, negotiationID, userID string) error
	UpdateStatus(ctx context.Context, id, status string) error
}

type Parties interface {
	Get(ctx context.Context, id string) (party.Party, error)
}

type Channel struct {
	store   Store
	parties Parties
	now     func() time.Time
}

func NewChannel(store Store, parties Parties) *Channel {
	return &Channel{store: store, parties: parties, now: time.Now}
}

func (c *Channel) Create(ctx context.Context, actorID, title, counterpartyID, originType, originID string) (Negotiation, error) {
	if title == "" || counterpartyID == "" || originID == "" {
		return Negotiation{}, apperr.New(apperr.Validation, "title, counterparty_id and origin_id are required")
	}
	if originType != OriginListing && originType != OriginRequest {
		return Negotiation{}, apperr.New(apperr.Validation, "origin_type must be listing or request")
	}
	if counterpartyID == actorID {
		return Negotiation{}, apperr.New(apperr.Validation, "cannot open a negotiation with yourself")
	}
	if _, err := c.parties.Get(ctx, counterpartyID); err != nil {
		if err == party.ErrNotFound {
			return Negotiation{}, apperr.New(apperr.NotFound, "counterparty %s does not exist", counterpartyID)
		}
		return Negotiation{}, err
	}
	if _, err := c.parties.Get(ctx, actorID); err != nil {
		if err == party.ErrNotFound {
			return Negotiation{}, apperr.New(apperr.NotFound, "actor %s does not exist", actorID)
		}
		return Negotiation{}, err
	}

	// Roles are fixed by the originating entity: a negotiation opened on a
	// listing is started by a buyer talking to the listing's seller, one
	// opened on a request is started by a seller talking to the requester.
	n := Negotiation{
		NegotiationID: "neg_" + uuid.NewString(),
		Title:         title,
		OriginType:    originType,
		OriginID:      originID,
		Status:        StatusActive,
		LastActivity:  c.now().UTC(),
		CreatedAt:     c.now().UTC(),
	}
	if originType == OriginListing {
		n.SellerID = counterpartyID
		n.BuyerID = actorID
	} else {
		n.BuyerID = counterpartyID
		n.SellerID = actorID
	}
	if err := c.store.Create(ctx, n); err != nil {
		return Negotiation{}, err
	}
	return n, nil
}

func validMsgType(t string) bool {
	switch t {
	case MsgText, MsgFile, MsgOffer, MsgPriceDiscuss, MsgTermsDiscuss:
		return true
	}
	return false
}

func (c *Channel) PostMessage(ctx context.Context, actorID, negotiationID, content, msgType string, offer *Offer) (Message, error) {
	if !validMsgType(msgType) {
		return Message{}, apperr.New(apperr.Validation, "unknown message type %q", msgType)
	}
	if msgType == MsgOffer && offer == nil {
		return Message{}, apperr.New(apperr.Validation, "offer message requires an offer payload")
	}
	n, err := c.store.Get(ctx, negotiationID)
	if err != nil {
		if err == ErrNotFound {
			return Message{}, apperr.New(apperr.NotFound, "negotiation %s not found", negotiationID)
		}
		return Message{}, err
	}
	if actorID != n.SellerID && actorID != n.BuyerID {
		return Message{}, apperr.New(apperr.Authorization, "only negotiation participants may post")
	}
	if n.Status == StatusCompleted || n.Status == StatusCancelled {
		return Message{}, apperr.New(apperr.State, "negotiation is %s", n.Status)
	}

	m := Message{
		NegotiationID: negotiationID,
		SenderID:      actorID,
		Type:          msgType,
		Content:       content,
		SentAt:        c.now().UTC(),
	}
	if msgType == MsgOffer {
		m.Offer = offer
	}
	seq, err := c.store.AppendMessage(ctx, m)
	if err != nil {
		return Message{}, err
	}
	m.Seq = seq
	return m, nil
}

func (c *Channel) Get(ctx context.Context, actorID, negotiationID string) (Negotiation, []Message, error) {
	n, err := c.store.Get(ctx, negotiationID)
	if err != nil {
		if err == ErrNotFound {
			return Negotiation{}, nil, apperr.New(apperr.NotFound, "negotiation %s not found", negotiationID)
		}
		return Negotiation{}, nil, err
	}
	if actorID != n.SellerID && actorID != n.BuyerID {
		return Negotiation{}, nil, apperr.New(apperr.Authorization, "only negotiation participants may view")
	}
	msgs, err := c.store.Messages(ctx, negotiationID)
	if err != nil {
		return Negotiation{}, nil, err
	}
	return n, msgs, nil
}

// MarkRead is idempotent: repeated calls only move the read watermark.
func (c *Channel) MarkRead(ctx context.Context, actorID, negotiationID string) error {
	n, err := c.store.Get(ctx, negotiationID)
	if err != nil {
		if err == ErrNotFound {
			return apperr.New(apperr.NotFound, "negotiation %s not found", negotiationID)
		}
		return err
	}
	if actorID != n.SellerID && actorID != n.BuyerID {
		return apperr.New(apperr.Authorization, "only negotiation participants may mark read")
	}
	return c.store.MarkRead(ctx, negotiationID, actorID)
}

func (c *Channel) UpdateStatus(ctx context.Context, actorID, negotiationID, status string) (Negotiation, error) {
	switch status {
	case StatusActive, StatusPending, StatusCompleted, StatusCancelled:
	default:
		return Negotiation{}, apperr.New(apperr.Validation, "unknown status %q", status)
	}
	n, err := c.store.Get(ctx, negotiationID)
	if err != nil {
		if err == ErrNotFound {
			return Negotiation{}, apperr.New(apperr.NotFound, "negotiation %s not found", negotiationID)
		}
		return Negotiation{}, err
	}
	if actorID != n.SellerID && actorID != n.BuyerID {
		return Negotiation{}, apperr.New(apperr.Authorization, "only negotiation participants may update status")
	}
	if n.Status == StatusCompleted || n.Status == StatusCancelled {
		return Negotiation{}, apperr.New(apperr.State, "negotiation is already %s", n.Status)
	}
	if status == StatusActive && n.Status != StatusActive {
		return Negotiation{}, apperr.New(apperr.State, "cannot move a %s negotiation back to active", n.Status)
	}
	if err := c.store.UpdateStatus(ctx, negotiationID, status); err != nil {
		return Negotiation{}, err
	}
	n.Status = status
	return n, nil
}
