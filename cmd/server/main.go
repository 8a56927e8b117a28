package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"wasteex/internal/contract"
	"wasteex/internal/escrow"
	"wasteex/internal/matching"
	"wasteex/internal/negotiation"
	"wasteex/internal/party"
	"wasteex/pkg/apperr"
	"wasteex/pkg/config"
	"wasteex/pkg/db"
	"wasteex/pkg/gateway"
	"wasteex/pkg/httpx"
	"wasteex/pkg/ledger"
	"wasteex/pkg/shipment"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type actorContext struct {
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role,omitempty"`
}

func (a actorContext) admin() bool { return a.ActorRole == "admin" }

func main() {
	cfg, err := config.Load(os.Getenv("WASTEEX_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	pool := db.MustConnect(cfg.DatabaseURL)
	defer pool.Close()

	parties := party.NewStore(pool)
	matchStore := matching.NewStore(pool)
	negStore := negotiation.NewStore(pool)
	contractStore := contract.NewStore(pool)
	payStore := escrow.NewStore(pool)

	chain := ledger.New(cfg.LedgerBaseURL, cfg.ExternalTimeout.Std())
	gw := gateway.New(cfg.GatewayBaseURL, cfg.GatewaySecret, cfg.ExternalTimeout.Std())
	ship := shipment.New(cfg.ShipmentBaseURL, cfg.ExternalTimeout.Std())

	channel := negotiation.NewChannel(negStore, parties)
	contracts := contract.NewManager(contractStore, negStore, parties, chain)
	machine := escrow.NewMachine(payStore, contracts, gw, ship, cfg.FeeTiers, cfg.AutoReleaseWindow.Std())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go escrow.NewSweeper(machine, cfg.SweepInterval.Std()).Run(ctx)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/deals", func(api chi.Router) {

		// DEV helper to seed trading parties for smoke tests.
		api.Post("/dev/seed-party", func(w http.ResponseWriter, r *http.Request) {
			var p party.Party
			if err := httpx.ReadJSON(r, &p); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if p.PartyID == "" {
				p.PartyID = "pty_" + uuid.NewString()
			}
			if err := parties.Upsert(r.Context(), p); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "party": p})
		})

		api.Post("/requests", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext    actorContext `json:"actor_context"`
				Category        string       `json:"category"`
				QuantityKg      int64        `json:"quantity_kg"`
				Budget          int64        `json:"budget"`
				PreferredCities []string     `json:"preferred_cities"`
				Urgency         string       `json:"urgency"`
				Frequency       string       `json:"frequency"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if req.Category == "" || req.QuantityKg <= 0 || req.Budget <= 0 {
				httpx.WriteAppError(w, apperr.New(apperr.Validation, "category, quantity_kg and budget are required"))
				return
			}
			m := matching.Request{
				RequestID:       "req_" + uuid.NewString(),
				BuyerID:         req.ActorContext.ActorID,
				Category:        req.Category,
				QuantityKg:      req.QuantityKg,
				Budget:          req.Budget,
				PreferredCities: req.PreferredCities,
				Urgency:         req.Urgency,
				Frequency:       req.Frequency,
			}
			if err := matchStore.CreateRequest(r.Context(), m); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "material_request": m})
		})

		api.Post("/listings", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext actorContext `json:"actor_context"`
				Category     string       `json:"category"`
				QuantityKg   int64        `json:"quantity_kg"`
				Price        int64        `json:"price"`
				City         string       `json:"city"`
				Urgency      string       `json:"urgency"`
				Frequency    string       `json:"frequency"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if req.Category == "" || req.QuantityKg <= 0 || req.Price <= 0 {
				httpx.WriteAppError(w, apperr.New(apperr.Validation, "category, quantity_kg and price are required"))
				return
			}
			l := matching.Listing{
				ListingID:  "lst_" + uuid.NewString(),
				SellerID:   req.ActorContext.ActorID,
				Category:   req.Category,
				QuantityKg: req.QuantityKg,
				Price:      req.Price,
				City:       req.City,
				Urgency:    req.Urgency,
				Frequency:  req.Frequency,
				Active:     true,
			}
			if err := matchStore.CreateListing(r.Context(), l); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "listing": l})
		})

		api.Post("/requests/{request_id}/matches:recompute", func(w http.ResponseWriter, r *http.Request) {
			requestID := chi.URLParam(r, "request_id")
			m, err := matchStore.GetRequest(r.Context(), requestID)
			if err != nil {
				if err == matching.ErrRequestNotFound {
					httpx.WriteAppError(w, apperr.New(apperr.NotFound, "material request %s not found", requestID))
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			pool, err := matchStore.ActiveListings(r.Context())
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			matches := matching.Rank(m, pool)
			if err := matchStore.ReplaceMatches(r.Context(), requestID, matches); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "matches": matches})
		})

		api.Get("/requests/{request_id}/matches", func(w http.ResponseWriter, r *http.Request) {
			requestID := chi.URLParam(r, "request_id")
			matches, err := matchStore.GetMatches(r.Context(), requestID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "matches": matches})
		})

		api.Post("/negotiations", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext   actorContext `json:"actor_context"`
				Title          string       `json:"title"`
				CounterpartyID string       `json:"counterparty_id"`
				OriginType     string       `json:"origin_type"`
				OriginID       string       `json:"origin_id"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			n, err := channel.Create(r.Context(), req.ActorContext.ActorID, req.Title, req.CounterpartyID, req.OriginType, req.OriginID)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "negotiation": n})
		})

		api.Get("/negotiations/{negotiation_id}", func(w http.ResponseWriter, r *http.Request) {
			actorID := r.URL.Query().Get("actor_id")
			n, msgs, err := channel.Get(r.Context(), actorID, chi.URLParam(r, "negotiation_id"))
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "negotiation": n, "messages": msgs})
		})

		api.Post("/negotiations/{negotiation_id}/messages", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext actorContext       `json:"actor_context"`
				Content      string             `json:"content"`
				Type         string             `json:"type"`
				Offer        *negotiation.Offer `json:"offer,omitempty"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			m, err := channel.PostMessage(r.Context(), req.ActorContext.ActorID, chi.URLParam(r, "negotiation_id"), req.Content, req.Type, req.Offer)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "message": m})
		})

		api.Post("/negotiations/{negotiation_id}/read", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext actorContext `json:"actor_context"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if err := channel.MarkRead(r.Context(), req.ActorContext.ActorID, chi.URLParam(r, "negotiation_id")); err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "read": true})
		})

		api.Post("/negotiations/{negotiation_id}/status", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext actorContext `json:"actor_context"`
				Status       string       `json:"status"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			n, err := channel.UpdateStatus(r.Context(), req.ActorContext.ActorID, chi.URLParam(r, "negotiation_id"), req.Status)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "negotiation": n})
		})

		api.Post("/contracts", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext  actorContext   `json:"actor_context"`
				NegotiationID string         `json:"negotiation_id"`
				Terms         contract.Terms `json:"terms"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			c, err := contracts.Create(r.Context(), req.ActorContext.ActorID, req.NegotiationID, req.Terms)
			if err != nil {
				// A failed deployment still produced a retryable draft.
				if apperr.IsKind(err, apperr.ExternalService) && c.ContractID != "" {
					httpx.WriteJSON(w, 502, map[string]any{
						"request_id": httpx.NewRequestID(),
						"contract":   c,
						"error":      map[string]any{"code": "EXTERNAL_SERVICE_ERROR", "message": err.Error(), "retryable": true},
					})
					return
				}
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "contract": c})
		})

		api.Get("/contracts/{contract_id}", func(w http.ResponseWriter, r *http.Request) {
			c, err := contracts.Get(r.Context(), chi.URLParam(r, "contract_id"))
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "contract": c})
		})

		api.Get("/contracts/{contract_id}/events", func(w http.ResponseWriter, r *http.Request) {
			events, err := contracts.Events(r.Context(), chi.URLParam(r, "contract_id"))
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "events": events})
		})

		api.Post("/contracts/{contract_id}/deploy:retry", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext actorContext `json:"actor_context"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			c, err := contracts.RetryDeployment(r.Context(), req.ActorContext.ActorID, chi.URLParam(r, "contract_id"))
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "contract": c})
		})

		api.Post("/contracts/{contract_id}/sign", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext actorContext `json:"actor_context"`
				Role         string       `json:"role"`
				Signature    string       `json:"signature"`
				SignerAddr   string       `json:"signer_addr"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			c, err := contracts.Sign(r.Context(), req.ActorContext.ActorID, chi.URLParam(r, "contract_id"), req.Role, req.Signature, req.SignerAddr)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "contract": c})
		})

		api.Post("/contracts/{contract_id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext actorContext `json:"actor_context"`
				Status       string       `json:"status"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			c, err := contracts.Cancel(r.Context(), req.ActorContext.ActorID, chi.URLParam(r, "contract_id"), req.Status)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "contract": c})
		})

		api.Post("/payments", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext actorContext `json:"actor_context"`
				ContractID   string       `json:"contract_id"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			p, err := machine.CreateOrder(r.Context(), req.ActorContext.ActorID, req.ContractID)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "payment": p})
		})

		api.Get("/payments/{payment_id}", func(w http.ResponseWriter, r *http.Request) {
			p, err := machine.Get(r.Context(), chi.URLParam(r, "payment_id"))
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "payment": p})
		})

		api.Get("/payments/{payment_id}/timeline", func(w http.ResponseWriter, r *http.Request) {
			timeline, err := payStore.Timeline(r.Context(), chi.URLParam(r, "payment_id"))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "timeline": timeline})
		})

		api.Post("/payments/{payment_id}/verify", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				GatewayPaymentID string `json:"gateway_payment_id"`
				Signature        string `json:"signature"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			p, err := machine.Verify(r.Context(), chi.URLParam(r, "payment_id"), req.GatewayPaymentID, req.Signature)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "payment": p})
		})

		api.Post("/payments/{payment_id}/confirm-delivery", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext      actorContext `json:"actor_context"`
				DeliveryConfirmed bool         `json:"delivery_confirmed"`
				QualityApproved   bool         `json:"quality_approved"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			p, err := machine.ConfirmDelivery(r.Context(), req.ActorContext.ActorID, chi.URLParam(r, "payment_id"), req.DeliveryConfirmed, req.QualityApproved)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "payment": p})
		})

		api.Post("/payments/{payment_id}/release", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext actorContext `json:"actor_context"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			p, err := machine.Release(r.Context(), req.ActorContext.ActorID, req.ActorContext.admin(), chi.URLParam(r, "payment_id"))
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "payment": p})
		})

		api.Post("/payments/{payment_id}/refund", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorContext actorContext `json:"actor_context"`
				Note         string       `json:"note"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			p, err := machine.Refund(r.Context(), req.ActorContext.ActorID, req.ActorContext.admin(), chi.URLParam(r, "payment_id"), req.Note)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "payment": p})
		})
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	log.Printf("deal engine listening on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
