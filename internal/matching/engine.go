// Package matching scores active waste listings against a material request.
// Scoring is a pure function of its inputs: identical inputs always produce
// identical results, so a recompute can blindly replace the cached match list.
package matching

import (
	"fmt"
	"sort"
)

type Request struct {
	RequestID       string
	BuyerID         string
	Category        string
	QuantityKg      int64
	Budget          int64
	PreferredCities []string
	Urgency         string
	Frequency       string
}

type Listing struct {
	ListingID  string
	SellerID   string
	Category   string
	QuantityKg int64
	Price      int64
	City       string
	Urgency    string
	Frequency  string
	Active     bool
}

type Match struct {
	ListingID string
	Score     float64
	Reasons   []string
}

const maxResults = 10

// categoryForRequest maps buyer-side material categories onto the seller-side
// waste categories they are satisfied by.
var categoryForRequest = map[string]string{
	"Plastic Materials":      "Plastic Waste",
	"Metal Materials":        "Metal Scrap",
	"Paper Materials":        "Paper Waste",
	"Chemical Materials":     "Chemical Waste",
	"Organic Materials":      "Organic Waste",
	"Electronic Materials":   "E-Waste",
	"Textile Materials":      "Textile Waste",
	"Glass Materials":        "Glass Waste",
	"Rubber Materials":       "Rubber Waste",
	"Construction Materials": "Construction Debris",
}

func mappedCategory(requestCategory string) string {
	if c, ok := categoryForRequest[requestCategory]; ok {
		return c
	}
	return requestCategory
}

// Rank filters and scores the listing pool against one request and returns
// the top candidates, highest score first, ties broken by ascending listing
// ID for reproducibility.
func Rank(req Request, pool []Listing) []Match {
	wanted := mappedCategory(req.Category)
	var out []Match
	for _, l := range pool {
		if !l.Active {
			continue
		}
		if l.Category != wanted {
			continue
		}
		if req.QuantityKg > 0 && l.QuantityKg*2 < req.QuantityKg {
			continue
		}
		if req.Budget > 0 && l.Price*10 > req.Budget*12 {
			continue
		}
		if len(req.PreferredCities) > 0 && !contains(req.PreferredCities, l.City) {
			continue
		}
		out = append(out, score(req, l))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ListingID < out[j].ListingID
	})
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

func score(req Request, l Listing) Match {
	m := Match{ListingID: l.ListingID}

	// Category already filtered to the mapped match.
	m.Score += 40
	m.Reasons = append(m.Reasons, fmt.Sprintf("category %q matches requested %q", l.Category, req.Category))

	ratio := 1.0
	if req.QuantityKg > 0 {
		ratio = float64(l.QuantityKg) / float64(req.QuantityKg)
		if ratio > 1 {
			ratio = 1
		}
	}
	m.Score += ratio * 20
	if l.QuantityKg >= req.QuantityKg {
		m.Reasons = append(m.Reasons, "quantity fully covers the request")
	} else {
		m.Reasons = append(m.Reasons, fmt.Sprintf("quantity covers %.0f%% of the request", ratio*100))
	}

	if req.Budget > 0 && l.Price <= req.Budget {
		headroom := float64(req.Budget-l.Price) / float64(req.Budget)
		m.Score += headroom * 20
		if l.Price < req.Budget {
			m.Reasons = append(m.Reasons, fmt.Sprintf("price is %.0f%% under budget", headroom*100))
		}
	}

	if len(req.PreferredCities) > 0 && contains(req.PreferredCities, l.City) {
		m.Score += 10
		m.Reasons = append(m.Reasons, fmt.Sprintf("located in preferred city %s", l.City))
	}

	if req.Urgency != "" && l.Urgency == req.Urgency {
		m.Score += 5
		m.Reasons = append(m.Reasons, "urgency matches")
	}
	if req.Frequency != "" && l.Frequency == req.Frequency {
		m.Score += 5
		m.Reasons = append(m.Reasons, "supply frequency matches")
	}
	return m
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
