// Package leaderboard ranks users by total assets (cash plus holdings
// valued at the current market price).
package leaderboard

import (
	"fmt"
	"sort"
	"strings"
)

// UserBalance pairs a user with their cash balance.
type UserBalance struct {
	UserID  string
	Balance float64
}

// HoldingValue is one position to be valued at the current price.
type HoldingValue struct {
	UserID   string
	Symbol   string
	Quantity int64
}

// Entry is one ranked row.
type Entry struct {
	UserID         string   `json:"user_id"`
	Balance        float64  `json:"balance"`
	HoldingsValue  float64  `json:"holdings_value"`
	Total          float64  `json:"total"`
	MissingSymbols []string `json:"missing_symbols,omitempty"`
}

func clampTopN(topN int) int {
	if topN < 1 {
		return 1
	}
	if topN > 50 {
		return 50
	}
	return topN
}

// Compute values every user's holdings at prices and returns the top-N by
// total, ties broken by user id. A symbol with no known price counts as
// zero and is reported in MissingSymbols.
func Compute(users []UserBalance, holdings []HoldingValue, prices map[string]float64, topN int) []Entry {
	limit := clampTopN(topN)

	byUser := make(map[string]*Entry, len(users))
	missing := make(map[string]map[string]struct{})
	for _, u := range users {
		byUser[u.UserID] = &Entry{
			UserID:  u.UserID,
			Balance: u.Balance,
			Total:   u.Balance,
		}
	}

	for _, h := range holdings {
		e, ok := byUser[h.UserID]
		if !ok || h.Quantity <= 0 {
			continue
		}
		price, ok := prices[h.Symbol]
		if !ok {
			if missing[h.UserID] == nil {
				missing[h.UserID] = make(map[string]struct{})
			}
			missing[h.UserID][h.Symbol] = struct{}{}
			continue
		}
		value := float64(h.Quantity) * price
		e.HoldingsValue += value
		e.Total = e.Balance + e.HoldingsValue
	}

	entries := make([]Entry, 0, len(byUser))
	for _, e := range byUser {
		if m := missing[e.UserID]; len(m) > 0 {
			syms := make([]string, 0, len(m))
			for s := range m {
				syms = append(syms, s)
			}
			sort.Strings(syms)
			e.MissingSymbols = syms
		}
		entries = append(entries, *e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Total != entries[j].Total {
			return entries[i].Total > entries[j].Total
		}
		return entries[i].UserID < entries[j].UserID
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// Format renders the ranking as the text block the chat frontend posts.
func Format(entries []Entry, header string) string {
	var b strings.Builder
	if header == "" {
		header = "Total asset ranking (at current prices)"
	}
	b.WriteString(header)

	allMissing := make(map[string]struct{})
	for i, e := range entries {
		fmt.Fprintf(&b, "\n%d. %s  total: %.2f  cash: %.2f  holdings: %.2f",
			i+1, e.UserID, e.Total, e.Balance, e.HoldingsValue)
		for _, s := range e.MissingSymbols {
			allMissing[s] = struct{}{}
		}
	}

	if len(allMissing) > 0 {
		syms := make([]string, 0, len(allMissing))
		for s := range allMissing {
			syms = append(syms, s)
		}
		sort.Strings(syms)
		fmt.Fprintf(&b, "\nnote: no price for %s, counted as 0", strings.Join(syms, ", "))
	}
	return b.String()
}
