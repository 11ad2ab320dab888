package provider

import "strconv"

// PriceTable maps provider price identifiers to the number of credits a
// purchase of that price grants.
type PriceTable map[string]int64

// CreditsFor resolves the credit amount for an event's metadata. The price
// table wins; a "credits" metadata value set at checkout time is the
// fallback. Returns 0 when the purchase cannot be priced, in which case the
// payment stays uncredited until the table is updated and a sweep repairs it.
func (t PriceTable) CreditsFor(priceID string, metadata map[string]string) int64 {
	if priceID != "" {
		if credits, ok := t[priceID]; ok {
			return credits
		}
	}
	if raw, ok := metadata["credits"]; ok {
		if credits, err := strconv.ParseInt(raw, 10, 64); err == nil && credits > 0 {
			return credits
		}
	}
	return 0
}
