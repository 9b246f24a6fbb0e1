package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Address is a postal address as negotiated by a wallet session.
type Address struct {
	Street    []string `json:"street,omitempty"`
	FirstName string   `json:"firstname,omitempty"`
	LastName  string   `json:"lastname,omitempty"`
	City      string   `json:"city,omitempty"`
	Region    string   `json:"region,omitempty"`
	Postcode  string   `json:"postcode"`
	CountryID string   `json:"country_id"`
	Email     string   `json:"email,omitempty"`
	Telephone string   `json:"telephone,omitempty"`
}

// Normalize upper-cases the country and trims the postcode.
func (a Address) Normalize() Address {
	a.CountryID = strings.ToUpper(strings.TrimSpace(a.CountryID))
	a.Postcode = strings.TrimSpace(a.Postcode)
	return a
}

// ShippingMethod is one estimate returned by the order system.
type ShippingMethod struct {
	PriceInclTax decimal.Decimal `json:"price_incl_tax"`
	CarrierCode  string          `json:"carrier_code"`
	MethodCode   string          `json:"method_code"`
	CarrierTitle string          `json:"carrier_title"`
	MethodTitle  string          `json:"method_title"`
	Available    bool            `json:"available"`
}

// ShippingSelection identifies the method chosen for a quote.
type ShippingSelection struct {
	CarrierCode string
	MethodCode  string
}

// ShippingInformation is saved onto a quote before authorization.
type ShippingInformation struct {
	ShippingAddress Address
	BillingAddress  Address
	Selection       ShippingSelection
}

// CartTotals are the recomputed quote totals for a shipping selection.
type CartTotals struct {
	BaseGrandTotal decimal.Decimal
	ShippingAmount decimal.Decimal
	Currency       string
}

// WalletAuthorizationPayload is produced at the end of a wallet session.
type WalletAuthorizationPayload struct {
	ShippingAddress Address
	BillingAddress  Address
	WalletMethodID  string
	CardToken       string
	ShippingMethod  string // method code chosen in the wallet sheet
	QuoteID         int64
}

// WithContactFallback copies email and telephone from the shipping contact
// into the billing address when the wallet omits them for billing.
func (p WalletAuthorizationPayload) WithContactFallback() WalletAuthorizationPayload {
	if p.BillingAddress.Email == "" {
		p.BillingAddress.Email = p.ShippingAddress.Email
	}
	if p.BillingAddress.Telephone == "" {
		p.BillingAddress.Telephone = p.ShippingAddress.Telephone
	}
	return p
}
