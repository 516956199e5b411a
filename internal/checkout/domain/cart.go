package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// LineItem is one cart line with the unit price captured when the cart was submitted.
type LineItem struct {
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Subtotal returns quantity * unit price.
func (l LineItem) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is an ordered snapshot of line items. It is treated as immutable once
// submitted for checkout.
type Cart struct {
	Currency string     `json:"currency"`
	Items    []LineItem `json:"items"`
}

// PaymentMethod is an opaque reference to a stored payment instrument.
type PaymentMethod string

// Known reports whether the method has a recognised shape ("pm_" or "tok_").
func (m PaymentMethod) Known() bool {
	return strings.HasPrefix(string(m), "pm_") || strings.HasPrefix(string(m), "tok_")
}

// AlwaysDeclines marks test instruments the simulated gateways decline.
func (m PaymentMethod) AlwaysDeclines() bool {
	return strings.HasPrefix(string(m), "tok_decline")
}

// Validate checks the cart shape. Errors wrap ErrInvalidCart.
func (c Cart) Validate() error {
	if len(c.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidCart)
	}
	if len(strings.TrimSpace(c.Currency)) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidCart)
	}
	seen := make(map[string]struct{}, len(c.Items))
	for i, item := range c.Items {
		if strings.TrimSpace(item.SKU) == "" {
			return fmt.Errorf("%w: item %d has no sku", ErrInvalidCart, i)
		}
		if _, dup := seen[item.SKU]; dup {
			return fmt.Errorf("%w: sku %s listed twice", ErrInvalidCart, item.SKU)
		}
		seen[item.SKU] = struct{}{}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: sku %s quantity must be positive", ErrInvalidCart, item.SKU)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: sku %s has a negative price", ErrInvalidCart, item.SKU)
		}
	}
	return nil
}

// Total sums every line subtotal.
func (c Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// Clone returns a deep copy so the caller's slice can't alias the order snapshot.
func (c Cart) Clone() Cart {
	items := make([]LineItem, len(c.Items))
	copy(items, c.Items)
	return Cart{Currency: c.Currency, Items: items}
}

// Fingerprint hashes the cart and payment method. Two requests sharing an
// idempotency key must carry the same fingerprint.
func Fingerprint(cart Cart, method PaymentMethod) string {
	h := sha256.New()
	writeField := func(s string) {
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{':'})
		h.Write([]byte(s))
	}
	writeField(strings.ToUpper(cart.Currency))
	writeField(string(method))
	for _, item := range cart.Items {
		writeField(item.SKU)
		writeField(strconv.Itoa(item.Quantity))
		writeField(item.UnitPrice.String())
	}
	return hex.EncodeToString(h.Sum(nil))
}
