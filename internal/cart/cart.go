// Package cart seals a client-held cart with a keyed integrity tag so the
// server can trust its contents and age when an order is placed.
package cart

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// DefaultMaxAge is how long a sealed cart stays valid
const DefaultMaxAge = 7 * 24 * time.Hour

// ErrNoSecret is returned by Seal when no signing key is configured
var ErrNoSecret = errors.New("cart secret not configured")

// Item is one product and quantity in a cart
type Item struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required"`
}

// Cart is the client-held basket. Prices are never part of it.
type Cart struct {
	Items    []Item    `json:"items"`
	IssuedAt time.Time `json:"issued_at"`
}

// IsEmpty reports whether the cart holds no items
func (c Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// Seal encodes the cart as base64url(json) "." base64url(hmac-sha256)
func (c Cart) Seal(secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrNoSecret
	}
	if c.IssuedAt.IsZero() {
		c.IssuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(c)
	if err != nil {
		return "", err
	}

	payload := base64.RawURLEncoding.EncodeToString(body)
	return payload + "." + base64.RawURLEncoding.EncodeToString(sign(secret, payload)), nil
}

// Open verifies and decodes a sealed cart. Any failure (bad encoding, bad
// tag, issued in the future or older than maxAge) yields an empty cart.
func Open(token string, secret []byte, now time.Time, maxAge time.Duration) Cart {
	if len(secret) == 0 || token == "" {
		return Cart{}
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	payload, tag, ok := strings.Cut(token, ".")
	if !ok {
		return Cart{}
	}
	got, err := base64.RawURLEncoding.DecodeString(tag)
	if err != nil || !hmac.Equal(got, sign(secret, payload)) {
		return Cart{}
	}

	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Cart{}
	}
	var c Cart
	if err := json.Unmarshal(body, &c); err != nil {
		return Cart{}
	}

	if c.IssuedAt.IsZero() || c.IssuedAt.After(now.Add(time.Minute)) || now.Sub(c.IssuedAt) > maxAge {
		return Cart{}
	}
	return c
}

func sign(secret []byte, payload string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
