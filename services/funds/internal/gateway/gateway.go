// Package gateway is the payment-gateway boundary for fiat deposits. Signatures follow the
// hex HMAC-SHA256 scheme used by common Indian payment gateways: payments sign
// "order_id|payment_id" with the key secret, webhooks sign the raw body with the webhook secret.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/shopspring/decimal"
)

const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventRefundProcessed = "refund.processed"
)

type Order struct {
	ID       string          `json:"id"`
	KeyID    string          `json:"key_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Receipt  string          `json:"receipt"`
}

type Gateway interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string) (Order, error)
	VerifyPaymentSignature(orderID, paymentID, signature string) bool
	VerifyWebhookSignature(payload []byte, signature string) bool
}

// OrderCreator places the order with the upstream gateway. A nil creator issues local order ids.
type OrderCreator func(ctx context.Context, amount decimal.Decimal, currency, receipt string) (string, error)

type HMACGateway struct {
	keyID         string
	keySecret     []byte
	webhookSecret []byte
	create        OrderCreator
}

func NewHMACGateway(keyID, keySecret, webhookSecret string, create OrderCreator) (*HMACGateway, error) {
	if keySecret == "" {
		return nil, apperr.Validation("gateway key secret is required")
	}
	if webhookSecret == "" {
		webhookSecret = keySecret
	}
	return &HMACGateway{
		keyID:         keyID,
		keySecret:     []byte(keySecret),
		webhookSecret: []byte(webhookSecret),
		create:        create,
	}, nil
}

func (g *HMACGateway) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string) (Order, error) {
	if !amount.IsPositive() {
		return Order{}, apperr.Validation("amount must be positive")
	}
	order := Order{KeyID: g.keyID, Amount: amount, Currency: strings.ToUpper(currency), Receipt: receipt}
	if g.create == nil {
		order.ID = "order_" + sign(g.keySecret, []byte(receipt))[:14]
		return order, nil
	}
	id, err := g.create(ctx, amount, order.Currency, receipt)
	if err != nil {
		return Order{}, err
	}
	order.ID = id
	return order, nil
}

func (g *HMACGateway) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	if orderID == "" || paymentID == "" {
		return false
	}
	return equal(sign(g.keySecret, []byte(orderID+"|"+paymentID)), signature)
}

func (g *HMACGateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	if len(payload) == 0 {
		return false
	}
	return equal(sign(g.webhookSecret, payload), signature)
}

// PaymentSignature computes the signature the gateway sends back after checkout.
func (g *HMACGateway) PaymentSignature(orderID, paymentID string) string {
	return sign(g.keySecret, []byte(orderID+"|"+paymentID))
}

func (g *HMACGateway) WebhookSignature(payload []byte) string {
	return sign(g.webhookSecret, payload)
}

func sign(secret, msg []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

func equal(expected, got string) bool {
	got = strings.ToLower(strings.TrimSpace(got))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

type Event struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity PaymentEntity `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity RefundEntity `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

type PaymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Status           string `json:"status"`
	ErrorDescription string `json:"error_description"`
}

type RefundEntity struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
}

func ParseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, apperr.Validation("malformed webhook payload")
	}
	if ev.Event == "" {
		return Event{}, apperr.Validation("webhook event is required")
	}
	return ev, nil
}
