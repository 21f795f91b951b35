package services

import (
	"fmt"
	"math"

	"multichat_go_backend/internal/catalog"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeService creates checkout sessions for tier upgrades and
// verifies the webhook events that finally trigger the tier change.
// Payment processing itself stays on Stripe's side; the core only
// reacts to the external trigger.
type StripeService struct {
	publicKey     string
	secretKey     string
	webhookSecret string
}

func NewStripeService(publicKey, secretKey, webhookSecret string) *StripeService {
	stripe.Key = secretKey
	return &StripeService{
		publicKey:     publicKey,
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
	}
}

// CreateTierCheckoutSession starts a checkout for the given tier. The
// external user id travels in the metadata so the webhook can apply
// the upgrade to the right user.
func (s *StripeService) CreateTierCheckoutSession(externalID, tierKey string) (*stripe.CheckoutSession, error) {
	tier, ok := catalog.Tiers[tierKey]
	if !ok {
		return nil, fmt.Errorf("unknown tier: %s", tierKey)
	}
	if tier.PriceUSD <= 0 {
		return nil, fmt.Errorf("tier %s is not purchasable", tierKey)
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{
			"card",
		}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String("usd"),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%s tier (monthly)", tier.Name)),
					},
					UnitAmount: stripe.Int64(int64(math.Round(tier.PriceUSD * 100))),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String("https://yourapp.com/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String("https://yourapp.com/cancel"),
		ClientReferenceID: stripe.String(externalID),
		Metadata: map[string]string{
			"external_id": externalID,
			"tier":        tierKey,
		},
	}

	return session.New(params)
}

// HandleWebhook verifies the event signature against the configured
// signing secret.
func (s *StripeService) HandleWebhook(payload []byte, signatureHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, signatureHeader, s.webhookSecret)
}
