// AngelaMos | 2026
// provider.go

package billing

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// StripeProvider pushes user-initiated cancellation changes to Stripe.
type StripeProvider struct {
	api *client.API
}

type ProviderOption func(*stripe.Backends)

// WithBackends points the client at non-default Stripe backends.
func WithBackends(b *stripe.Backends) ProviderOption {
	return func(dst *stripe.Backends) { *dst = *b }
}

func NewStripeProvider(secretKey string, opts ...ProviderOption) *StripeProvider {
	var backends *stripe.Backends
	if len(opts) > 0 {
		backends = &stripe.Backends{}
		for _, o := range opts {
			o(backends)
		}
	}
	return &StripeProvider{api: client.New(secretKey, backends)}
}

func (p *StripeProvider) SetCancelAtPeriodEnd(
	ctx context.Context,
	externalSubscriptionID string,
	cancel bool,
) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	params.Context = ctx

	if _, err := p.api.Subscriptions.Update(externalSubscriptionID, params); err != nil {
		return fmt.Errorf("stripe update subscription %s: %w", externalSubscriptionID, err)
	}
	return nil
}
