// AngelaMos | 2026
// provider_test.go

package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"

	"github.com/carterperez-dev/entitlement-engine/internal/retry"
)

type stripeStub struct {
	status int
	body   string
	paths  []string
	forms  []string
}

func (s *stripeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	s.paths = append(s.paths, r.Method+" "+r.URL.Path)
	s.forms = append(s.forms, r.PostForm.Get("cancel_at_period_end"))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(s.status)
	_, _ = w.Write([]byte(s.body))
}

func newStubProvider(t *testing.T, stub *stripeStub) *StripeProvider {
	t.Helper()

	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})

	return NewStripeProvider("sk_test_123", WithBackends(&stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	}))
}

func TestStripeProviderSetsCancelFlag(t *testing.T) {
	stub := &stripeStub{
		status: http.StatusOK,
		body:   `{"id":"sub_1","object":"subscription","cancel_at_period_end":true}`,
	}
	p := newStubProvider(t, stub)

	require.NoError(t, p.SetCancelAtPeriodEnd(context.Background(), "sub_1", true))
	require.NoError(t, p.SetCancelAtPeriodEnd(context.Background(), "sub_1", false))

	assert.Equal(t, []string{
		"POST /v1/subscriptions/sub_1",
		"POST /v1/subscriptions/sub_1",
	}, stub.paths)
	assert.Equal(t, []string{"true", "false"}, stub.forms)
}

func TestStripeProviderErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   retry.Kind
	}{
		{
			name:   "card declined",
			status: http.StatusPaymentRequired,
			body:   `{"error":{"type":"card_error","message":"Your card was declined."}}`,
			want:   retry.KindPayment,
		},
		{
			name:   "provider outage",
			status: http.StatusInternalServerError,
			body:   `{"error":{"type":"api_error","message":"boom"}}`,
			want:   retry.KindServer,
		},
		{
			name:   "bad key",
			status: http.StatusUnauthorized,
			body:   `{"error":{"type":"invalid_request_error","message":"Invalid API Key"}}`,
			want:   retry.KindAuthentication,
		},
		{
			name:   "unknown subscription",
			status: http.StatusNotFound,
			body:   `{"error":{"type":"invalid_request_error","message":"No such subscription"}}`,
			want:   retry.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newStubProvider(t, &stripeStub{status: tt.status, body: tt.body})

			err := p.SetCancelAtPeriodEnd(context.Background(), "sub_1", true)
			require.Error(t, err)
			assert.Equal(t, tt.want, retry.Classify(err))
		})
	}
}
