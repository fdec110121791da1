// AngelaMos | 2026
// classify.go

package retry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v79"

	"github.com/carterperez-dev/entitlement-engine/internal/core"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuthentication
	KindAuthorization
	KindValidation
	KindServer
	KindPayment
	KindQuotaExceeded
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindServer:
		return "server"
	case KindPayment:
		return "payment"
	case KindQuotaExceeded:
		return "quota_exceeded"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt could succeed. Unknown errors
// are not retried.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindServer
}

type kinded interface {
	RetryKind() Kind
}

type markedError struct {
	kind Kind
	err  error
}

func (e *markedError) Error() string   { return e.err.Error() }
func (e *markedError) Unwrap() error   { return e.err }
func (e *markedError) RetryKind() Kind { return e.kind }

// Mark attaches an explicit kind to err, overriding classification.
func Mark(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &markedError{kind: kind, err: err}
}

// StatusError carries an upstream HTTP status for classification.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return http.StatusText(e.StatusCode) + ": " + e.Err.Error()
	}
	return http.StatusText(e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Classify maps err onto the failure taxonomy. Anything it cannot
// recognise is KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var k kinded
	if errors.As(err, &k) {
		return k.RetryKind()
	}

	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, redis.ErrPoolTimeout) ||
		errors.Is(err, redis.ErrClosed) {
		return KindNetwork
	}

	if kind, ok := classifyPostgres(err); ok {
		return kind
	}

	if kind, ok := classifySQLite(err); ok {
		return kind
	}

	if kind, ok := classifyStripe(err); ok {
		return kind
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return FromStatus(statusErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	switch {
	case errors.Is(err, core.ErrNotFound),
		errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, core.ErrDuplicateKey):
		return KindValidation
	case errors.Is(err, core.ErrUnauthorized),
		errors.Is(err, core.ErrTokenExpired),
		errors.Is(err, core.ErrTokenInvalid):
		return KindAuthentication
	case errors.Is(err, core.ErrForbidden):
		return KindAuthorization
	}

	return KindUnknown
}

// FromStatus classifies an HTTP status code.
func FromStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized:
		return KindAuthentication
	case code == http.StatusForbidden:
		return KindAuthorization
	case code == http.StatusPaymentRequired:
		return KindPayment
	case code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout,
		code >= http.StatusInternalServerError:
		return KindServer
	case code >= http.StatusBadRequest:
		return KindValidation
	default:
		return KindUnknown
	}
}

func classifyPostgres(err error) (Kind, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if pgconn.SafeToRetry(err) {
			return KindNetwork, true
		}
		return KindUnknown, false
	}

	code := pgErr.Code
	switch {
	case strings.HasPrefix(code, "08"):
		return KindNetwork, true
	case code == "40001", code == "40P01":
		return KindServer, true
	case strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57P0"):
		return KindServer, true
	case code == "42501":
		return KindAuthorization, true
	case strings.HasPrefix(code, "28"):
		return KindAuthentication, true
	case strings.HasPrefix(code, "23"), strings.HasPrefix(code, "22"):
		return KindValidation, true
	default:
		return KindUnknown, true
	}
}

func classifySQLite(err error) (Kind, bool) {
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return KindUnknown, false
	}

	switch sqErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return KindServer, true
	case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig:
		return KindValidation, true
	case sqlite3.ErrPerm, sqlite3.ErrAuth:
		return KindAuthorization, true
	case sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
		return KindNetwork, true
	default:
		return KindUnknown, true
	}
}

func classifyStripe(err error) (Kind, bool) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return KindUnknown, false
	}

	if stripeErr.Type == stripe.ErrorTypeCard {
		return KindPayment, true
	}

	if stripeErr.HTTPStatusCode == 0 {
		return KindNetwork, true
	}

	return FromStatus(stripeErr.HTTPStatusCode), true
}
