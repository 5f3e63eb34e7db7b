package response

import (
	"errors"

	"github.com/stripe/stripe-go/v78"
)

// FromStripe translates an upstream Stripe failure into the wire Error.
// Stripe errors surface as HTTP 400 carrying Stripe's own code and
// message; anything else is reported as unexpected.
func FromStripe(err error) *Error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return ErrBadRequest().
			WithCode(string(stripeErr.Code)).
			WithMessage(stripeErr.Msg)
	}
	return ErrUnexpected().WithMessage(err.Error())
}
