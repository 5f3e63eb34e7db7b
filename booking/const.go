package booking

const (
	// MetadataKeyType tags a PaymentIntent with the kind of purchase so
	// reporting can tell lesson payments apart from other products.
	MetadataKeyType        = "type"
	MetadataLessonsPayment = "lessons-payment"

	// MetadataKeyFirstLesson records the lesson that brought the
	// customer in at signup time.
	MetadataKeyFirstLesson = "first_lesson"
)

// PaymentMethodPolicy decides which attached payment method an
// authorization charges when a customer has more than one on file.
// Stripe lists payment methods in its own order, so the policy is in
// terms of list position rather than chronology.
type PaymentMethodPolicy string

const (
	// PolicyLastListed charges the final payment method of the listed
	// page. This is the default.
	PolicyLastListed PaymentMethodPolicy = "LastListed"
	// PolicyFirstListed charges the first payment method of the listed
	// page.
	PolicyFirstListed PaymentMethodPolicy = "FirstListed"
)
