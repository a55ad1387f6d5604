package domain

// Config carries the affiliate knobs usecases need at request time.
type Config struct {
	CommissionRate    float64
	DefaultICOID      string
	PublicURL         string
	ReferralScheme    string
	MaxPurchaseAmount float64
}
