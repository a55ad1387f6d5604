package affiliate

import (
	"encoding/json"
	"time"
)

const (
	ServiceVersion = "1.0"
	URIScheme      = "affiliate"
)

// WellKnownAffiliate is the service descriptor served at
// /.well-known/affiliate.
type WellKnownAffiliate struct {
	Version   string                       `json:"version"`
	Domain    string                       `json:"domain"`
	Endpoints map[string]AffiliateEndpoint `json:"endpoints"`
}

type AffiliateEndpoint struct {
	Template string    `json:"template"`
	Method   string    `json:"method"`
	Query    *[]string `json:"query,omitempty"`
}

// PurchaseRequest keeps Amount raw so a missing or non-numeric amount can
// be told apart from zero.
type PurchaseRequest struct {
	Amount      json.RawMessage `json:"amount"`
	AffiliateID string          `json:"affiliate_id,omitempty"`
}

type PurchaseResponse struct {
	Transaction        string   `json:"transaction"`
	Commission         *float64 `json:"commission,omitempty"`
	CommissionRecorded *bool    `json:"commission_recorded,omitempty"`
	CommissionError    string   `json:"commission_error,omitempty"`
}

type CommissionRequest struct {
	AffiliateID string   `json:"affiliate_id"`
	ICOID       string   `json:"ico_id"`
	Amount      *float64 `json:"amount"`
	Commission  *float64 `json:"commission"`
	ClientIP    string   `json:"client_ip,omitempty"`
}

type CommissionResponse struct {
	Success    bool      `json:"success"`
	Commission float64   `json:"commission"`
	Timestamp  time.Time `json:"timestamp"`
}

type RegistrationResponse struct {
	Message     string `json:"message"`
	AffiliateID string `json:"affiliate_id"`
	BlinkURL    string `json:"blink_url"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type HealthCheck struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Checks    map[string]HealthCheck `json:"checks"`
	Failing   []string               `json:"failing,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type MetricsResponse struct {
	TotalAffiliates       int       `json:"total_affiliates"`
	TotalCommissions      int       `json:"total_commissions"`
	TotalCommissionAmount float64   `json:"total_commission_amount"`
	Timestamp             time.Time `json:"timestamp"`
}

// LedgerEvent is published after a ledger mutation has been persisted.
type LedgerEvent struct {
	Type        string    `json:"type"`
	AffiliateID string    `json:"affiliate_id"`
	ICOID       string    `json:"ico_id,omitempty"`
	Amount      float64   `json:"amount,omitempty"`
	Commission  float64   `json:"commission,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
