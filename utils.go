package affiliate

import (
	"fmt"
	"net/url"
	"strings"
)

const RegisterResource = "register"

// BuildReferralURL returns the action URL an affiliate shares:
// <scheme>:<escaped purchase URL carrying the affiliate id>.
func BuildReferralURL(scheme, publicURL, affiliateID string) string {
	purchase := strings.TrimRight(publicURL, "/") + "/affiliate_buy_tokens?affiliate_id=" + url.QueryEscape(affiliateID)
	return scheme + ":" + url.QueryEscape(purchase)
}

// RegistrationMessage is the human readable text returned on registration.
func RegistrationMessage(referralURL string) string {
	return "Affiliate registered successfully! Your Solana Blink URL is: " + referralURL
}

// ParseAffiliateURI unescapes and parses an affiliate://<target> URI and
// returns target, which is either RegisterResource or an affiliate id.
func ParseAffiliateURI(escaped string) (string, error) {
	uriString, err := url.QueryUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("invalid uri encoding")
	}
	uri, err := url.Parse(uriString)
	if err != nil {
		return "", fmt.Errorf("invalid uri")
	}

	if uri.Scheme != URIScheme {
		return "", fmt.Errorf("unsupported uri scheme")
	}

	target := uri.Host
	if target == "" {
		target = strings.TrimPrefix(uri.Opaque, "//")
	}
	if target == "" {
		return "", fmt.Errorf("uri has no target")
	}
	return target, nil
}

// ComposeAffiliateURI is the inverse of ParseAffiliateURI.
func ComposeAffiliateURI(target string) string {
	u := &url.URL{
		Scheme: URIScheme,
		Host:   target,
	}
	return u.String()
}
