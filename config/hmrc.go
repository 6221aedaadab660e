package config

import (
	"os"
	"strings"
	"time"
)

// HmrcConfig carries everything the MTD client needs to talk to HMRC.
// Environment selection (sandbox vs production) happens here, not in the client:
// the client only ever sees the resolved base URLs.
type HmrcConfig struct {
	APIBaseURL  string
	AuthBaseURL string

	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// Vendor identity sent in the fraud-prevention header set.
	ProductName    string
	ProductVersion string
	LicenseID      string

	// ServerPublicIP is the egress IP HMRC sees for Gov-Vendor-Public-IP.
	ServerPublicIP string

	HTTPTimeout time.Duration
}

const (
	hmrcSandboxBaseURL    = "https://test-api.service.hmrc.gov.uk"
	hmrcProductionBaseURL = "https://api.service.hmrc.gov.uk"
)

// LoadHmrcConfig reads HMRC settings from env. Defaults target the sandbox so a
// misconfigured deploy can never submit live returns by accident.
func LoadHmrcConfig() HmrcConfig {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("HMRC_ENVIRONMENT")))

	base := hmrcSandboxBaseURL
	if env == "production" {
		base = hmrcProductionBaseURL
	}
	if v := strings.TrimSpace(os.Getenv("HMRC_API_BASE_URL")); v != "" {
		base = strings.TrimRight(v, "/")
	}
	authBase := base
	if v := strings.TrimSpace(os.Getenv("HMRC_AUTH_BASE_URL")); v != "" {
		authBase = strings.TrimRight(v, "/")
	}

	scopes := []string{"read:self-assessment", "write:self-assessment"}
	if v := strings.TrimSpace(os.Getenv("HMRC_SCOPES")); v != "" {
		scopes = strings.Fields(v)
	}

	timeout := 30 * time.Second
	if n := intFromEnv("HMRC_HTTP_TIMEOUT_SECONDS", 0); n > 0 {
		timeout = time.Duration(n) * time.Second
	}

	productName := strings.TrimSpace(os.Getenv("HMRC_PRODUCT_NAME"))
	if productName == "" {
		productName = "finfolio-selfassess"
	}
	productVersion := strings.TrimSpace(os.Getenv("HMRC_PRODUCT_VERSION"))
	if productVersion == "" {
		productVersion = "1.0.0"
	}

	return HmrcConfig{
		APIBaseURL:     base,
		AuthBaseURL:    authBase,
		ClientID:       os.Getenv("HMRC_CLIENT_ID"),
		ClientSecret:   os.Getenv("HMRC_CLIENT_SECRET"),
		RedirectURI:    os.Getenv("HMRC_REDIRECT_URI"),
		Scopes:         scopes,
		ProductName:    productName,
		ProductVersion: productVersion,
		LicenseID:      os.Getenv("HMRC_LICENSE_ID"),
		ServerPublicIP: os.Getenv("HMRC_SERVER_PUBLIC_IP"),
		HTTPTimeout:    timeout,
	}
}
