package store

import "time"

// Lead is the read-only projection of a lead the translator needs.
type Lead struct {
	ID            string
	CompanyID     string
	DestinationID string // bound destination row id; empty means company default
	Name          string
	Email         string
	Phone         string
	Fingerprint   string
	UTMSource     string
	UTMMedium     string
	UTMCampaign   string
	CampaignID    string
	AdID          string
	FBC           string
	FBP           string
	ClientIP      string
	UserAgent     string
	CreatedAt     time.Time
}

// Contract is the read-only projection of a signed contract.
type Contract struct {
	ID           string
	CompanyID    string
	LeadID       string
	TemplateName string
	Value        float64
	Currency     string
	SignedAt     *time.Time
}

// Destination routes a company's events to one external pixel/account.
type Destination struct {
	ID                  string
	CompanyID           string
	PixelID             string
	Domain              string
	Active              bool
	IsDefault           bool
	EncryptedCredential []byte
}

// SourceURL returns the default event_source_url for the destination, or ""
// when no domain is configured.
func (d Destination) SourceURL() string {
	if d.Domain == "" {
		return ""
	}
	return "https://" + d.Domain
}
