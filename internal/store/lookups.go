package store

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

var leadColumns = []string{
	"id::text",
	"company_id::text",
	"COALESCE(destination_id::text, '')",
	"COALESCE(name, '')",
	"COALESCE(email, '')",
	"COALESCE(phone, '')",
	"COALESCE(fingerprint, '')",
	"COALESCE(utm_source, '')",
	"COALESCE(utm_medium, '')",
	"COALESCE(utm_campaign, '')",
	"COALESCE(campaign_id, '')",
	"COALESCE(ad_id, '')",
	"COALESCE(fbc, '')",
	"COALESCE(fbp, '')",
	"COALESCE(client_ip, '')",
	"COALESCE(user_agent, '')",
	"created_at",
}

var contractColumns = []string{
	"id::text",
	"company_id::text",
	"lead_id::text",
	"COALESCE(template_name, '')",
	"COALESCE(value, 0)::float8",
	"COALESCE(currency, '')",
	"signed_at",
}

var destinationColumns = []string{
	"id::text",
	"company_id::text",
	"pixel_id",
	"COALESCE(domain, '')",
	"active",
	"is_default",
	"encrypted_credential",
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// GetLead loads a lead scoped to its company.
func (s *Store) GetLead(ctx context.Context, companyID, leadID string) (Lead, error) {
	sqlStr, args, err := s.sb.Select(leadColumns...).
		From(leadsTable).
		Where(sq.Eq{"id": leadID, "company_id": companyID}).
		ToSql()
	if err != nil {
		return Lead{}, fmt.Errorf("build lead select: %w", err)
	}
	var l Lead
	err = s.db.QueryRow(ctx, sqlStr, args...).Scan(
		&l.ID, &l.CompanyID, &l.DestinationID, &l.Name, &l.Email, &l.Phone,
		&l.Fingerprint, &l.UTMSource, &l.UTMMedium, &l.UTMCampaign,
		&l.CampaignID, &l.AdID, &l.FBC, &l.FBP, &l.ClientIP, &l.UserAgent,
		&l.CreatedAt,
	)
	if err != nil {
		return Lead{}, notFound(err)
	}
	return l, nil
}

// GetContract loads a contract scoped to its company.
func (s *Store) GetContract(ctx context.Context, companyID, contractID string) (Contract, error) {
	sqlStr, args, err := s.sb.Select(contractColumns...).
		From(contractsTable).
		Where(sq.Eq{"id": contractID, "company_id": companyID}).
		ToSql()
	if err != nil {
		return Contract{}, fmt.Errorf("build contract select: %w", err)
	}
	var c Contract
	err = s.db.QueryRow(ctx, sqlStr, args...).Scan(
		&c.ID, &c.CompanyID, &c.LeadID, &c.TemplateName, &c.Value, &c.Currency, &c.SignedAt,
	)
	if err != nil {
		return Contract{}, notFound(err)
	}
	return c, nil
}

func (s *Store) destinationForLeadQuery(l Lead) sq.SelectBuilder {
	q := s.sb.Select(destinationColumns...).From(destinationsTable)
	if l.DestinationID != "" {
		return q.Where(sq.Eq{"id": l.DestinationID, "company_id": l.CompanyID})
	}
	return q.Where(sq.Eq{"company_id": l.CompanyID, "is_default": true}).
		OrderBy("active DESC").
		Limit(1)
}

// DestinationForLead resolves the lead's bound destination, falling back to
// the company default. Inactive destinations are returned; callers decide.
func (s *Store) DestinationForLead(ctx context.Context, l Lead) (Destination, error) {
	sqlStr, args, err := s.destinationForLeadQuery(l).ToSql()
	if err != nil {
		return Destination{}, fmt.Errorf("build destination select: %w", err)
	}
	return s.scanDestination(ctx, sqlStr, args)
}

// GetDestination loads the destination a log was routed to.
func (s *Store) GetDestination(ctx context.Context, companyID, pixelID string) (Destination, error) {
	sqlStr, args, err := s.sb.Select(destinationColumns...).
		From(destinationsTable).
		Where(sq.Eq{"company_id": companyID, "pixel_id": pixelID}).
		OrderBy("active DESC", "is_default DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return Destination{}, fmt.Errorf("build destination select: %w", err)
	}
	return s.scanDestination(ctx, sqlStr, args)
}

func (s *Store) scanDestination(ctx context.Context, sqlStr string, args []any) (Destination, error) {
	var d Destination
	err := s.db.QueryRow(ctx, sqlStr, args...).Scan(
		&d.ID, &d.CompanyID, &d.PixelID, &d.Domain, &d.Active, &d.IsDefault, &d.EncryptedCredential,
	)
	if err != nil {
		return Destination{}, notFound(err)
	}
	return d, nil
}
