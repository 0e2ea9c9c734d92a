package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sagechat/entitlements/internal/entitlement"
)

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*entitlement.Record, error) {
	var rec entitlement.Record
	var status, class string
	var isPremium, autoRenewing, isLifetime, hasUsedTrial int
	var expiresAt, trialStart, trialEnd, lastValidatedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&rec.UserID, &status, &isPremium, &class, &expiresAt,
		&autoRenewing, &isLifetime, &trialStart, &trialEnd, &hasUsedTrial,
		&lastValidatedAt, &rec.PlatformAccountToken, &rec.StripeCustomerID,
		&rec.StripeSubscriptionID, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement record: %w", err)
	}

	rec.MembershipStatus = entitlement.MembershipStatus(status)
	rec.IsPremium = isPremium == 1
	rec.ProductClass = entitlement.ProductClass(class)
	rec.ExpiresAt = nullableUnixTime(expiresAt)
	rec.AutoRenewing = autoRenewing == 1
	rec.IsLifetime = isLifetime == 1
	rec.TrialStart = nullableUnixTime(trialStart)
	rec.TrialEnd = nullableUnixTime(trialEnd)
	rec.HasUsedTrial = hasUsedTrial == 1
	rec.LastValidatedAt = nullableUnixTime(lastValidatedAt)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*entitlement.Record, error) {
	var out []*entitlement.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanLedgerEntry(s scanner) (*entitlement.LedgerEntry, error) {
	var entry entitlement.LedgerEntry
	var firstTrial int64
	err := s.Scan(&entry.UserID, &entry.EmailHash, &firstTrial)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan trial ledger entry: %w", err)
	}
	entry.FirstTrialDate = time.Unix(firstTrial, 0).UTC()
	return &entry, nil
}

// prefixColumns qualifies the user column list with a table alias for joins.
func prefixColumns(alias string) string {
	cols := strings.Split(userColumns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableUnixTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
