package db

import (
	"context"
	"fmt"
	"time"

	"github.com/Elixir70/ragol/internal/license"
)

// LicenseRepository persists licenses. It satisfies license.Store.
type LicenseRepository struct {
	db      *DB
	timeout time.Duration
}

// NewLicenseRepository creates a repository over the pool.
func NewLicenseRepository(d *DB) *LicenseRepository {
	return &LicenseRepository{db: d, timeout: 3 * time.Second}
}

// LoadAll reads every persisted license into the index at startup.
// Temporary licenses are never stored, so everything read here is durable.
func (r *LicenseRepository) LoadAll(ctx context.Context, idx *license.Index) (int, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT serial_number, access_key, bb_username, bb_password_hash,
		        xb_gamertag, xb_user_id, xb_account_id, banned
		 FROM licenses`)
	if err != nil {
		return 0, fmt.Errorf("querying licenses: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var l license.License
		var serial int64
		var xbUser, xbAccount int64
		if err := rows.Scan(&serial, &l.AccessKey, &l.BBUsername, &l.BBPasswordHash,
			&l.XBGamertag, &xbUser, &xbAccount, &l.Banned); err != nil {
			return count, fmt.Errorf("scanning license: %w", err)
		}
		l.SerialNumber = uint32(serial)
		l.XBUserID = uint64(xbUser)
		l.XBAccountID = uint64(xbAccount)
		idx.Add(&l)
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("iterating licenses: %w", err)
	}
	return count, nil
}

// SaveLicense upserts one license. Temporary licenses are skipped.
func (r *LicenseRepository) SaveLicense(l *license.License) error {
	if l.Temporary {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO licenses (serial_number, access_key, bb_username, bb_password_hash,
		                       xb_gamertag, xb_user_id, xb_account_id, banned, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 ON CONFLICT (serial_number) DO UPDATE SET
		     access_key = EXCLUDED.access_key,
		     bb_username = EXCLUDED.bb_username,
		     bb_password_hash = EXCLUDED.bb_password_hash,
		     xb_gamertag = EXCLUDED.xb_gamertag,
		     xb_user_id = EXCLUDED.xb_user_id,
		     xb_account_id = EXCLUDED.xb_account_id,
		     banned = EXCLUDED.banned,
		     updated_at = now()`,
		int64(l.SerialNumber), l.AccessKey, l.BBUsername, l.BBPasswordHash,
		l.XBGamertag, int64(l.XBUserID), int64(l.XBAccountID), l.Banned)
	if err != nil {
		return fmt.Errorf("saving license %08X: %w", l.SerialNumber, err)
	}
	return nil
}
