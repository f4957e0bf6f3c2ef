package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"authkit/internal/crypto"
	"authkit/pkg/logging"
	pkgoauth "authkit/pkg/oauth"
)

// tokenColumns is the SELECT column list shared by every read query.
const tokenColumns = `id, user_id, provider, access_token, refresh_token,
	token_type, expires_at, status, created_at, updated_at`

// Store is the SQLite-backed provider token store. Token columns are
// encrypted through the cipher before hitting the database, consistent with
// the at-rest policy of the durable keyed store.
type Store struct {
	db       *sql.DB
	cipher   *crypto.Cipher
	registry *RefresherRegistry

	// now is swapped in tests to control expiry.
	now func() time.Time
}

// NewStore opens (or creates) the token database at dsn and applies pending
// migrations. cipher may be nil, in which case tokens are stored in the
// clear; registry may be nil, in which case every refresh fails with
// ErrRefreshNotImplemented.
func NewStore(ctx context.Context, dsn string, cipher *crypto.Cipher, registry *RefresherRegistry) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open token database: %w", err)
	}

	// SQLite tolerates exactly one writer; a single connection also keeps
	// in-memory databases coherent.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if registry == nil {
		registry = NewRefresherRegistry(nil)
	}

	return &Store{
		db:       db,
		cipher:   cipher,
		registry: registry,
		now:      time.Now,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Registry returns the refresher registry so callers can wire providers.
func (s *Store) Registry() *RefresherRegistry {
	return s.registry
}

// Create inserts a new token row. UserID, Provider, AccessToken and TokenType
// are required; ID and timestamps are stamped when absent; Status defaults to
// active.
func (s *Store) Create(ctx context.Context, token *ProviderToken) (*ProviderToken, error) {
	if token.UserID == "" || token.Provider == "" || token.AccessToken == "" || token.TokenType == "" {
		return nil, fmt.Errorf("%w: user_id, provider, access_token and token_type are required", ErrMissingFields)
	}

	row := *token
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Status == "" {
		row.Status = StatusActive
	}
	now := s.now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now

	accessToken, err := s.sealToken(row.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshToken, err := s.sealToken(row.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provider_tokens (
			id, user_id, provider, access_token, refresh_token,
			token_type, expires_at, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.UserID, row.Provider, accessToken, nullString(refreshToken),
		row.TokenType, nullTime(row.ExpiresAt), string(row.Status), row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: active token already exists for %s/%s",
				ErrAlreadyExists, row.UserID, row.Provider)
		}
		return nil, fmt.Errorf("inserting provider token: %w", err)
	}

	s.audit("provider_token_create", row.UserID, row.Provider, true, "")
	return &row, nil
}

// Get retrieves a token row by ID.
func (s *Store) Get(ctx context.Context, id string) (*ProviderToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM provider_tokens WHERE id = ?`, id)
	return s.scanToken(row)
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	AccessToken  *string
	RefreshToken *string
	TokenType    *string
	ExpiresAt    *time.Time
	Status       *Status
}

// Update applies a patch to a token row and stamps updated_at.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*ProviderToken, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{s.now().UTC()}

	if patch.AccessToken != nil {
		sealed, err := s.sealToken(*patch.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}
		sets = append(sets, "access_token = ?")
		args = append(args, sealed)
	}
	if patch.RefreshToken != nil {
		sealed, err := s.sealToken(*patch.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		sets = append(sets, "refresh_token = ?")
		args = append(args, nullString(sealed))
	}
	if patch.TokenType != nil {
		sets = append(sets, "token_type = ?")
		args = append(args, *patch.TokenType)
	}
	if patch.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, nullTime(*patch.ExpiresAt))
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE provider_tokens SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("updating provider token: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrNotFound
	}

	return s.Get(ctx, id)
}

// Delete removes a token row by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting provider token: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns token rows matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*ProviderToken, error) {
	where := []string{"1=1"}
	var args []interface{}

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM provider_tokens
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY updated_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing provider tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*ProviderToken
	for rows.Next() {
		token, err := s.scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// GetTokenForProvider fetches the user's active token for a provider.
func (s *Store) GetTokenForProvider(ctx context.Context, userID, providerName string) (*ProviderToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM provider_tokens
		WHERE user_id = ? AND provider = ? AND status = 'active'`,
		userID, providerName)
	return s.scanToken(row)
}

// StoreToken upserts the user's active token for a provider: the existing
// active row is updated in place, otherwise a new row is created.
func (s *Store) StoreToken(ctx context.Context, userID, providerName string, token *pkgoauth.Token) (*ProviderToken, error) {
	existing, err := s.GetTokenForProvider(ctx, userID, providerName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		patch := Patch{
			AccessToken: &token.AccessToken,
			ExpiresAt:   &token.ExpiresAt,
		}
		if token.RefreshToken != "" {
			patch.RefreshToken = &token.RefreshToken
		}
		if token.TokenType != "" {
			patch.TokenType = &token.TokenType
		}
		updated, err := s.Update(ctx, existing.ID, patch)
		if err != nil {
			return nil, err
		}
		s.audit("provider_token_store", userID, providerName, true, "updated")
		return updated, nil
	}

	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	created, err := s.Create(ctx, &ProviderToken{
		UserID:       userID,
		Provider:     providerName,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    token.ExpiresAt,
		Status:       StatusActive,
	})
	if err != nil {
		return nil, err
	}
	s.audit("provider_token_store", userID, providerName, true, "created")
	return created, nil
}

// RefreshToken refreshes the user's token for a provider through the
// registered refresher and reactivates the row with the new credentials.
func (s *Store) RefreshToken(ctx context.Context, userID, providerName string) (*ProviderToken, error) {
	current, err := s.latestNonRevoked(ctx, userID, providerName)
	if err != nil {
		return nil, err
	}
	if current.RefreshToken == "" {
		return nil, fmt.Errorf("token for %s has no refresh token", providerName)
	}

	refresher, err := s.registry.Lookup(providerName)
	if err != nil {
		return nil, err
	}

	fresh, err := refresher.Refresh(ctx, providerName, current.RefreshToken)
	if err != nil {
		s.audit("provider_token_refresh", userID, providerName, false, "upstream refresh failed")
		return nil, fmt.Errorf("refreshing %s token: %w", providerName, err)
	}

	active := StatusActive
	patch := Patch{
		AccessToken: &fresh.AccessToken,
		ExpiresAt:   &fresh.ExpiresAt,
		Status:      &active,
	}
	if fresh.RefreshToken != "" {
		patch.RefreshToken = &fresh.RefreshToken
	}

	updated, err := s.Update(ctx, current.ID, patch)
	if err != nil {
		return nil, err
	}

	s.audit("provider_token_refresh", userID, providerName, true, "")
	return updated, nil
}

// ValidateToken computes the token's expiry state, attempting a refresh for
// expired tokens that carry a refresh token. Tokens that cannot be made valid
// transition to expired (fail closed); a later successful refresh returns
// them to active.
func (s *Store) ValidateToken(ctx context.Context, userID, providerName string) (*ValidationResult, error) {
	current, err := s.latestNonRevoked(ctx, userID, providerName)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !current.Expired(now) {
		return &ValidationResult{
			IsValid:   true,
			ExpiresIn: current.ExpiresAt.Sub(now),
		}, nil
	}

	if current.RefreshToken != "" {
		refreshed, refreshErr := s.RefreshToken(ctx, userID, providerName)
		if refreshErr == nil {
			return &ValidationResult{
				IsValid:   true,
				ExpiresIn: refreshed.ExpiresAt.Sub(now),
			}, nil
		}
		logging.Warn("ProviderTokens", "Refresh during validation failed for %s: %v", providerName, refreshErr)
	}

	expired := StatusExpired
	if _, err := s.Update(ctx, current.ID, Patch{Status: &expired}); err != nil {
		return nil, err
	}

	s.audit("provider_token_validate", userID, providerName, false, "marked expired")
	return &ValidationResult{IsExpired: true}, nil
}

// RevokeToken marks every non-revoked row for the pair as revoked. Revoking
// an absent or already revoked token is a no-op.
func (s *Store) RevokeToken(ctx context.Context, userID, providerName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE provider_tokens SET status = 'revoked', updated_at = ?
		WHERE user_id = ? AND provider = ? AND status != 'revoked'`,
		s.now().UTC(), userID, providerName)
	if err != nil {
		return fmt.Errorf("revoking provider token: %w", err)
	}

	s.audit("provider_token_revoke", userID, providerName, true, "")
	return nil
}

// CleanupExpiredTokens deletes all expired rows. Per-row failures are skipped
// rather than failing the batch; the count of removed rows is returned.
func (s *Store) CleanupExpiredTokens(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM provider_tokens WHERE status = 'expired'`)
	if err != nil {
		return 0, fmt.Errorf("listing expired tokens: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("scanning expired tokens: %w", err)
	}
	rows.Close()

	removed := 0
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM provider_tokens WHERE id = ?`, id); err != nil {
			logging.Warn("ProviderTokens", "Failed to delete expired token %s: %v", id, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.audit("provider_token_cleanup", "", "", true, fmt.Sprintf("%d expired tokens removed", removed))
	}
	return removed, nil
}

// latestNonRevoked returns the pair's current row, preferring active over
// expired and newer over older.
func (s *Store) latestNonRevoked(ctx context.Context, userID, providerName string) (*ProviderToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM provider_tokens
		WHERE user_id = ? AND provider = ? AND status != 'revoked'
		ORDER BY CASE status WHEN 'active' THEN 0 ELSE 1 END, updated_at DESC
		LIMIT 1`,
		userID, providerName)
	return s.scanToken(row)
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanToken(row rowScanner) (*ProviderToken, error) {
	var (
		token        ProviderToken
		refreshToken sql.NullString
		expiresAt    sql.NullTime
		status       string
	)

	err := row.Scan(
		&token.ID, &token.UserID, &token.Provider, &token.AccessToken, &refreshToken,
		&token.TokenType, &expiresAt, &status, &token.CreatedAt, &token.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning provider token: %w", err)
	}

	token.AccessToken = s.openToken(token.AccessToken)
	if refreshToken.Valid {
		token.RefreshToken = s.openToken(refreshToken.String)
	}
	if expiresAt.Valid {
		token.ExpiresAt = expiresAt.Time
	}
	token.Status = Status(status)

	return &token, nil
}

// sealToken encrypts a token column value for storage.
func (s *Store) sealToken(value string) (string, error) {
	if value == "" || s.cipher == nil {
		return value, nil
	}
	return s.cipher.Encrypt(value)
}

// openToken decrypts a token column value read from storage.
func (s *Store) openToken(value string) string {
	if value == "" || s.cipher == nil {
		return value
	}
	return s.cipher.Decrypt(value)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(v time.Time) sql.NullTime {
	return sql.NullTime{Time: v.UTC(), Valid: !v.IsZero()}
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func (s *Store) audit(action, userID, providerName string, success bool, detail string) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	key := providerName
	if key == "" {
		key = "*"
	}
	logging.Audit(logging.AuditEvent{
		Action:  action,
		Key:     key,
		Outcome: outcome,
		Actor:   userID,
		Detail:  detail,
	})
}
