// Package security issues and validates caller credentials, signs messages,
// and guards external-facing calls with per-identity rate limits and circuit
// breakers.
package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fleetflow/internal/domain"
	"fleetflow/internal/ledger"
	"fleetflow/internal/store"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
)

// Common scopes.
const (
	ScopeRobot    = "robot"
	ScopeOperator = "operator"
	ScopeAdmin    = "admin"
)

type Gateway struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	key      []byte
	limiter  *slidingLimiter
	breakers *breakerSet
}

type Options struct {
	SigningKey       string
	RateLimitMax     int           // requests per identity per window
	RateLimitWindow  time.Duration
	BreakerThreshold int           // consecutive failures before the circuit opens
	BreakerCooldown  time.Duration
}

func NewGateway(db *sql.DB, l *ledger.Ledger, opts Options) *Gateway {
	if opts.RateLimitMax <= 0 {
		opts.RateLimitMax = 600
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Minute
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	return &Gateway{
		db:       db,
		ledger:   l,
		key:      []byte(opts.SigningKey),
		limiter:  newSlidingLimiter(opts.RateLimitMax, opts.RateLimitWindow),
		breakers: newBreakerSet(opts.BreakerThreshold, opts.BreakerCooldown),
	}
}

// IssueToken mints a credential for an identity. The returned secret is
// "<id>.<hmac>"; only the signature-verified id is ever trusted.
func (g *Gateway) IssueToken(ctx context.Context, identity string, scopes []string, ttl time.Duration) (domain.Token, string, error) {
	if identity == "" {
		return domain.Token{}, "", domain.Reject("identity required", "")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	tok := domain.Token{
		ID:        "tok_" + uuid.NewString(),
		Identity:  identity,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Token{}, "", err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
INSERT INTO tokens (id, identity, scopes, issued_at, expires_at, revoked)
VALUES (?,?,?,?,?,0)`,
		tok.ID, tok.Identity, strings.Join(scopes, " "),
		store.FormatTime(tok.IssuedAt), store.FormatTime(tok.ExpiresAt))
	if err != nil {
		return domain.Token{}, "", err
	}
	if _, err := g.ledger.AppendTx(ctx, tx, "token.issue", identity, "token", tok.ID,
		map[string]string{"scopes": strings.Join(scopes, " ")}); err != nil {
		return domain.Token{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Token{}, "", err
	}

	secret := tok.ID + "." + hex.EncodeToString(g.Sign([]byte(tok.ID)))
	log.Info().Str("token_id", tok.ID).Str("identity", identity).Msg("token issued")
	return tok, secret, nil
}

// Validate checks a presented secret and returns the credential behind it.
// Expiry and revocation are distinct failures so callers can report them.
func (g *Gateway) Validate(ctx context.Context, secret string) (domain.Token, error) {
	id, sig, ok := strings.Cut(secret, ".")
	if !ok || !strings.HasPrefix(id, "tok_") {
		return domain.Token{}, ErrTokenInvalid
	}
	raw, err := hex.DecodeString(sig)
	if err != nil || !g.Verify([]byte(id), raw) {
		return domain.Token{}, ErrTokenInvalid
	}

	row := g.db.QueryRowContext(ctx, `
SELECT id, identity, scopes, issued_at, expires_at, revoked FROM tokens WHERE id=?`, id)
	var (
		tok             domain.Token
		scopes          string
		issued, expires string
		revoked         int
	)
	if err := row.Scan(&tok.ID, &tok.Identity, &scopes, &issued, &expires, &revoked); err == sql.ErrNoRows {
		return domain.Token{}, ErrTokenInvalid
	} else if err != nil {
		return domain.Token{}, err
	}
	if scopes != "" {
		tok.Scopes = strings.Fields(scopes)
	}
	tok.IssuedAt = store.ParseTime(issued)
	tok.ExpiresAt = store.ParseTime(expires)
	tok.Revoked = revoked != 0

	if tok.Revoked {
		return domain.Token{}, ErrTokenRevoked
	}
	if time.Now().After(tok.ExpiresAt) {
		return domain.Token{}, ErrTokenExpired
	}

	_, _ = g.db.ExecContext(ctx, `UPDATE tokens SET last_used_at=? WHERE id=?`,
		store.FormatTime(time.Now()), id)
	return tok, nil
}

func (g *Gateway) Revoke(ctx context.Context, tokenID, actor string) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE tokens SET revoked=1 WHERE id=? AND revoked=0`, tokenID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenInvalid
	}
	if _, err := g.ledger.AppendTx(ctx, tx, "token.revoke", actor, "token", tokenID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Sign computes an HMAC-SHA256 over the message.
func (g *Gateway) Sign(message []byte) []byte {
	mac := hmac.New(sha256.New, g.key)
	mac.Write(message)
	return mac.Sum(nil)
}

// Verify checks a signature in constant time.
func (g *Gateway) Verify(message, signature []byte) bool {
	return hmac.Equal(g.Sign(message), signature)
}

// CheckRateLimit reports whether the identity has budget left in the sliding
// window, consuming one slot if so.
func (g *Gateway) CheckRateLimit(identity string) bool {
	return g.limiter.allow(identity, time.Now())
}

// Allow consults the identity's circuit breaker.
func (g *Gateway) Allow(identity string) bool {
	return g.breakers.allow(identity, time.Now())
}

func (g *Gateway) RecordSuccess(identity string) { g.breakers.recordSuccess(identity) }
func (g *Gateway) RecordFailure(identity string) { g.breakers.recordFailure(identity, time.Now()) }

// BreakerState exposes the identity's circuit state for diagnostics.
func (g *Gateway) BreakerState(identity string) string {
	return g.breakers.state(identity, time.Now())
}

func ScopeAllowed(tok domain.Token, required string) bool {
	for _, s := range tok.Scopes {
		if s == required || s == ScopeAdmin {
			return true
		}
	}
	return false
}
