package server

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hustlexp/money-core/internal/logging"
	"github.com/hustlexp/money-core/internal/syncutil"
)

// idempotencyTTL is the response-cache retention period ("return the
// cached prior response for 24h on repeated keys").
const idempotencyTTL = 24 * time.Hour

// idempotencyStore backs the X-Idempotency-Key response cache against
// idempotent_responses. internal/money/saga already guards the
// money-moving endpoints with its own per-action idempotency key, so this
// cache sits one layer up, guarding the HTTP response itself (so a client
// retry with the same key gets byte-identical output even for a 400/409 the
// Saga itself never saw).
type idempotencyStore struct {
	db *sql.DB
	// keyLocks serializes claim/finish per idempotency key within this
	// process: the read-then-reclaim branch for an expired row is two
	// separate statements, and without this a pair of requests racing past
	// expiry could both observe "expired" and both believe they own the
	// retry.
	keyLocks *syncutil.ContextShardedMutex
}

func newIdempotencyStore(db *sql.DB) *idempotencyStore {
	return &idempotencyStore{db: db, keyLocks: syncutil.NewContextShardedMutex()}
}

func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}

// claim attempts to reserve key for a new request. ok=true means the
// caller owns this key and must call finish() when done. ok=false with a
// non-nil cached body means a prior request already completed under this
// key; ok=false with a nil cached body means another request is still in
// flight (a concurrent duplicate, rejected with a 409 Idempotency Conflict).
func (s *idempotencyStore) claim(ctx context.Context, key string) (ok bool, cachedStatus int, cachedBody []byte, err error) {
	unlock, lockErr := s.keyLocks.LockContext(ctx, key)
	if lockErr != nil {
		return false, 0, nil, lockErr
	}
	defer unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotent_responses (idempotency_key, status_code, body, created_at, expires_at)
		VALUES ($1, NULL, NULL, NOW(), NOW() + $2::interval)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, intervalLiteral(idempotencyTTL))
	if err != nil {
		return false, 0, nil, err
	}

	var status sql.NullInt64
	var body []byte
	var expiresAt time.Time
	row := s.db.QueryRowContext(ctx, `SELECT status_code, body, expires_at FROM idempotent_responses WHERE idempotency_key = $1`, key)
	if err := row.Scan(&status, &body, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, 0, nil, nil
		}
		return false, 0, nil, err
	}

	if time.Now().After(expiresAt) {
		// Expired: reclaim the row for this request.
		if _, err := s.db.ExecContext(ctx, `
			UPDATE idempotent_responses SET status_code = NULL, body = NULL, created_at = NOW(), expires_at = NOW() + $2::interval
			WHERE idempotency_key = $1
		`, key, intervalLiteral(idempotencyTTL)); err != nil {
			return false, 0, nil, err
		}
		return true, 0, nil, nil
	}

	if !status.Valid {
		return false, 0, nil, nil // in flight
	}
	return false, int(status.Int64), body, nil
}

func (s *idempotencyStore) finish(ctx context.Context, key string, statusCode int, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotent_responses SET status_code = $2, body = $3 WHERE idempotency_key = $1
	`, key, statusCode, body)
	return err
}

// bufferingWriter captures the handler's response so it can be persisted
// into the idempotency cache after the handler returns.
type bufferingWriter struct {
	gin.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (w *bufferingWriter) Write(data []byte) (int, error) {
	w.buf.Write(data)
	return w.ResponseWriter.Write(data)
}

func (w *bufferingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// idempotencyMiddleware enforces the X-Idempotency-Key contract on every
// state-changing endpoint it guards: required header, first
// response cached for idempotencyTTL, concurrent duplicates rejected with
// 409 rather than double-executing a money-moving handler.
func (s *Server) idempotencyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Idempotency-Key")
		if key == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "validation_error", "code": "MISSING_IDEMPOTENCY_KEY",
				"message": "X-Idempotency-Key header is required", "request_id": logging.RequestID(c.Request.Context()),
			})
			return
		}

		ok, cachedStatus, cachedBody, err := s.idem.claim(c.Request.Context(), key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "request_id": logging.RequestID(c.Request.Context())})
			return
		}
		if !ok {
			if cachedBody != nil {
				c.Data(cachedStatus, "application/json", cachedBody)
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error": "idempotency_conflict", "code": "IDEMPOTENCY_KEY_IN_FLIGHT",
				"message": "a request with this idempotency key is already being processed", "request_id": logging.RequestID(c.Request.Context()),
			})
			return
		}

		bw := &bufferingWriter{ResponseWriter: c.Writer, status: http.StatusOK}
		c.Writer = bw
		c.Next()

		if err := s.idem.finish(c.Request.Context(), key, bw.status, bw.buf.Bytes()); err != nil {
			logging.L(c.Request.Context()).Error("idempotency: failed to persist cached response", "error", err, "key", key)
		}
	}
}
