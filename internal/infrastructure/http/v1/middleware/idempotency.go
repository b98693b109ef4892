package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"worktally/internal/core/apperror"
	appctx "worktally/internal/core/context"
	"worktally/internal/core/tenant"
	"worktally/internal/infrastructure/storage/postgres"
	"worktally/pkg/logger"
)

const HeaderIdempotencyKey = "X-Idempotency-Key"
const maxIdempotencyBodyBytes = 1 << 20 // 1 MiB

const (
	ctxIdempotencyKey    = "idempotency_key"
	ctxIdempotencyTenant = "idempotency_tenant"
	ctxIdempotencyStore  = "idempotency_store"
)

// IdempotencyStore persists idempotency keys and their responses.
type IdempotencyStore interface {
	AcquireKey(ctx context.Context, req postgres.IdempotencyRequest) (*postgres.IdempotencyReplay, error)
	CompleteKey(ctx context.Context, tenantID, key string, statusCode int, contentType string, response any) error
	FailKey(ctx context.Context, tenantID, key string, statusCode int, contentType string, response any) error
}

// Idempotency middleware protects against duplicate requests.
// Must run after TenantDB and TokenAuth: keys are scoped per tenant and user.
func Idempotency(store IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost &&
			c.Request.Method != http.MethodPut &&
			c.Request.Method != http.MethodPatch &&
			c.Request.Method != http.MethodDelete {
			c.Next()
			return
		}

		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		tenantID := ""
		if tc, err := tenant.FromContext(ctx); err == nil {
			tenantID = tc.ID()
		}

		limited := io.LimitReader(c.Request.Body, maxIdempotencyBodyBytes+1)
		body, _ := io.ReadAll(limited)
		if len(body) > maxIdempotencyBodyBytes {
			appErr := apperror.NewValidation("request body too large for idempotency")
			appErr.HTTPStatus = http.StatusRequestEntityTooLarge
			_ = c.Error(appErr.WithDetail("max_bytes", maxIdempotencyBodyBytes))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		hash := sha256.Sum256(body)

		replay, err := store.AcquireKey(ctx, postgres.IdempotencyRequest{
			Key:         key,
			TenantID:    tenantID,
			UserID:      appctx.GetUserID(ctx),
			Operation:   c.Request.Method + " " + c.FullPath(),
			RequestHash: hex.EncodeToString(hash[:]),
		})
		if err != nil {
			if appErr, ok := apperror.AsAppError(err); ok {
				_ = c.Error(appErr)
			} else {
				_ = c.Error(apperror.NewInternal(err).WithDetail("component", "idempotency"))
			}
			c.Abort()
			return
		}

		if replay != nil {
			c.Header("Idempotent-Replayed", "true")
			c.Data(replay.StatusCode, replay.ContentType, replay.Body)
			c.Abort()
			return
		}

		c.Set(ctxIdempotencyKey, key)
		c.Set(ctxIdempotencyTenant, tenantID)
		c.Set(ctxIdempotencyStore, store)

		c.Next()
	}
}

// CompleteIdempotency stores a successful response for replay. It is a
// no-op when the request carried no idempotency key.
func CompleteIdempotency(c *gin.Context, status int, response any) {
	finishIdempotency(c, status, response, true)
}

func failIdempotency(c *gin.Context, status int, response any) {
	finishIdempotency(c, status, response, false)
}

func finishIdempotency(c *gin.Context, status int, response any, ok bool) {
	key := c.GetString(ctxIdempotencyKey)
	if key == "" {
		return
	}
	store, found := c.Get(ctxIdempotencyStore)
	if !found {
		return
	}
	s := store.(IdempotencyStore)
	tenantID := c.GetString(ctxIdempotencyTenant)
	ctx := c.Request.Context()

	var err error
	if ok {
		err = s.CompleteKey(ctx, tenantID, key, status, gin.MIMEJSON, response)
	} else {
		err = s.FailKey(ctx, tenantID, key, status, gin.MIMEJSON, response)
	}
	if err != nil {
		logger.Error(ctx, "failed to finish idempotency key", "key", key, "error", err)
	}
	// Only once per request.
	c.Set(ctxIdempotencyKey, "")
}
