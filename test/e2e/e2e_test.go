package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"publish-dispatch/internal/audit"
	"publish-dispatch/internal/channel/email"
	"publish-dispatch/internal/channel/push"
	"publish-dispatch/internal/common/camunda"
	"publish-dispatch/internal/common/config"
	"publish-dispatch/internal/common/database"
	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/dispatch"
	"publish-dispatch/internal/models"
	"publish-dispatch/internal/ratelimit"
	"publish-dispatch/internal/recipient"

	dp "publish-dispatch/internal/workers/publishing/document-published"
)

// Runs against the docker-compose stack: E2E_TESTS=1 go test ./test/e2e/...
func TestPublishDispatchE2E(t *testing.T) {
	if os.Getenv("E2E_TESTS") == "" {
		t.Skip("E2E_TESTS not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg, err := config.Load()
	require.NoError(t, err)

	cfg.Database.Postgres.Host = "localhost"
	cfg.Database.Redis.Address = "localhost:6379"

	log := logger.NewTestLogger(t)

	pg, err := database.NewPostgres(cfg.Database.Postgres)
	require.NoError(t, err, "PostgreSQL connection failed")
	defer pg.Close()
	require.NoError(t, pg.Ping(ctx), "PostgreSQL ping failed")
	require.NoError(t, pg.EnsureSchema(ctx))
	t.Log("✅ PostgreSQL connected")

	rdb, err := database.NewRedis(cfg.Database.Redis)
	require.NoError(t, err)
	defer rdb.Close()
	require.NoError(t, rdb.Ping(ctx), "Redis ping failed")
	t.Log("✅ Redis connected")

	if cfg.Camunda.BrokerAddress != "" {
		zeebe, err := camunda.Connect(ctx, &camunda.ClientConfig{
			GatewayAddress:         cfg.Camunda.BrokerAddress,
			UsePlaintextConnection: true,
			RetryConfig:            &camunda.RetryConfig{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 2 * time.Second},
		}, log)
		require.NoError(t, err, "Zeebe topology request failed")
		zeebe.Close()
		t.Log("✅ Zeebe connected")
	}

	suffix := uuid.NewString()[:8]
	seedRecipients(t, ctx, pg, suffix)

	auditLog := audit.NewLog(audit.NewPostgresStore(pg.DB), audit.DefaultOptions(), log)
	recipients := recipient.NewPostgresStore(pg.DB)
	policy := recipient.NewDomainPolicy(cfg.Email.DisallowedDomains, cfg.Email.DisallowedSubstrings)

	pushChannel := push.NewChannel(push.NewLogTransport(log), ratelimit.NewRedisLimiter(rdb.Client, "e2e:"), auditLog, push.DefaultOptions(), log)
	emailChannel := email.NewChannel(email.NewLogTransport(log), policy, recipients, auditLog,
		email.NewRenderer("https://app.local"), email.DefaultOptions(), log)

	requests := dispatch.NewPostgresStore(pg.DB)
	coordinator := dispatch.NewCoordinator(requests, recipient.NewResolver(recipients, policy, log),
		pushChannel, emailChannel, auditLog, nil, dispatch.DefaultOptions(), log)
	pool := dispatch.NewPool(coordinator, requests, dispatch.DefaultPoolOptions(), log)
	pool.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, pool.Shutdown(shutdownCtx))
	}()

	guard := dispatch.NewGuard(requests, pool, false, log)
	handler := dp.NewHandler(&dp.Config{Timeout: 10 * time.Second}, guard, nil, log)

	payload := fmt.Sprintf(`{
		"documentId": "e2e-doc-%s",
		"title": "E2E release notes",
		"body": "<p>Shipped.</p>",
		"publishedAt": %q,
		"previous": {"published": false}
	}`, suffix, time.Now().UTC().Format(time.RFC3339Nano))

	out, err := handler.Execute(ctx, []byte(payload))
	require.NoError(t, err)
	require.True(t, out.Admitted)
	require.False(t, out.Duplicate)

	id, err := uuid.Parse(out.DispatchRequestID)
	require.NoError(t, err)

	replay, err := handler.Execute(ctx, []byte(payload))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, out.DispatchRequestID, replay.DispatchRequestID)

	var final *models.DispatchRequest
	require.Eventually(t, func() bool {
		req, err := requests.Get(ctx, id)
		if err != nil {
			return false
		}
		final = req
		return req.State.IsTerminal()
	}, 60*time.Second, 500*time.Millisecond, "dispatch request never finished")
	assert.Equal(t, models.StateCompleted, final.State, final.LastError)
	t.Log("✅ Dispatch completed")

	// Audit rows are written after the send returns.
	var rows []models.DeliveryAttempt
	require.Eventually(t, func() bool {
		rows, err = auditLog.Query(ctx, audit.Filter{DispatchID: &id, Limit: audit.MaxQueryLimit})
		return err == nil && hasRecipient(rows, "e2e-sub-ok-"+suffix)
	}, 10*time.Second, 200*time.Millisecond)

	assert.True(t, hasRecipient(rows, "e2e-acc-"+suffix), "account push/email row missing")
	assert.False(t, hasRecipient(rows, "e2e-sub-qa-"+suffix), "disallowed subscriber was mailed")
	for _, row := range rows {
		if row.Channel == models.ChannelPush && row.Token != "" {
			assert.LessOrEqual(t, len(row.Token), 18, "push token stored unredacted")
		}
	}
	t.Log("✅ Audit trail verified")
}

func seedRecipients(t *testing.T, ctx context.Context, pg *database.PostgresClient, suffix string) {
	t.Helper()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			email TEXT NULL,
			device_token TEXT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			id TEXT PRIMARY KEY,
			email TEXT NULL,
			last_notified_at TIMESTAMPTZ NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
	}
	for _, stmt := range stmts {
		_, err := pg.DB.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	_, err := pg.DB.ExecContext(ctx,
		`INSERT INTO accounts (id, email, device_token) VALUES ($1, $2, $3)`,
		"e2e-acc-"+suffix, "acc-"+suffix+"@corp.io", "e2e-token-"+suffix+"-abcdefghijklmnop")
	require.NoError(t, err)
	_, err = pg.DB.ExecContext(ctx,
		`INSERT INTO subscribers (id, email) VALUES ($1, $2), ($3, $4)`,
		"e2e-sub-ok-"+suffix, "sub-"+suffix+"@corp.io",
		"e2e-sub-qa-"+suffix, "qa-"+suffix+"@test.com")
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = pg.DB.Exec(`UPDATE accounts SET is_active = FALSE WHERE id = $1`, "e2e-acc-"+suffix)
		_, _ = pg.DB.Exec(`UPDATE subscribers SET is_active = FALSE WHERE id LIKE $1`, "e2e-sub-%-"+suffix)
	})
}

func hasRecipient(rows []models.DeliveryAttempt, id string) bool {
	for _, row := range rows {
		if row.RecipientID != nil && *row.RecipientID == id {
			return true
		}
	}
	return false
}
