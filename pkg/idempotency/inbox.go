// Package idempotency provides an inbox table for handling a message at most once per key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long a key suppresses repeats
	TTL time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             48 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 2 * time.Minute,
	}
}

var (
	// ErrDuplicate is returned when the key was already handled
	ErrDuplicate = errors.New("duplicate message: already processed")
	// ErrInProgress is returned while another handler holds the key
	ErrInProgress = errors.New("message in progress by another handler")
	// ErrPermanent marks handler errors that must not be retried
	ErrPermanent = errors.New("permanent failure")
)

// Permanent wraps err so the inbox records the key as failed for good
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Result is the outcome of Process
type Result struct {
	// Duplicate is true when the key had already finished and fn was not run
	Duplicate bool
	// Recovered is true when an abandoned or failed attempt was retried
	Recovered bool
	Output    json.RawMessage
}

// ProcessFunc handles a message and returns its recorded output
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Inbox records handled keys in PostgreSQL
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process runs fn unless key already finished. A finished key yields a
// Duplicate result with the recorded output.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, fn ProcessFunc) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	recovered, err := i.claim(ctx, key, handlerName)
	if errors.Is(err, ErrDuplicate) {
		span.SetAttributes(attribute.Bool("duplicate", true))
		output, _ := i.output(ctx, key)
		return &Result{Duplicate: true, Output: output}, nil
	}
	if err != nil {
		return nil, err
	}

	output, handlerErr := fn(ctx)
	if handlerErr != nil {
		status := StatusRecoverable
		if errors.Is(handlerErr, ErrPermanent) {
			status = StatusFailed
		}
		errJSON, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.mark(ctx, key, status, errJSON); err != nil {
			i.logger.Error("failed to mark inbox entry", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.mark(ctx, key, StatusFinished, output); err != nil {
		// fn already ran; a repeat will be retried rather than lost
		i.logger.Error("failed to mark inbox entry finished", zap.String("key", key), zap.Error(err))
	}

	return &Result{Recovered: recovered, Output: output}, nil
}

// claim inserts key as STARTED or takes over a recoverable or abandoned entry
func (i *Inbox) claim(ctx context.Context, key, handlerName string) (bool, error) {
	query := `
		INSERT INTO inbox (idempotency_key, handler_name, status, expires_at)
		VALUES ($1, $2, 'STARTED', NOW() + make_interval(secs => $3))
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'STARTED', handler_name = EXCLUDED.handler_name, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - make_interval(secs => $4))
		   OR inbox.expires_at < NOW()
		RETURNING (xmax <> 0)
	`

	var updated bool
	err := i.pool.QueryRow(ctx, query, key, handlerName,
		i.config.TTL.Seconds(), i.config.RecoveryTimeout.Seconds()).Scan(&updated)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("claim inbox key: %w", err)
	}

	var status Status
	if err := i.pool.QueryRow(ctx, "SELECT status FROM inbox WHERE idempotency_key = $1", key).Scan(&status); err != nil {
		return false, fmt.Errorf("read inbox status: %w", err)
	}
	switch status {
	case StatusStarted:
		return false, ErrInProgress
	case StatusFailed:
		return false, fmt.Errorf("%w: key %s", ErrPermanent, key)
	default:
		return false, ErrDuplicate
	}
}

func (i *Inbox) mark(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

func (i *Inbox) output(ctx context.Context, key string) (json.RawMessage, error) {
	var out json.RawMessage
	err := i.pool.QueryRow(ctx, "SELECT result FROM inbox WHERE idempotency_key = $1", key).Scan(&out)
	return out, err
}

// GenerateKey derives a deterministic key from its parts
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// StartCleanup starts removing expired entries in the background
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup loop
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			n, err := i.Cleanup(i.ctx)
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}

// Cleanup removes expired entries
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	result, err := i.pool.Exec(ctx, "DELETE FROM inbox WHERE expires_at < NOW()")
	if err != nil {
		return 0, fmt.Errorf("inbox cleanup: %w", err)
	}
	return result.RowsAffected(), nil
}
