package eventbus

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"github.com/ton-connect/sockjs-bridge/internal/config"
)

const notifyChannel = "sockjs_bus"

//go:embed migrations/*.sql
var fs embed.FS

// notification is the NOTIFY payload. Messages themselves live in the
// journal table since NOTIFY payloads are limited to 8000 bytes.
type notification struct {
	ID      int64  `json:"id"`
	Address string `json:"address"`
}

// PgBus carries messages through a PostgreSQL journal table and
// LISTEN/NOTIFY. Journal rows older than JOURNAL_TTL seconds are removed
// by a background worker.
type PgBus struct {
	d        *dispatcher
	postgres *pgxpool.Pool
	cancel   context.CancelFunc
	done     chan struct{}
}

func MigrateDb(postgresURI string) error {
	log := logrus.WithField("prefix", "MigrateDb")
	d, err := iofs.New(fs, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, postgresURI)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("DB is up to date")
		return nil
	} else if err != nil {
		return err
	}
	log.Info("DB updated successfully")
	return nil
}

// configurePoolSettings creates a pgxpool.Config with settings from the environment.
// See https://pkg.go.dev/github.com/jackc/pgx/v4/pgxpool#ParseConfig
func configurePoolSettings(postgresURI string) (*pgxpool.Config, error) {
	log := logrus.WithField("prefix", "configurePoolSettings")

	poolConfig, err := pgxpool.ParseConfig(postgresURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres URI: %w", err)
	}

	poolConfig.MaxConns = config.Config.PostgresMaxConns
	poolConfig.MinConns = config.Config.PostgresMinConns

	if maxLifetime, err := time.ParseDuration(config.Config.PostgresMaxConnLifetime); err == nil {
		poolConfig.MaxConnLifetime = maxLifetime
	} else {
		log.Warnf("Invalid PostgresMaxConnLifetime '%s', using default", config.Config.PostgresMaxConnLifetime)
	}
	if maxIdleTime, err := time.ParseDuration(config.Config.PostgresMaxConnIdleTime); err == nil {
		poolConfig.MaxConnIdleTime = maxIdleTime
	} else {
		log.Warnf("Invalid PostgresMaxConnIdleTime '%s', using default", config.Config.PostgresMaxConnIdleTime)
	}
	if healthCheckPeriod, err := time.ParseDuration(config.Config.PostgresHealthCheckPeriod); err == nil {
		poolConfig.HealthCheckPeriod = healthCheckPeriod
	} else {
		log.Warnf("Invalid PostgresHealthCheckPeriod '%s', using default", config.Config.PostgresHealthCheckPeriod)
	}
	poolConfig.LazyConnect = config.Config.PostgresLazyConnect

	return poolConfig, nil
}

func NewPgBus(postgresURI string) (*PgBus, error) {
	log := logrus.WithField("prefix", "NewPgBus")
	poolConfig, err := configurePoolSettings(postgresURI)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var pool *pgxpool.Pool
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		pool, err = pgxpool.ConnectConfig(ctx, poolConfig)
		if err != nil {
			log.Warnf("connect failed, retrying: %v", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	if err := MigrateDb(postgresURI); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	listenCtx, stop := context.WithCancel(context.Background())
	b := &PgBus{
		d:        newDispatcher(),
		postgres: pool,
		cancel:   stop,
		done:     make(chan struct{}),
	}
	go b.listen(listenCtx)
	go b.worker(listenCtx)
	return b, nil
}

func (b *PgBus) Publish(ctx context.Context, addr string, body []byte, headers map[string]string) error {
	return b.transmit(ctx, Message{Address: addr, Body: body, Headers: headers})
}

func (b *PgBus) Send(ctx context.Context, addr string, body []byte, headers map[string]string, reply Handler) error {
	if err := validateAddress(addr); err != nil {
		return err
	}
	msg := Message{Address: addr, Body: body, Headers: headers, PointToPoint: true}
	if reply != nil {
		if err := attachReply(ctx, b, &msg, reply); err != nil {
			return err
		}
	}
	return b.transmit(ctx, msg)
}

func (b *PgBus) transmit(ctx context.Context, msg Message) error {
	if err := validateAddress(msg.Address); err != nil {
		return err
	}
	if b.d.isClosed() {
		return ErrClosed
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	_, err = b.postgres.Exec(ctx, `
		WITH ins AS (
			INSERT INTO bus.journal (address, message) VALUES ($1, $2) RETURNING id
		)
		SELECT pg_notify($3, json_build_object('id', ins.id, 'address', $1::text)::text) FROM ins
	`, msg.Address, data, notifyChannel)
	if err != nil {
		publishErrorsMetric.WithLabelValues("postgres").Inc()
		return fmt.Errorf("failed to publish message to %s: %w", msg.Address, err)
	}
	return nil
}

func (b *PgBus) Subscribe(ctx context.Context, addr string, h Handler) (*Registration, error) {
	reg, _, err := b.d.add(addr, h)
	return reg, err
}

func (b *PgBus) Unsubscribe(ctx context.Context, reg *Registration) error {
	b.d.remove(reg)
	return nil
}

// listen holds one pooled connection in LISTEN mode and reconnects with
// a pause when it is lost.
func (b *PgBus) listen(ctx context.Context) {
	log := logrus.WithField("prefix", "PgBus.listen")
	defer close(b.done)
	for ctx.Err() == nil {
		if err := b.listenOnce(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("listener failed: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

func (b *PgBus) listenOnce(ctx context.Context) error {
	conn, err := b.postgres.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var note notification
		if err := sonic.UnmarshalString(n.Payload, &note); err != nil {
			logrus.WithField("prefix", "PgBus.listenOnce").Errorf("bad notification %q: %v", n.Payload, err)
			continue
		}
		if !b.d.hasHandlers(note.Address) {
			continue
		}
		b.fetchAndDeliver(ctx, note.ID)
	}
}

func (b *PgBus) fetchAndDeliver(ctx context.Context, id int64) {
	log := logrus.WithField("prefix", "PgBus.fetchAndDeliver")
	var data []byte
	err := b.postgres.QueryRow(ctx, `SELECT message FROM bus.journal WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		log.Debugf("journal entry %d already expired", id)
		return
	} else if err != nil {
		log.Errorf("failed to read journal entry %d: %v", id, err)
		return
	}
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		log.Errorf("failed to unmarshal journal entry %d: %v", id, err)
		return
	}
	b.d.deliver(context.Background(), msg)
}

func (b *PgBus) worker(ctx context.Context) {
	log := logrus.WithField("prefix", "PgBus.worker")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tag, err := b.postgres.Exec(ctx,
			`DELETE FROM bus.journal WHERE created_at < current_timestamp - $1::bigint * interval '1 second'`,
			config.Config.JournalTTL)
		if err != nil {
			log.Infof("remove expired journal entries error: %v", err)
			continue
		}
		expiredJournalMetric.Add(float64(tag.RowsAffected()))
	}
}

func (b *PgBus) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var result int
	if err := b.postgres.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (b *PgBus) Close() error {
	if !b.d.shutdown() {
		return nil
	}
	b.cancel()
	<-b.done
	b.postgres.Close()
	return nil
}
