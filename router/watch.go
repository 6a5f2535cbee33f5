// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package router

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// notifyChannel is the LISTEN/NOTIFY channel the event triggers fire on.
const notifyChannel = "pghatch_watch"

// watchSQL installs the DDL watch: a helper schema, two notifying
// functions and event triggers on command end and drop. Everything is
// idempotent so repeated installs and concurrent gateways are safe.
const watchSQL = `
CREATE SCHEMA IF NOT EXISTS pghatch_watch;

CREATE OR REPLACE FUNCTION pghatch_watch.notify_ddl()
RETURNS event_trigger
LANGUAGE plpgsql
AS $$
BEGIN
  PERFORM pg_notify('pghatch_watch',
    json_build_object('type', 'ddl', 'tag', tg_tag)::text);
END;
$$;

CREATE OR REPLACE FUNCTION pghatch_watch.notify_drop()
RETURNS event_trigger
LANGUAGE plpgsql
AS $$
BEGIN
  PERFORM pg_notify('pghatch_watch',
    json_build_object('type', 'drop', 'tag', tg_tag)::text);
END;
$$;

DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1 FROM pg_event_trigger WHERE evtname = 'pghatch_watch_ddl'
  ) THEN
    CREATE EVENT TRIGGER pghatch_watch_ddl
      ON ddl_command_end
      EXECUTE FUNCTION pghatch_watch.notify_ddl();
  END IF;
  IF NOT EXISTS (
    SELECT 1 FROM pg_event_trigger WHERE evtname = 'pghatch_watch_drop'
  ) THEN
    CREATE EVENT TRIGGER pghatch_watch_drop
      ON sql_drop
      EXECUTE FUNCTION pghatch_watch.notify_drop();
  END IF;
END;
$$;
`

// A watcher holds a dedicated listening connection and turns DDL
// notifications into debounced rebuild triggers. It reconnects with
// exponential backoff and verifies connection liveness with periodic
// pings between notifications.
type watcher struct {
	dsn       string
	debounce  time.Duration
	heartbeat time.Duration
	log       *zap.Logger

	// trigger receives one value per debounced burst of notifications.
	// It has capacity 1: a rebuild already pending absorbs new bursts.
	trigger chan struct{}
}

func newWatcher(dsn string, debounce, heartbeat time.Duration, log *zap.Logger) *watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &watcher{
		dsn:       dsn,
		debounce:  debounce,
		heartbeat: heartbeat,
		log:       log,
		trigger:   make(chan struct{}, 1),
	}
}

// install creates the watch schema and event triggers on a dedicated
// connection. It runs once at startup so a permanent failure, such as
// a role that may not create event triggers, surfaces as an
// initialization error instead of an endless reconnect loop.
func (w *watcher) install(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, w.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	_, err = conn.Exec(ctx, watchSQL)
	return err
}

// run listens until ctx is done, reconnecting on failure.
func (w *watcher) run(ctx context.Context) {
	backoff := 250 * time.Millisecond
	const maxBackoff = 30 * time.Second
	for {
		if err := w.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("watch connection lost", zap.Error(err), zap.Duration("retry_in", backoff))
			// The missed notifications are unrecoverable, so a rebuild
			// runs as soon as we are back.
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return
	}
}

func (w *watcher) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, w.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	if _, err := conn.Exec(ctx, watchSQL); err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	w.log.Info("watching for schema changes", zap.String("channel", notifyChannel))
	w.fire()
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, w.heartbeat)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()
		switch {
		case err == nil:
			w.log.Debug("schema change notification", zap.String("payload", n.Payload))
			if debounce == nil {
				debounce = time.AfterFunc(w.debounce, w.fire)
			} else {
				debounce.Reset(w.debounce)
			}
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			if err := conn.Ping(ctx); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

// fire requests one rebuild, coalescing with any already pending.
func (w *watcher) fire() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}
