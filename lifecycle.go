package workercache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"

	"github.com/cmorrow/go-worker-cache/buckets"
)

var (
	// ErrInstallAborted is returned when any manifest entry fails to
	// fetch. Population is all-or-nothing; no partial static bucket is
	// ever persisted.
	ErrInstallAborted = errors.New("install aborted")
)

// Install seeds the static bucket with the configured manifest. Every
// entry is fetched before the bucket is created, so a single failure
// leaves no trace in the store. The host retries install on a later
// registration attempt; nothing is retried here.
//
// On success the worker becomes eligible to skip the waiting phase and
// activate immediately.
func (w *Worker) Install(ctx context.Context) error {
	type seeded struct {
		key string
		rec *Record
	}

	entries := make([]seeded, 0, len(w.c.StaticResources))
	for _, res := range w.c.StaticResources {
		u, err := w.c.resolve(res)
		if err != nil {
			return errors.Join(ErrInstallAborted, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return errors.Join(ErrInstallAborted, err)
		}

		resp, err := w.Transport.RoundTrip(req)
		if err != nil {
			return errors.Join(ErrInstallAborted, err)
		}

		snap, err := httputil.DumpResponse(resp, true)
		resp.Body.Close()
		if err != nil {
			return errors.Join(ErrInstallAborted, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return errors.Join(ErrInstallAborted,
				fmt.Errorf("manifest entry %s returned status %d", res, resp.StatusCode))
		}

		entries = append(entries, seeded{
			key: buckets.Key(*req),
			rec: &Record{Status: resp.StatusCode, Response: snap, StoredAt: w.now().UTC()},
		})
	}

	// every fetch succeeded; only now does the bucket come into existence
	name := buckets.StaticName(w.c.Version)
	b, err := w.store.Open(ctx, name)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := b.Put(ctx, e.key, e.rec); err != nil {
			return err
		}
	}

	w.logger.DebugContext(ctx, "static bucket populated", "bucket", name, "entries", len(entries))
	w.SkipWaiting()
	return nil
}

// Activate performs the version cutover, fully ordered: condemn every
// bucket from another version, await the deletions, claim connected
// clients, then broadcast the update notice. Clients must be under new
// control before being told to act.
func (w *Worker) Activate(ctx context.Context) error {
	keepStatic := buckets.StaticName(w.c.Version)
	keepDynamic := buckets.DynamicName(w.c.Version)

	names, err := w.store.Names(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		if name == keepStatic || name == keepDynamic {
			continue
		}
		if err := w.store.Delete(ctx, name); err != nil {
			return err
		}
		w.logger.DebugContext(ctx, "condemned bucket deleted", "bucket", name)
	}

	// exactly one static and one dynamic bucket exist from here on
	if _, err := w.store.Open(ctx, keepStatic); err != nil {
		return err
	}
	if _, err := w.store.Open(ctx, keepDynamic); err != nil {
		return err
	}

	w.clients.Claim(w.c.Version)
	n := w.clients.Broadcast(Notice{Type: NoticeUpdated, Version: w.c.Version})
	w.logger.DebugContext(ctx, "activation complete", "version", w.c.Version, "clients", n)
	return nil
}

// ClearAll deletes every existing bucket unconditionally, with no
// repopulation. The next fetch behaves as a cold start.
func (w *Worker) ClearAll(ctx context.Context) error {
	names, err := w.store.Names(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := w.store.Delete(ctx, name); err != nil {
			return err
		}
	}

	w.logger.DebugContext(ctx, "all buckets cleared", "count", len(names))
	return nil
}
