// Package reader turns card taps on PC/SC readers into transactions. Every
// reader is served by its own goroutine; one reader runs one transaction at
// a time and waits for the card to leave before accepting the next tap.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card"
)

// Source finds readers and waits on them.
type Source interface {
	Readers() ([]string, error)
	// WaitForCard blocks until a card is present on reader and returns it
	// connected.
	WaitForCard(ctx context.Context, reader string) (Slot, error)
	WaitForRemoval(ctx context.Context, reader string) error
}

// Slot is a connected card.
type Slot interface {
	Device() card.Device
	Close() error
}

// Handler runs one transaction on a presented card.
type Handler func(ctx context.Context, reader string, p *card.Presented) error

var ErrNoReaders = errors.New("reader: no matching readers")

// retryDelay is the pause after a failed wait before trying the reader again.
var retryDelay = time.Second

type Watcher struct {
	src    Source
	filter string
	log    *slog.Logger
}

// NewWatcher watches the readers of src whose name contains filter (all
// readers when filter is empty).
func NewWatcher(src Source, filter string, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{src: src, filter: filter, log: log}
}

// Readers lists the readers the watcher would serve.
func (w *Watcher) Readers() ([]string, error) {
	all, err := w.src.Readers()
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}
	var out []string
	for _, r := range all {
		if w.filter == "" || strings.Contains(r, w.filter) {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		if w.filter != "" {
			return nil, fmt.Errorf("%w (filter %q)", ErrNoReaders, w.filter)
		}
		return nil, ErrNoReaders
	}
	return out, nil
}

// Run serves taps on every matching reader until ctx is cancelled. Handler
// errors are logged and do not stop the loop.
func (w *Watcher) Run(ctx context.Context, h Handler) error {
	readers, err := w.Readers()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, r := range readers {
		wg.Add(1)
		go func(reader string) {
			defer wg.Done()
			w.watch(ctx, reader, h)
		}(r)
	}
	wg.Wait()
	return nil
}

func (w *Watcher) watch(ctx context.Context, reader string, h Handler) {
	log := w.log.With("reader", reader)
	log.Info("waiting for cards")
	for {
		slot, err := w.src.WaitForCard(ctx, reader)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("wait for card failed", "err", err)
			if !sleep(ctx, retryDelay) {
				return
			}
			continue
		}

		w.logResult(log, w.serve(ctx, reader, slot, h))

		if err := w.src.WaitForRemoval(ctx, reader); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("wait for removal failed", "err", err)
			if !sleep(ctx, retryDelay) {
				return
			}
		}
	}
}

// Once waits for the first tap on any matching reader, runs h on it and
// returns h's error. Cards tapped on other readers meanwhile are released
// untouched.
func (w *Watcher) Once(ctx context.Context, h Handler) error {
	readers, err := w.Readers()
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type tap struct {
		reader string
		slot   Slot
	}
	taps := make(chan tap, len(readers))
	var wg sync.WaitGroup
	for _, r := range readers {
		wg.Add(1)
		go func(reader string) {
			defer wg.Done()
			for {
				slot, err := w.src.WaitForCard(waitCtx, reader)
				if err == nil {
					taps <- tap{reader: reader, slot: slot}
					return
				}
				if waitCtx.Err() != nil {
					return
				}
				w.log.Warn("wait for card failed", "reader", reader, "err", err)
				if !sleep(waitCtx, retryDelay) {
					return
				}
			}
		}(r)
	}

	var first tap
	var got bool
	select {
	case first = <-taps:
		got = true
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
	close(taps)
	for t := range taps {
		t.slot.Close()
	}
	if !got {
		return ctx.Err()
	}
	return w.serve(ctx, first.reader, first.slot, h)
}

// serve presents the card in slot to h and closes the slot.
func (w *Watcher) serve(ctx context.Context, reader string, slot Slot, h Handler) error {
	defer slot.Close()
	p, err := card.Present(slot.Device())
	if err != nil {
		return err
	}
	w.log.Debug("card presented", "reader", reader, "card_id", p.Identity())
	return h(ctx, reader, p)
}

func (w *Watcher) logResult(log *slog.Logger, err error) {
	if err == nil {
		return
	}
	var ce *card.CardError
	if errors.As(err, &ce) {
		log.Error("transaction failed", "kind", ce.Kind.String(), "err", err)
		return
	}
	log.Error("transaction failed", "err", err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
