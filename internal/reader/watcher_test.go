package reader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card/cardtest"
)

// fakeSource hands out cards queued per reader.
type fakeSource struct {
	readers []string
	taps    map[string]chan card.Device

	mu       sync.Mutex
	closed   int
	removals int
}

func newFakeSource(readers ...string) *fakeSource {
	s := &fakeSource{readers: readers, taps: map[string]chan card.Device{}}
	for _, r := range readers {
		s.taps[r] = make(chan card.Device, 4)
	}
	return s
}

func (s *fakeSource) Readers() ([]string, error) {
	return s.readers, nil
}

func (s *fakeSource) WaitForCard(ctx context.Context, reader string) (Slot, error) {
	select {
	case dev := <-s.taps[reader]:
		return &fakeSlot{src: s, dev: dev}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) WaitForRemoval(ctx context.Context, reader string) error {
	s.mu.Lock()
	s.removals++
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) closedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSlot struct {
	src *fakeSource
	dev card.Device
}

func (f *fakeSlot) Device() card.Device {
	return f.dev
}

func (f *fakeSlot) Close() error {
	f.src.mu.Lock()
	f.src.closed++
	f.src.mu.Unlock()
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReadersFilter(t *testing.T) {
	src := newFakeSource("ACS ACR122U 00", "Yubico YubiKey 01")
	w := NewWatcher(src, "ACR122", quietLogger())

	got, err := w.Readers()
	if err != nil {
		t.Fatalf("Readers: %v", err)
	}
	if len(got) != 1 || got[0] != "ACS ACR122U 00" {
		t.Fatalf("unexpected readers %v", got)
	}

	w = NewWatcher(src, "Omnikey", quietLogger())
	if _, err := w.Readers(); !errors.Is(err, ErrNoReaders) {
		t.Fatalf("expected ErrNoReaders, got %v", err)
	}
}

func TestRunServesEveryReader(t *testing.T) {
	src := newFakeSource("r0", "r1")
	w := NewWatcher(src, "", quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]card.Identity{}
	done := make(chan struct{}, 3)
	h := func(_ context.Context, reader string, p *card.Presented) error {
		mu.Lock()
		seen[reader] = p.Identity()
		mu.Unlock()
		done <- struct{}{}
		if reader == "r1" {
			return &card.CardError{Kind: card.KindTagLost, Op: "test"}
		}
		return nil
	}

	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx, h) }()

	src.taps["r0"] <- cardtest.New()
	src.taps["r1"] <- cardtest.New()
	// a handler error must not stop the reader loop
	src.taps["r1"] <- cardtest.New()
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("handler not called for tap %d", i)
		}
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if seen["r0"] != "3B8180018080:04A1B2C3D4E5F6" || seen["r1"] == "" {
		t.Fatalf("unexpected identities %v", seen)
	}
	if src.closedCount() != 3 {
		t.Fatalf("expected 3 slots closed, got %d", src.closedCount())
	}
}

func TestRunSkipsUnreadableCard(t *testing.T) {
	src := newFakeSource("r0")
	w := NewWatcher(src, "", quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bad := cardtest.New()
	bad.Removed = true
	called := make(chan struct{}, 2)
	go w.Run(ctx, func(context.Context, string, *card.Presented) error {
		called <- struct{}{}
		return nil
	})

	src.taps["r0"] <- bad
	src.taps["r0"] <- cardtest.New()
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called for the good card")
	}
	select {
	case <-called:
		t.Fatalf("handler called for a card that could not be presented")
	default:
	}
}

func TestOnceRunsFirstTap(t *testing.T) {
	src := newFakeSource("r0", "r1")
	w := NewWatcher(src, "", quietLogger())

	src.taps["r1"] <- cardtest.New()
	want := errors.New("handler result")
	var gotReader string
	err := w.Once(context.Background(), func(_ context.Context, reader string, _ *card.Presented) error {
		gotReader = reader
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if gotReader != "r1" {
		t.Fatalf("expected tap on r1, got %q", gotReader)
	}
	if src.closedCount() != 1 {
		t.Fatalf("expected slot closed, got %d", src.closedCount())
	}
}

func TestOnceCancelled(t *testing.T) {
	src := newFakeSource("r0")
	w := NewWatcher(src, "", quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := w.Once(ctx, func(context.Context, string, *card.Presented) error {
		t.Fatalf("handler must not run")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
