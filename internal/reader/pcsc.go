package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebfe/scard"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/pkg/desfire"
)

// PCSC is a Source backed by the system PC/SC daemon. Each reader gets its
// own PC/SC context since a context must not be shared between goroutines.
type PCSC struct {
	root *scard.Context
	poll time.Duration

	mu       sync.Mutex
	contexts map[string]*scard.Context
}

var _ Source = (*PCSC)(nil)

// NewPCSC establishes the PC/SC context. poll bounds each status wait so
// cancellation is noticed.
func NewPCSC(poll time.Duration) (*PCSC, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &PCSC{root: ctx, poll: poll, contexts: map[string]*scard.Context{}}, nil
}

func (p *PCSC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, ctx := range p.contexts {
		_ = ctx.Release()
		delete(p.contexts, name)
	}
	return p.root.Release()
}

func (p *PCSC) Readers() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root.ListReaders()
}

func (p *PCSC) contextFor(reader string) (*scard.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx, ok := p.contexts[reader]; ok {
		return ctx, nil
	}
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext for %q failed: %w", reader, err)
	}
	p.contexts[reader] = ctx
	return ctx, nil
}

// WaitForCard blocks until a card is in the field of reader and connects to it.
func (p *PCSC) WaitForCard(ctx context.Context, reader string) (Slot, error) {
	sctx, err := p.contextFor(reader)
	if err != nil {
		return nil, err
	}
	if err := p.waitFor(ctx, sctx, reader, scard.StatePresent); err != nil {
		return nil, err
	}
	conn, err := desfire.Dial(sctx, reader)
	if err != nil {
		return nil, err
	}
	return &pcscSlot{conn: conn, tag: desfire.NewTag(conn)}, nil
}

// WaitForRemoval blocks until reader reports an empty field.
func (p *PCSC) WaitForRemoval(ctx context.Context, reader string) error {
	sctx, err := p.contextFor(reader)
	if err != nil {
		return err
	}
	return p.waitFor(ctx, sctx, reader, scard.StateEmpty)
}

func (p *PCSC) waitFor(ctx context.Context, sctx *scard.Context, reader string, want scard.StateFlag) error {
	states := []scard.ReaderState{{
		Reader:       reader,
		CurrentState: scard.StateUnaware,
	}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sctx.GetStatusChange(states, p.poll); err != nil {
			if errors.Is(err, scard.ErrTimeout) {
				continue
			}
			return fmt.Errorf("GetStatusChange %q: %w", reader, err)
		}

		rs := states[0]
		if rs.EventState&scard.StateUnavailable != 0 {
			return fmt.Errorf("reader %q unavailable", reader)
		}
		if rs.EventState&want != 0 && rs.EventState&scard.StateMute == 0 {
			return nil
		}
		states[0].CurrentState = rs.EventState
	}
}

type pcscSlot struct {
	conn *desfire.Connection
	tag  *desfire.Tag
}

func (s *pcscSlot) Device() card.Device {
	return s.tag
}

func (s *pcscSlot) Close() error {
	s.conn.Close()
	return nil
}
