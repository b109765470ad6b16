package desfire

import (
	"fmt"

	"github.com/ebfe/scard"
)

// Connection wraps a PC/SC card connection.
type Connection struct {
	Card   *scard.Card
	Reader string
}

// Dial connects to the card on a named reader. The caller owns ctx; Close
// only disconnects the card.
func Dial(ctx *scard.Context, reader string) (*Connection, error) {
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, fmt.Errorf("connect %q failed: %w", reader, err)
	}
	return &Connection{Card: card, Reader: reader}, nil
}

// Close disconnects the card, leaving it powered for the next connection.
func (c *Connection) Close() {
	if c == nil {
		return
	}
	if c.Card != nil {
		_ = c.Card.Disconnect(scard.LeaveCard)
	}
}

// Transmit sends an APDU to the card (implements Card interface).
func (c *Connection) Transmit(apdu []byte) ([]byte, error) {
	if c == nil || c.Card == nil {
		return nil, fmt.Errorf("connection not established")
	}
	return c.Card.Transmit(apdu)
}

// ATR returns the answer-to-reset reported by the reader for the connected card.
func (c *Connection) ATR() ([]byte, error) {
	if c == nil || c.Card == nil {
		return nil, fmt.Errorf("connection not established")
	}
	st, err := c.Card.Status()
	if err != nil {
		return nil, fmt.Errorf("card status: %w", err)
	}
	return st.Atr, nil
}
