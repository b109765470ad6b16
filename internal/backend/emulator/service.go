// Package emulator is a development stand-in for the remote identity and
// payment service. It enrolls cards, hands out keys and secrets, issues
// one-time challenges and checks the answers.
package emulator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/card"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/challenge"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/config"
	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/protocol"
)

var (
	ErrNotAuthorized = errors.New("emulator: payment not authorized")
	ErrInvalidAmount = errors.New("emulator: amount must be positive")
)

type Service struct {
	store      *Store
	autoEnroll bool
	log        *slog.Logger
	random     func(n int) ([]byte, error)
}

func NewService(store *Store, autoEnroll bool, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, autoEnroll: autoEnroll, log: log, random: randomBytes}
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Seed loads the configured cards into the store.
func (s *Service) Seed(ctx context.Context, cards []config.CardConfig) error {
	for _, c := range cards {
		account, err := marshalDoc(c.Account)
		if err != nil {
			return fmt.Errorf("seed %s account: %w", c.ID, err)
		}
		product, err := marshalDoc(c.Product)
		if err != nil {
			return fmt.Errorf("seed %s product: %w", c.ID, err)
		}
		if err := s.store.SeedCard(ctx, c.ID, account, product); err != nil {
			return fmt.Errorf("seed %s: %w", c.ID, err)
		}
	}
	return nil
}

func marshalDoc(doc map[string]any) (string, error) {
	if doc == nil {
		return "", nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Identify answers an identification request:
//
//	unknown card               -> not_found, or write_key when auto-enrolling
//	known, not provisioned     -> write_key
//	known, provisioned         -> authentication_needed
//	answer to a live challenge -> account | product, else not_found
func (s *Service) Identify(ctx context.Context, req protocol.IdentifyRequest) (protocol.IdentifyResponse, error) {
	switch r := req.(type) {
	case protocol.ByCardID:
		rec, err := s.store.FindCard(ctx, string(r.ID))
		if errors.Is(err, ErrCardNotFound) {
			if !s.autoEnroll {
				return protocol.NotFound{}, nil
			}
			rec = &CardRecord{ID: string(r.ID)}
			s.log.Info("enrolling card", "card_id", r.ID)
		} else if err != nil {
			return nil, err
		}
		if !rec.Provisioned {
			return s.issueKey(ctx, rec)
		}
		return s.issueChallenge(ctx, rec)

	case protocol.ByCardIDAndChallenge:
		rec, err := s.verify(ctx, r)
		if errors.Is(err, ErrCardNotFound) || errors.Is(err, ErrNotAuthorized) {
			return protocol.NotFound{}, nil
		}
		if err != nil {
			return nil, err
		}
		switch {
		case rec.Account != "":
			return protocol.AccountFound{Account: json.RawMessage(rec.Account)}, nil
		case rec.Product != "":
			return protocol.ProductFound{Product: json.RawMessage(rec.Product)}, nil
		default:
			return protocol.NotFound{}, nil
		}

	default:
		return nil, fmt.Errorf("unsupported identify request %T", req)
	}
}

// Authorize answers a payment authorization. Unknown or unprovisioned cards
// and wrong answers get ErrNotAuthorized.
func (s *Service) Authorize(ctx context.Context, amount int, method protocol.PaymentMethod) (protocol.PaymentResponse, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	switch m := method.(type) {
	case protocol.ByCardID:
		rec, err := s.store.FindCard(ctx, string(m.ID))
		if errors.Is(err, ErrCardNotFound) {
			return nil, ErrNotAuthorized
		}
		if err != nil {
			return nil, err
		}
		if !rec.Provisioned {
			return nil, ErrNotAuthorized
		}
		return s.issueChallenge(ctx, rec)

	case protocol.ByCardIDAndChallenge:
		rec, err := s.verify(ctx, m)
		if errors.Is(err, ErrCardNotFound) {
			return nil, ErrNotAuthorized
		}
		if err != nil {
			return nil, err
		}
		token := uuid.NewString()
		s.log.Info("payment authorized", "card_id", rec.ID, "amount", amount)
		return protocol.Authorized{Token: token}, nil

	default:
		return nil, fmt.Errorf("unsupported payment method %T", method)
	}
}

// issueKey generates key material if the card has none and marks the card
// provisioned; the terminal identifies again right after writing.
func (s *Service) issueKey(ctx context.Context, rec *CardRecord) (protocol.IdentifyResponse, error) {
	if rec.Key == "" {
		key, err := s.random(16)
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		secret, err := s.random(16)
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		rec.Key = strings.ToUpper(hex.EncodeToString(key))
		rec.Secret = hex.EncodeToString(secret)
	}
	rec.Provisioned = true
	if err := s.store.SaveCard(ctx, rec); err != nil {
		return nil, err
	}
	s.log.Info("issued write_key", "card_id", rec.ID)
	return protocol.WriteKey{ID: card.Identity(rec.ID), Key: rec.Key, Secret: rec.Secret}, nil
}

func (s *Service) issueChallenge(ctx context.Context, rec *CardRecord) (protocol.AuthenticationNeeded, error) {
	b, err := s.random(16)
	if err != nil {
		return protocol.AuthenticationNeeded{}, fmt.Errorf("generate challenge: %w", err)
	}
	ch, err := s.store.CreateChallenge(ctx, rec.ID, hex.EncodeToString(b))
	if err != nil {
		return protocol.AuthenticationNeeded{}, err
	}
	return protocol.AuthenticationNeeded{ID: card.Identity(rec.ID), Key: rec.Key, Challenge: ch.Challenge}, nil
}

// verify consumes the challenge and checks the answer. The challenge is
// spent even when the answer is wrong.
func (s *Service) verify(ctx context.Context, r protocol.ByCardIDAndChallenge) (*CardRecord, error) {
	rec, err := s.store.FindCard(ctx, string(r.ID))
	if err != nil {
		return nil, err
	}
	if err := s.store.ConsumeChallenge(ctx, rec.ID, r.Challenge); err != nil {
		if errors.Is(err, ErrChallengeNotFound) {
			s.log.Warn("challenge rejected", "card_id", rec.ID, "err", err)
			return nil, ErrNotAuthorized
		}
		return nil, err
	}
	if !challenge.Verify([]byte(rec.Secret), r.Challenge, r.Response) {
		s.log.Warn("challenge answer rejected", "card_id", rec.ID)
		return nil, ErrNotAuthorized
	}
	return rec, nil
}
