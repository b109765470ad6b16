package main

import (
	"encoding/json"
	"io"
	"log/slog"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/protocol"
)

type outcomeLine struct {
	Type string           `json:"type"`
	Data protocol.Outcome `json:"data"`
}

// printOutcomes writes one JSON line per outcome until results is closed,
// then closes done.
func printOutcomes(w io.Writer, results <-chan protocol.Outcome, log *slog.Logger, done chan<- struct{}) {
	defer close(done)
	enc := json.NewEncoder(w)
	for o := range results {
		if err := enc.Encode(outcomeLine{Type: o.Kind(), Data: o}); err != nil {
			log.Error("print outcome failed", "outcome", o.Kind(), "err", err)
		}
	}
}
