// Package session drives one streaming turn from assembly to close.
package session

import (
	"github.com/capitalize-ai/docchat/internal/model"
)

// Sink is a downstream transport. A Write error means the client is gone;
// it is the only liveness signal a session relies on.
type Sink interface {
	Write(event model.StreamEvent) error
	Close() error
}
