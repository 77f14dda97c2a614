package federation

import (
	"fmt"
	"strings"

	"mcpfed/pkg/types"
)

const (
	ValidationSubset = "subset"
	ValidationAccept = "accept"
)

// Validator decides whether a peer's reported capabilities are acceptable
// for its config. A non-nil error rejects the connection.
type Validator interface {
	Validate(caps types.Capabilities, cfg types.PeerConfig) error
}

type ValidatorFunc func(caps types.Capabilities, cfg types.PeerConfig) error

func (f ValidatorFunc) Validate(caps types.Capabilities, cfg types.PeerConfig) error {
	return f(caps, cfg)
}

// AcceptAll accepts any peer that completes the handshake.
var AcceptAll Validator = ValidatorFunc(func(types.Capabilities, types.PeerConfig) error { return nil })

// SubsetValidator requires the peer to advertise everything the config
// expects. Configs without expectations are accepted.
type SubsetValidator struct{}

func (SubsetValidator) Validate(caps types.Capabilities, cfg types.PeerConfig) error {
	if cfg.Expect == nil {
		return nil
	}
	if missing := caps.Missing(*cfg.Expect); len(missing) > 0 {
		return fmt.Errorf("peer %s lacks %s", cfg.ServerID, strings.Join(missing, ", "))
	}
	return nil
}

// ValidatorFor maps a configured validation mode to a Validator.
func ValidatorFor(mode string) (Validator, error) {
	switch strings.ToLower(mode) {
	case "", ValidationSubset:
		return SubsetValidator{}, nil
	case ValidationAccept:
		return AcceptAll, nil
	default:
		return nil, fmt.Errorf("%w: unknown validation mode %q", ErrInvalidConfig, mode)
	}
}
