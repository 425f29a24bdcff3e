package model

import "time"

// ChallengeSolution anchors a cross-node authenticity probe: a verifier
// mints a challenge/solution pair, hands the challenge to the node under
// test, and expects the matching solution back within the TTL.
type ChallengeSolution struct {
	Challenge string    `json:"challenge" db:"challenge"`
	Solution  string    `json:"solution" db:"solution"`
	Tag       *string   `json:"tag,omitempty" db:"tag"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ValidatorDescriptor identifies a known validator. A nil UID marks a
// testnet fallback entry: retained for IsValidator checks but excluded
// from ValidatorCount.
type ValidatorDescriptor struct {
	UID *int64 `json:"uid,omitempty" db:"uid"`
	IP  string `json:"ip" db:"ip" validate:"required,ip"`
}

// IsMainnet reports whether this descriptor carries a neuron UID.
func (v ValidatorDescriptor) IsMainnet() bool {
	return v.UID != nil
}
