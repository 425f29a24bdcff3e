package model

import "time"

// WorkerStatus is the lifecycle state of a worker as observed by the scorer.
type WorkerStatus string

const (
	StatusTBD  WorkerStatus = "tbd"
	StatusUp   WorkerStatus = "up"
	StatusDown WorkerStatus = "down"
)

// ConnectionType classifies the network a worker's IP resolves to.
type ConnectionType string

const (
	ConnectionDatacenter  ConnectionType = "datacenter"
	ConnectionResidential ConnectionType = "residential"
	ConnectionUnknown     ConnectionType = "unknown"
)

// Worker is a leaf VPN endpoint broadcast by a mining pool (or, in worker
// mode, registered against the special "internal" pool uid). Natural key
// is (IP, MiningPoolUID).
type Worker struct {
	IP                      string         `json:"ip" db:"ip" validate:"required,ip"`
	PublicPort              int            `json:"public_port" db:"public_port" validate:"required,min=1,max=65535"`
	CountryCode             string         `json:"country_code" db:"country_code"`
	ConnectionType          ConnectionType `json:"connection_type" db:"connection_type"`
	MiningPoolURL           string         `json:"mining_pool_url" db:"mining_pool_url"`
	MiningPoolUID           string         `json:"mining_pool_uid" db:"mining_pool_uid"`
	PaymentAddressEVM       *string        `json:"payment_address_evm,omitempty" db:"payment_address_evm"`
	PaymentAddressBittensor *string        `json:"payment_address_bittensor,omitempty" db:"payment_address_bittensor"`
	Status                  WorkerStatus   `json:"status" db:"status"`
	LastTestedAt            *time.Time     `json:"last_tested_at,omitempty" db:"last_tested_at"`
	WireGuardConfig         *string        `json:"wireguard_config,omitempty" db:"wireguard_config"`
	SOCKS5Config            *string        `json:"socks5_config,omitempty" db:"socks5_config"`
	Datacenter              *bool          `json:"datacenter,omitempty" db:"datacenter"`
	Version                 *string        `json:"version,omitempty" db:"version"`
	CreatedAt               time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time      `json:"updated_at" db:"updated_at"`
}

// InternalMiningPoolUID is the synthetic pool uid a worker uses when it
// registers itself directly with its own mining pool in worker mode.
const InternalMiningPoolUID = "internal"
