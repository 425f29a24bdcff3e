package model

// NodeIdentity is the body returned by GET / — every node in the
// federation advertises its build and, if it runs as a mining pool, its
// pool metadata so workers and validators can tell who they are talking
// to.
type NodeIdentity struct {
	Branch                string `json:"branch"`
	Version               string `json:"version"`
	Hash                  string `json:"hash"`
	ServerPublicProtocol  string `json:"SERVER_PUBLIC_PROTOCOL"`
	ServerPublicHost      string `json:"SERVER_PUBLIC_HOST"`
	ServerPublicPort      int    `json:"SERVER_PUBLIC_PORT"`
	MiningPoolURL         string `json:"MINING_POOL_URL,omitempty"`
	MiningPoolRewards     string `json:"MINING_POOL_REWARDS,omitempty"`
	MiningPoolWebsiteURL  string `json:"MINING_POOL_WEBSITE_URL,omitempty"`
}

// RunMode is which of the three federation roles this node process plays.
type RunMode string

const (
	RunModeWorker    RunMode = "worker"
	RunModeMiner     RunMode = "miner"
	RunModeValidator RunMode = "validator"
)
