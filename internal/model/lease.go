package model

// WireGuardLease is a row asserting that peer slot PeerID is currently
// leased; presence of the row is the leased-ness. ExpiresAt is Unix millis.
type WireGuardLease struct {
	PeerID    int   `db:"id"`
	ExpiresAt int64 `db:"expires_at"`
}

// SOCKS5Credential is one row of the Dante user database mirror. The first
// PrioritySlots rows by ID are the shared priority pool; the remainder is
// the exclusive standard pool.
type SOCKS5Credential struct {
	ID        int    `db:"id"`
	IPAddress string `db:"ip_address"`
	Port      int    `db:"port"`
	Username  string `db:"username"`
	Password  string `db:"password"`
	Available bool   `db:"available"`
	ExpiresAt int64  `db:"expires_at"`
	UpdatedAt int64  `db:"updated_at_unix"`
}

// SOCKS5Config is the string form handed to a caller: "socks5://user:pass@ip:port".
type SOCKS5Config struct {
	Sock string `json:"sock"`
}
