package wallets

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRole         = errors.New("invalid wallet role")
	ErrInstanceNotFound    = errors.New("wallet instance not found")
	ErrNoAvailableEndpoint = errors.New("no available wallet rpc endpoint")
)

// Role identifies which escrow party a wallet instance signs for. The set
// is closed: role-dependent logic switches exhaustively over these three.
type Role int

const (
	RoleBuyer Role = iota
	RoleVendor
	RoleArbiter
)

// String returns the lowercase role name.
func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleVendor:
		return "vendor"
	case RoleArbiter:
		return "arbiter"
	default:
		return "unknown"
	}
}

// ParseRole converts a role name to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "buyer":
		return RoleBuyer, nil
	case "vendor":
		return RoleVendor, nil
	case "arbiter":
		return RoleArbiter, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Roles lists all three roles in protocol order.
func Roles() [3]Role {
	return [3]Role{RoleBuyer, RoleVendor, RoleArbiter}
}

// Phase tracks a wallet instance's progress through multisig setup.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhasePrepared         // prepare blob generated
	PhaseCombining        // one or more combination rounds done
	PhaseReady            // finalized, can export a signing share
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhasePrepared:
		return "prepared"
	case PhaseCombining:
		return "combining"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// MultisigState is the per-instance protocol sub-state.
type MultisigState struct {
	Phase Phase
	// Round counts completed combination sub-rounds while Phase is
	// PhaseCombining.
	Round int
	// SharedAddress is set once Phase is PhaseReady.
	SharedAddress string
}

// InstanceSnapshot is the durable identity of a wallet instance: enough
// to rebind the wallet file to its pool endpoint after a process restart.
// It is persisted inside the escrow's multisig checkpoint blob.
type InstanceSnapshot struct {
	ID          string `json:"id"`
	EscrowID    string `json:"escrowId"`
	Role        string `json:"role"`
	WalletName  string `json:"walletName"`
	Address     string `json:"address"`
	EndpointURL string `json:"endpointUrl"`
}

// Instance is one party's temporary wallet, bound to a pool endpoint.
// Instances are in-memory but referencable by ID from persisted escrows.
type Instance struct {
	ID         string
	EscrowID   string
	Role       Role
	WalletName string // wallet file name on the endpoint's disk
	Address    string // current primary address (changes once multisig is made)
	Endpoint   *Endpoint
	State      MultisigState
	CreatedAt  time.Time
	Retired    bool
}
