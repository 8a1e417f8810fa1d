package schema

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IDPolicy selects who decides a new task's permanent id.
type IDPolicy string

const (
	// IDClient means the id minted locally is sent to and kept by the
	// remote store.
	IDClient IDPolicy = "client"
	// IDServer means the remote store assigns the id; the local task lives
	// under a provisional id until the insert is confirmed.
	IDServer IDPolicy = "server"
)

// provisionalPrefix marks ids that the remote store has never seen.
const provisionalPrefix = "tmp-"

// ParseIDPolicy validates a policy name.
func ParseIDPolicy(s string) (IDPolicy, error) {
	switch IDPolicy(s) {
	case IDClient, IDServer:
		return IDPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown id policy %q (want %q or %q)", s, IDClient, IDServer)
	}
}

// NewID mints a local id for a new task under the policy.
func (p IDPolicy) NewID() string {
	if p == IDServer {
		return provisionalPrefix + uuid.NewString()
	}
	return uuid.NewString()
}

// IsProvisional reports whether id was minted locally under IDServer and
// has not been replaced by a remote id yet.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}
