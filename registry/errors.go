package registry

import (
	"errors"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrNotFound indicates the requested function, version, or code artifact
// does not exist.
var ErrNotFound = errors.New("not found")

// isKeyNotFound checks whether a KV error indicates a missing key.
func isKeyNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "key not found")
}
