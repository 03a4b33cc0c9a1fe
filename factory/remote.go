package factory

import (
	"github.com/kvmgate/kvmgate/nbd"
	"github.com/kvmgate/kvmgate/nbd/remotes/httpremote"
)

// RemoteFromOptions maps a remote URL scheme to its backend implementation.
// It satisfies nbd.BackendResolver.
func RemoteFromOptions(options nbd.RemoteOptions) (nbd.Backend, error) {
	switch options.Scheme() {
	case "http", "https":
		return httpremote.New(options), nil
	default:
		return nil, nbd.Errorf(nbd.KindValidation, "unknown remote scheme: %q", options.Scheme())
	}
}
