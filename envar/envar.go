package envar

import "os"

const (
	KvmgateVerbose = "KVMGATE_VERBOSE"

	// KvmgateNbdAgent marks a re-exec'd process as the NBD agent subprocess.
	KvmgateNbdAgent = "KVMGATE_NBD_AGENT"
)

func Getenv(key, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}
