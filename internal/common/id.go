package common

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewWorkerID generates a stable worker identity for lease ownership.
// Format: <hostname>:<uuid>
func NewWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s:%s", hostname, uuid.New().String())
}
