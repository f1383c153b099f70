package types

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// GenerateSandboxID generates a unique sandbox ID with prefix
func GenerateSandboxID() string {
	return fmt.Sprintf("sbx_%s", ksuid.New().String())
}

// GenerateScanID generates a unique scan ID with prefix
func GenerateScanID() string {
	return fmt.Sprintf("scan_%s", ksuid.New().String())
}

// GenerateID generates a generic unique ID
func GenerateID() string {
	return ksuid.New().String()
}
