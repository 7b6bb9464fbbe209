package preflight

import (
	"os"

	"github.com/Aman-CERP/mediasync/internal/store"
)

// CheckDatabase runs a read-only integrity check on an existing SQLite
// file. A missing file passes: it is created on first start.
func (c *Checker) CheckDatabase(name, path string) CheckResult {
	result := CheckResult{
		Name:     name + "_db",
		Required: true,
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		result.Status = StatusPass
		result.Message = "not created yet"
		return result
	}
	if err := store.CheckIntegrity(path); err != nil {
		result.Status = StatusFail
		result.Message = err.Error()
		result.Details = "restore " + path + " from a backup"
		return result
	}

	result.Status = StatusPass
	result.Message = path
	return result
}
