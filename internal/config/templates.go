package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes a commented starter config file to path, refusing to
// clobber an existing file unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(jtagdTemplate), 0o600)
}

const jtagdTemplate = `listen_addr = ":2542"
xvc_listen_addr = ":2543"
gpio_pin_count = 8
log_level = "info"
metrics_addr = ""
`
