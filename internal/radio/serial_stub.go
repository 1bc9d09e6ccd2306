//go:build !linux

package radio

import (
	"fmt"
	"os"
)

func OpenSerial(path string, baud int) (*os.File, error) {
	return nil, fmt.Errorf("radio serial not supported on this platform")
}
