package vision

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrLicenseKeyMissing means the license key file could not be read. Tracking
// cannot start without it.
var ErrLicenseKeyMissing = errors.New("vision license key missing: store the key on the robot controller storage in the FIRST folder and make sure the file name matches the configured one")

// LoadLicenseKey reads the license key file. Each line is kept followed by a
// newline, so keys pasted over several lines survive. A blank file counts as
// missing.
func LoadLicenseKey(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w (expected at %s): %w", ErrLicenseKeyMissing, path, err)
	}
	defer f.Close()

	var key strings.Builder
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key.WriteString(scanner.Text())
		key.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w (expected at %s): %w", ErrLicenseKeyMissing, path, err)
	}
	if strings.TrimSpace(key.String()) == "" {
		return "", fmt.Errorf("%w (%s is empty)", ErrLicenseKeyMissing, path)
	}
	return key.String(), nil
}
