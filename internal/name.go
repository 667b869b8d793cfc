package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var invalidNameChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)

// unusedName reserves a unique filename in dir by creating it
// exclusively. The exclusive create is the serialization point: two
// concurrent reservations can never return the same name. The caller
// gets back a path whose file already exists: empty when this call
// created it, or the earlier file, content intact, under the replace
// policy.
func unusedName(dir, name string, redownload RedownloadPolicy, existsCB func(string) bool) (string, error) {
	name = invalidNameChars.ReplaceAllString(name, "_")
	if name == "" {
		name = "unnamed"
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	candidate := filepath.Join(dir, name)
	for counter := 0; ; counter++ {
		fd, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			// A failed close (EBADF included) still leaves the
			// name reserved.
			_ = fd.Close()
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
		if counter == 0 {
			switch redownload {
			case RedownloadNever:
				return "", &AlreadyDownloadedError{Name: name}
			case RedownloadReplace:
				return candidate, nil
			case RedownloadAsk:
				if existsCB == nil || !existsCB(name) {
					return "", ErrUserCanceled
				}
			}
			// always: fall through to the suffix loop
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s.%d%s", base, counter+1, ext))
	}
}
