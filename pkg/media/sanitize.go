package media

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxFilenameLength = 255

var (
	forbiddenChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	controlChars   = regexp.MustCompile("[\x00-\x1f]")

	windowsReserved = map[string]bool{
		"CON": true, "PRN": true, "AUX": true, "NUL": true,
		"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
		"COM6": true, "COM7": true, "COM8": true, "COM9": true,
		"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
		"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
	}
)

// SanitizeFilename makes a media title safe to use as a filename on
// any filesystem: path separators and shell-hostile characters become
// underscores, control characters are dropped, trailing dots and
// spaces are trimmed, and Windows reserved device names get a suffix.
func SanitizeFilename(name string) string {
	sanitized := forbiddenChars.ReplaceAllString(name, "_")
	sanitized = controlChars.ReplaceAllString(sanitized, "")
	sanitized = strings.TrimRight(sanitized, " .")

	if len(sanitized) > maxFilenameLength {
		ext := filepath.Ext(sanitized)
		base := sanitized[:len(sanitized)-len(ext)]
		if keep := maxFilenameLength - len(ext); keep < len(base) {
			// Back up to a rune boundary so multi-byte titles stay
			// valid UTF-8 after the byte cap.
			for keep > 0 && !utf8.RuneStart(base[keep]) {
				keep--
			}
			base = base[:keep]
		}
		sanitized = base + ext
	}

	stem := strings.TrimSuffix(sanitized, filepath.Ext(sanitized))
	if windowsReserved[strings.ToUpper(stem)] {
		sanitized += "_"
	}

	if sanitized == "" {
		sanitized = "default_filename"
	}
	return sanitized
}
