package compliance

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// DocumentExt is the only accepted upload extension.
const DocumentExt = ".xml"

// ValidateUpload checks a submission before a task is created.
func ValidateUpload(filename string, size, maxBytes int64) error {
	if strings.TrimSpace(filename) == "" {
		return &ValidationError{Msg: "No file selected"}
	}
	if !strings.EqualFold(filepath.Ext(filename), DocumentExt) {
		return &ValidationError{Msg: "File must be XML"}
	}
	if size <= 0 {
		return &ValidationError{Msg: "File is empty"}
	}
	if maxBytes > 0 && size > maxBytes {
		return &ValidationError{TooLarge: true, Msg: fmt.Sprintf("File is %s, limit is %s",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(maxBytes)))}
	}
	return nil
}
