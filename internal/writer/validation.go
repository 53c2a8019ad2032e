package writer

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Task ids are uuids, but any short name of letters, digits, '-' and '_' is accepted
var taskIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidateTaskID rejects task ids that could escape the output directory
func ValidateTaskID(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task id cannot be empty")
	}
	if strings.Contains(taskID, "..") {
		return fmt.Errorf("invalid task id: contains '..' (path traversal attempt)")
	}
	if filepath.IsAbs(taskID) {
		return fmt.Errorf("invalid task id: must be relative path")
	}
	if strings.ContainsAny(taskID, "/\\") {
		return fmt.Errorf("invalid task id: must be directory name without path separators")
	}
	if !taskIDRegex.MatchString(taskID) {
		return fmt.Errorf("invalid task id format: %q", taskID)
	}
	return nil
}
