// Package labels reads optional marker label list files: one label per
// line, matching the labels used by the skeleton template.
package labels

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadFile reads the label list at path.
func ReadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open label file: %w", err)
	}
	defer f.Close()
	out, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// Read parses labels, one per line. Surrounding quotation marks are
// stripped and blank lines skipped.
func Read(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		label := strings.TrimSpace(scanner.Text())
		label = strings.Trim(label, `"`)
		if label == "" {
			continue
		}
		out = append(out, label)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("label file is empty")
	}
	return out, nil
}

// Rename returns a copy of current with the new labels applied. Counts
// must match; markers are renamed positionally.
func Rename(current, newLabels []string) ([]string, error) {
	if len(current) != len(newLabels) {
		return nil, fmt.Errorf("number of labels must match number of markers: have %d markers, %d labels",
			len(current), len(newLabels))
	}
	out := make([]string, len(newLabels))
	copy(out, newLabels)
	return out, nil
}
