package stacktrace

import (
	"runtime/debug"
	"strings"
)

// InternalPaths returns the file:line frames that belong to internal packages.
func InternalPaths(stack []byte) []string {
	lines := strings.Split(string(stack), "\n")
	paths := make([]string, 0, len(lines)/2)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		idx := strings.Index(line, ".go:")
		if idx == -1 || !strings.Contains(line, "/internal/") {
			continue
		}

		end := strings.IndexByte(line[idx:], ' ')
		if end == -1 {
			end = len(line)
		} else {
			end += idx
		}

		frame := line[:end]
		if at := strings.Index(frame, "/internal/"); at != -1 {
			paths = append(paths, frame[at+1:])
		}
	}
	return paths
}

// Current captures the calling goroutine stack in a form suited for a log
// attribute: internal frames when any exist, the raw dump otherwise.
func Current() any {
	stack := debug.Stack()
	if paths := InternalPaths(stack); len(paths) > 0 {
		return paths
	}
	return string(stack)
}
