// parser.go: section parser for plugin scripts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"bufio"
	"strings"
)

// ParseScript splits script text into named sections.
//
// A line whose trimmed form starts with '[' and ends with ']' opens a section
// named by the text between the brackets. Every following line, trimmed, is
// appended to that section followed by a newline. Lines before the first
// marker are dropped and a repeated section name replaces the earlier body.
// ParseScript never fails: malformed input just yields fewer sections.
func ParseScript(text string) map[string]string {
	sections := make(map[string]*strings.Builder)

	var current *strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), len(text)+1)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) >= 2 && strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			current = &strings.Builder{}
			sections[line[1:len(line)-1]] = current
			continue
		}
		if current == nil {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}

	result := make(map[string]string, len(sections))
	for name, body := range sections {
		result[name] = body.String()
	}
	return result
}
