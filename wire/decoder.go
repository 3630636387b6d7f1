package wire

import (
	"bufio"
	"regexp"
	"strings"
)

// eocIndicator matches a Response header announcing a Follows payload
// block, regardless of surrounding whitespace.
var eocIndicator = regexp.MustCompile(`(?i)^Response:\s*Follows\s*` + "\r?\n$")

// ReadMessage blocks on r until one complete Message has been read, or
// returns the underlying read error (including timeouts, which the
// caller is expected to treat as non-fatal and retry). Message
// boundaries work as follows:
//
//   - An isolated CRLF line delimits one message from the next, except
//     while inside a Follows payload block.
//   - Blank lines before any content are skipped rather than treated
//     as a (empty) message boundary.
//   - A Response: Follows header line opens a payload block that
//     continues, including lines that look like headers, until a line
//     beginning with "--END COMMAND--"; that marker line itself is
//     consumed but not retained.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	waitForMarker := false
	var lines []string

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}

		if line == EOL && !waitForMarker {
			if len(lines) > 0 {
				return parseMessage(lines), nil
			}
			continue
		}

		if waitForMarker {
			if strings.HasPrefix(line, eocMarker) {
				return parseMessage(lines), nil
			}
		} else if eocIndicator.MatchString(line) {
			waitForMarker = true
		}

		lines = append(lines, line)
	}
}
