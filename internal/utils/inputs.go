package utils

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PromptYesNoWithReader prompts for yes/no with custom reader/writer for testing.
// End of input counts as "no".
func PromptYesNoWithReader(prompt string, reader io.Reader, writer io.Writer) bool {
	scanner := bufio.NewScanner(reader)

	for {
		_, _ = fmt.Fprintf(writer, "%s (y/n): ", prompt)
		if !scanner.Scan() {
			return false
		}

		switch strings.TrimSpace(strings.ToLower(scanner.Text())) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
	}
}

// ReadStringWithReader reads one trimmed line from a reader. It reads a byte
// at a time so input after the newline is left for the next prompt.
func ReadStringWithReader(reader io.Reader) (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				break
			}
			line = append(line, buf[0])
		}
		if err == io.EOF {
			if len(line) == 0 {
				return "", errors.New("no input")
			}
			break
		}
		if err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(string(line)), nil
}
