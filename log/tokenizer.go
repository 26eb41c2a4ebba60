package log

import (
	"fmt"
	"strings"
)

// token is a single key=value pair of a hook configuration line.
type token struct {
	key, value string
	// inside is '[' when the value was written as a bracketed list.
	inside rune
}

// tokenize splits a configuration line such as
// "file=./cdp.log,level=debug,fields=[sid,fid]" into its key=value pairs.
func tokenize(line string) ([]token, error) {
	var (
		tokens []token
		i      int
	)
	for i < len(line) {
		eq := strings.IndexByte(line[i:], '=')
		comma := strings.IndexByte(line[i:], ',')
		if eq < 0 || (comma >= 0 && comma < eq) || i+eq == len(line)-1 {
			end := len(line)
			if comma >= 0 && (eq < 0 || comma < eq) {
				end = i + comma
			}
			return tokens, fmt.Errorf("key `%s` with no value", line[i:end])
		}

		tok := token{key: line[i : i+eq]}
		i += eq + 1

		if line[i] == '[' {
			end := strings.IndexByte(line[i:], ']')
			if end < 0 {
				return tokens, fmt.Errorf("value of key `%s` has no closing `]`", tok.key)
			}
			tok.value, tok.inside = line[i+1:i+end], '['
			i += end + 1
			if i < len(line) {
				if line[i] != ',' {
					return tokens, fmt.Errorf("unexpected `%c` after value of key `%s`", line[i], tok.key)
				}
				i++
			}
		} else {
			end := strings.IndexByte(line[i:], ',')
			if end < 0 {
				end = len(line) - i
			}
			tok.value = line[i : i+end]
			i += end + 1
		}

		tokens = append(tokens, tok)
	}

	return tokens, nil
}
