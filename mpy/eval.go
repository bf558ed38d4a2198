package mpy

import "strconv"

// parseLiteral parses the subset of Python repr() output the device-shim
// helpers emit: ints, quoted strings, b'...' byte-string literals, and
// tuples/lists of those. It is a dedicated literal parser, not a general
// expression evaluator, per the design notes: device output is always a
// repr() of a known small value shape, never arbitrary code.
func parseLiteral(b []byte) (any, error) {
	v, rest, err := parseValue(skipSpace(b))
	if err != nil {
		return nil, err
	}
	if len(skipSpace(rest)) != 0 {
		return nil, newProtocolError("trailing data after literal: %q", rest)
	}
	return v, nil
}

func skipSpace(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	return b
}

func parseValue(b []byte) (any, []byte, error) {
	b = skipSpace(b)
	if len(b) == 0 {
		return nil, nil, newProtocolError("empty literal")
	}
	switch {
	case b[0] == '(':
		return parseSequence(b, '(', ')')
	case b[0] == '[':
		return parseSequence(b, '[', ']')
	case b[0] == 'b' && len(b) > 1 && (b[1] == '\'' || b[1] == '"'):
		return parseBytesLiteral(b[1:])
	case b[0] == '\'' || b[0] == '"':
		return parseStringLiteral(b)
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		return parseIntLiteral(b)
	case matchWord(b, "None"):
		return nil, b[4:], nil
	case matchWord(b, "True"):
		return true, b[4:], nil
	case matchWord(b, "False"):
		return false, b[5:], nil
	default:
		return nil, nil, newProtocolError("unrecognized literal: %q", b)
	}
}

func matchWord(b []byte, word string) bool {
	if len(b) < len(word) {
		return false
	}
	return string(b[:len(word)]) == word
}

func parseIntLiteral(b []byte) (any, []byte, error) {
	i := 0
	if b[i] == '-' {
		i++
	}
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return nil, nil, newProtocolError("invalid integer literal %q: %v", b[:i], err)
	}
	return n, b[i:], nil
}

func parseStringLiteral(b []byte) (any, []byte, error) {
	quote := b[0]
	i := 1
	var out []byte
	for i < len(b) {
		if b[i] == '\\' && i+1 < len(b) {
			out = append(out, unescapeChar(b[i+1]))
			i += 2
			continue
		}
		if b[i] == quote {
			return string(out), b[i+1:], nil
		}
		out = append(out, b[i])
		i++
	}
	return nil, nil, newProtocolError("unterminated string literal")
}

func parseBytesLiteral(b []byte) (any, []byte, error) {
	quote := b[0]
	i := 1
	var out []byte
	for i < len(b) {
		if b[i] == '\\' && i+1 < len(b) {
			switch b[i+1] {
			case 'x':
				if i+3 < len(b) {
					n, err := strconv.ParseUint(string(b[i+2:i+4]), 16, 8)
					if err == nil {
						out = append(out, byte(n))
						i += 4
						continue
					}
				}
				out = append(out, b[i+1])
				i += 2
			default:
				out = append(out, unescapeChar(b[i+1]))
				i += 2
			}
			continue
		}
		if b[i] == quote {
			return out, b[i+1:], nil
		}
		out = append(out, b[i])
		i++
	}
	return nil, nil, newProtocolError("unterminated bytes literal")
}

func unescapeChar(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 't':
		return '\t'
	case '0':
		return 0
	default:
		return c
	}
}

func parseSequence(b []byte, open, close byte) (any, []byte, error) {
	b = b[1:] // consume open
	var items []any
	b = skipSpace(b)
	for len(b) > 0 && b[0] != close {
		v, rest, err := parseValue(b)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, v)
		b = skipSpace(rest)
		if len(b) > 0 && b[0] == ',' {
			b = skipSpace(b[1:])
		}
	}
	if len(b) == 0 || b[0] != close {
		return nil, nil, newProtocolError("unterminated sequence literal")
	}
	return items, b[1:], nil
}
