package jobs

import (
	"fmt"
	"strconv"
	"strings"
)

// ArgsToIdentifier encodes positional job arguments into the canonical
// arg_identifier string. Integers are written in decimal and strings are
// Go-quoted, so commas and quotes inside strings cannot collide with the
// separator. Equal argument lists always encode to the same string.
func ArgsToIdentifier(args []any) (string, error) {
	parts := make([]string, 0, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			parts = append(parts, strconv.Quote(v))
		default:
			n, ok := asInt64(arg)
			if !ok {
				return "", fmt.Errorf("job argument %d: unsupported type %T", i, arg)
			}
			parts = append(parts, strconv.FormatInt(n, 10))
		}
	}
	return strings.Join(parts, ","), nil
}

// IdentifierToArgs decodes an identifier produced by ArgsToIdentifier.
// Integers come back as int64.
func IdentifierToArgs(identifier string) ([]any, error) {
	args := []any{}
	rest := identifier
	for rest != "" {
		if rest[0] == '"' {
			quoted, err := strconv.QuotedPrefix(rest)
			if err != nil {
				return nil, fmt.Errorf("decode identifier %q: %w", identifier, err)
			}
			s, err := strconv.Unquote(quoted)
			if err != nil {
				return nil, fmt.Errorf("decode identifier %q: %w", identifier, err)
			}
			args = append(args, s)
			rest = rest[len(quoted):]
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				end = len(rest)
			}
			n, err := strconv.ParseInt(rest[:end], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decode identifier %q: %w", identifier, err)
			}
			args = append(args, n)
			rest = rest[end:]
		}
		if rest == "" {
			break
		}
		if rest[0] != ',' || len(rest) == 1 {
			return nil, fmt.Errorf("decode identifier %q: malformed separator", identifier)
		}
		rest = rest[1:]
	}
	return args, nil
}

// NormalizeArgs converts every integer argument to int64, the form
// IdentifierToArgs returns.
func NormalizeArgs(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		if s, ok := arg.(string); ok {
			out[i] = s
			continue
		}
		n, ok := asInt64(arg)
		if !ok {
			return nil, fmt.Errorf("job argument %d: unsupported type %T", i, arg)
		}
		out[i] = n
	}
	return out, nil
}

// Int64Arg returns argument i as an int64.
func Int64Arg(args []any, i int) (int64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing job argument %d", i)
	}
	n, ok := asInt64(args[i])
	if !ok {
		return 0, fmt.Errorf("job argument %d: expected integer, got %T", i, args[i])
	}
	return n, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}
