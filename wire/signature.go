package wire

import "fmt"

// NextType splits sig after its first complete element type: a basic
// code is one byte, 'a' consumes one following complete type, '(' runs
// to the matching ')', '{' to the matching '}'.  A signature ending in
// a bare 'a', or with unbalanced brackets, is malformed.
func NextType(sig Signature) (elem, rest Signature, err error) {
	pos, depth := 0, 0
	for pos < len(sig) {
		c := sig[pos]
		switch c {
		case '(', '{':
			depth++
		case ')', '}':
			depth--
			if depth < 0 {
				return "", "", fmt.Errorf("%w: unbalanced brackets in %q", ErrMalformedSignature, sig)
			}
		case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 'h', 's', 'o', 'g', 'v', 'a':
		default:
			return "", "", fmt.Errorf("%w: unknown type code %q in %q", ErrMalformedSignature, c, sig)
		}
		pos++
		if depth == 0 && c != 'a' {
			break
		}
	}
	if pos == 0 {
		return "", "", fmt.Errorf("%w: empty signature", ErrMalformedSignature)
	}
	if depth != 0 {
		return "", "", fmt.Errorf("%w: unbalanced brackets in %q", ErrMalformedSignature, sig)
	}
	if sig[pos-1] == 'a' {
		return "", "", fmt.Errorf("%w: array without element type in %q", ErrMalformedSignature, sig)
	}
	return sig[:pos], sig[pos:], nil
}

// Split breaks sig into its complete element types.  Concatenating the
// result reproduces sig exactly.
func Split(sig Signature) ([]Signature, error) {
	var elems []Signature
	for len(sig) > 0 {
		elem, rest, err := NextType(sig)
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
		sig = rest
	}
	return elems, nil
}

// Valid reports whether sig parses as a sequence of complete types.
func Valid(sig Signature) bool {
	_, err := Split(sig)
	return err == nil
}
