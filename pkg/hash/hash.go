package hash

import (
	"crypto/md5"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

const (
	// Bits is the size of the identifier space (MD5 digest width).
	Bits = 128

	// Width is the number of hex characters in an ID.
	Width = Bits / 4
)

var (
	// ringSize is 2^128, the size of the hash space
	ringSize = new(big.Int).Lsh(big.NewInt(1), Bits)

	// maxValue is 2^128 - 1
	maxValue = new(big.Int).Sub(ringSize, big.NewInt(1))

	// ErrInvalidID is returned when a string is not a 32 character hex ID.
	ErrInvalidID = errors.New("invalid hash id")
)

// ID is a 128-bit identifier rendered as 32 uppercase hex characters.
// IDs are compared lexicographically, which matches numeric order only
// because every ID has the same width.
type ID string

// Key hashes a key into the ring space.
func Key(key string) ID {
	sum := md5.Sum([]byte(key))
	return ID(fmt.Sprintf("%032X", sum[:]))
}

// Address hashes a node address (ip:port) into the ring space.
func Address(ip string, port int) ID {
	return Key(JoinAddress(ip, port))
}

// JoinAddress renders ip and port in the ip:port form used throughout the wire protocol.
func JoinAddress(ip string, port int) string {
	return ip + ":" + strconv.Itoa(port)
}

// Parse validates s and returns it as an ID. Lowercase hex is accepted and normalized.
func Parse(s string) (ID, error) {
	if len(s) != Width {
		return "", fmt.Errorf("%w: %q has length %d", ErrInvalidID, s, len(s))
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
		}
	}
	return ID(strings.ToUpper(s)), nil
}

// MustParse is like Parse but panics on invalid input. Meant for constants and tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the hex form.
func (id ID) String() string {
	return string(id)
}

// Short returns the first n characters, used for compact log output.
func (id ID) Short(n int) string {
	if len(id) > n {
		return string(id[:n])
	}
	return string(id)
}

// Big returns the numeric value of the ID.
func (id ID) Big() *big.Int {
	v, ok := new(big.Int).SetString(string(id), 16)
	if !ok {
		return new(big.Int)
	}
	return v
}

// FromBig converts n (reduced modulo 2^128) into an ID.
func FromBig(n *big.Int) ID {
	return ID(fmt.Sprintf("%032X", mod(n)))
}

// InRange reports whether id lies on the arc (start, end].
// When start >= end the arc wraps around: id > start or id <= end.
// start == end therefore covers the whole ring.
func InRange(id, start, end ID) bool {
	if start < end {
		return id > start && id <= end
	}
	return id > start || id <= end
}

// ArcWidth returns the number of IDs on the arc (start, end].
// A full circle (start == end) has width 2^128.
func ArcWidth(start, end ID) *big.Int {
	s, e := start.Big(), end.Big()
	switch s.Cmp(e) {
	case 1:
		// wrap-around: (start, MAX] plus [0, end]
		w := new(big.Int).Sub(maxValue, s)
		w.Add(w, big.NewInt(1))
		return w.Add(w, e)
	case 0:
		return new(big.Int).Set(ringSize)
	default:
		return new(big.Int).Sub(e, s)
	}
}

// Add returns (id + n) mod 2^128.
func Add(id ID, n *big.Int) ID {
	return FromBig(new(big.Int).Add(id.Big(), n))
}

// Max returns the largest ID (all F).
func Max() ID {
	return FromBig(maxValue)
}

// Zero returns the smallest ID.
func Zero() ID {
	return ID(strings.Repeat("0", Width))
}

// RingSize returns 2^128.
func RingSize() *big.Int {
	return new(big.Int).Set(ringSize)
}

// mod returns x mod 2^128 in [0, 2^128).
func mod(x *big.Int) *big.Int {
	// big.Int.Mod is Euclidean, the result is never negative
	return new(big.Int).Mod(x, ringSize)
}
