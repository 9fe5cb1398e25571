package quote

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Quote IDs are self-describing tokens rather than stored rows: a schema
// version byte, the creation instant as big-endian unix milliseconds, and 16
// random bytes, base32-encoded. Expiry is recomputed from the embedded
// instant, so creation and validation never need shared storage.
const (
	tokenVersion = 0x01
	tokenRawLen  = 1 + 8 + 16
)

// ErrMalformedQuoteID indicates a quote ID that cannot be decoded.
var ErrMalformedQuoteID = errors.New("quote: malformed quote id")

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func encodeToken(createdAt time.Time) string {
	raw := make([]byte, tokenRawLen)
	raw[0] = tokenVersion
	binary.BigEndian.PutUint64(raw[1:9], uint64(createdAt.UnixMilli()))
	entropy := uuid.New()
	copy(raw[9:], entropy[:])
	return tokenEncoding.EncodeToString(raw)
}

func decodeToken(id string) (time.Time, error) {
	raw, err := tokenEncoding.DecodeString(id)
	if err != nil {
		return time.Time{}, ErrMalformedQuoteID
	}
	if len(raw) != tokenRawLen || raw[0] != tokenVersion {
		return time.Time{}, ErrMalformedQuoteID
	}
	millis := binary.BigEndian.Uint64(raw[1:9])
	return time.UnixMilli(int64(millis)).UTC(), nil
}
