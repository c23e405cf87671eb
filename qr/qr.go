// Package qr implements the scannable code format shared by customer
// and seller devices. Codes are plain text rendered into QR images;
// decoding needs no network round-trip, so scanning keeps working when
// devices cannot reach the backend.
//
// Wire formats (bit-exact, other devices interoperate on these):
//
//	user code:   USER_DATA|<userId>|<name>|<email>
//	legacy user: USER:<userId>:<uuid>
//	ticket code: TKT:<uuid-v4>
//
// Known limitation: fields are not escaped. A name or email containing
// the pipe delimiter shifts the remaining fields on decode. The format
// is kept as-is for compatibility with codes already in the wild.
package qr

import (
	"bytes"
	"strings"

	"github.com/google/uuid"
	"github.com/yeqown/go-qrcode"

	"festival-gate/models"
)

const (
	userDataPrefix   = "USER_DATA|"
	legacyUserPrefix = "USER:"
	ticketPrefix     = "TKT:"
)

const (
	KindUser    = "user"
	KindTicket  = "ticket"
	KindUnknown = "unknown"
)

// EncodeUserCode builds a user identity code with embedded profile
// details, so a seller device can resolve the customer even when the
// identity service is unreachable.
func EncodeUserCode(userID, name, email string) string {
	return userDataPrefix + userID + "|" + name + "|" + email
}

// EncodeTicketCode mints an opaque ticket reference. It embeds no
// ticket data; resolving it always goes through the store.
func EncodeTicketCode() string {
	return ticketPrefix + uuid.NewString()
}

// DecodeUserCode parses a user code into a profile. Returns nil for
// anything malformed rather than an error; the caller treats that as
// "not found". Legacy USER:<id>:<uuid> codes decode to an id-only
// profile.
func DecodeUserCode(code string) *models.User {
	if strings.HasPrefix(code, userDataPrefix) {
		parts := strings.Split(code, "|")
		if len(parts) >= 4 {
			return &models.User{
				ID:    parts[1],
				Name:  parts[2],
				Email: parts[3],
			}
		}
		return nil
	}

	// Legacy format fallback: only the id survives.
	if strings.HasPrefix(code, legacyUserPrefix) {
		parts := strings.Split(code, ":")
		if len(parts) >= 2 && parts[1] != "" {
			return &models.User{ID: parts[1]}
		}
	}
	return nil
}

// Classify inspects the prefix tag only; it does not validate the full
// structure.
func Classify(code string) string {
	switch {
	case strings.HasPrefix(code, userDataPrefix), strings.HasPrefix(code, legacyUserPrefix):
		return KindUser
	case strings.HasPrefix(code, ticketPrefix):
		return KindTicket
	default:
		return KindUnknown
	}
}

// RenderPNG renders any code string into a QR PNG for the wallet and
// gate screens.
func RenderPNG(code string) ([]byte, error) {
	qrc, err := qrcode.New(code)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := qrc.SaveTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
