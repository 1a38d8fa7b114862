package cipher

import (
	"crypto/aes"

	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/crypto/xts"
)

// Cipher identifiers stored in the introducer header.
const (
	// IdentityID selects no encryption.
	IdentityID uint64 = 0
	// XTSID selects AES-256 in XTS mode with an scrypt-derived key.
	XTSID uint64 = 1
)

// ErrDecryptionFailure is returned when the cipher transform rejects its
// input. It is distinct from integrity failures reported by the checksum
// driver.
var ErrDecryptionFailure = errors.New("decryption failure")

// Cipher is an opaque bijective transform of page contents. The page number
// is mixed in as a tweak so equal plaintext pages do not produce equal
// ciphertext.
type Cipher interface {
	Encrypt(page []byte, pageNo uint64) error
	Decrypt(page []byte, pageNo uint64) error
}

// ByID returns the cipher selected by the disk-resident identifier.
func ByID(id uint64, password, salt []byte) (Cipher, error) {
	switch id {
	case IdentityID:
		return Identity{}, nil
	case XTSID:
		return NewXTS(password, salt)
	default:
		return nil, errors.Errorf("unknown cipher: %d", id)
	}
}

// Identity is the no-op cipher.
type Identity struct{}

// Encrypt does nothing.
func (Identity) Encrypt(page []byte, pageNo uint64) error { return nil }

// Decrypt does nothing.
func (Identity) Decrypt(page []byte, pageNo uint64) error { return nil }

// XTS encrypts pages with AES-256-XTS, tweaked by the page number.
type XTS struct {
	cipher *xts.Cipher
}

// NewXTS derives the key from the password and the disk UID salt using
// scrypt and returns the cipher.
func NewXTS(password, salt []byte) (*XTS, error) {
	key, err := scrypt.Key(password, salt, 1<<15, 8, 1, 64)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &XTS{cipher: c}, nil
}

// Encrypt encrypts the page in place.
func (x *XTS) Encrypt(page []byte, pageNo uint64) error {
	if len(page)%aes.BlockSize != 0 {
		return errors.Errorf("page length %d is not a multiple of the cipher block size", len(page))
	}
	x.cipher.Encrypt(page, page, pageNo)
	return nil
}

// Decrypt decrypts the page in place.
func (x *XTS) Decrypt(page []byte, pageNo uint64) error {
	if len(page)%aes.BlockSize != 0 {
		return errors.Wrapf(ErrDecryptionFailure, "page length %d is not a multiple of the cipher block size", len(page))
	}
	x.cipher.Decrypt(page, page, pageNo)
	return nil
}
