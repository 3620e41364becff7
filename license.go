package ooa

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"

	"github.com/pkg/errors"
)

// licenseKey decrypts every license file; it is a shared constant of the
// protection, not derived from anything.
var licenseKey = [16]byte{
	0x41, 0x32, 0x72, 0x2d, 0xd0, 0x82, 0xef, 0xb0,
	0xdc, 0x64, 0x57, 0xc5, 0x76, 0x68, 0xca, 0x09,
}

const (
	// licenseHeaderSize bytes precede the ciphertext in a license file.
	licenseHeaderSize = 0x41

	cipherKeyTag = "<CipherKey>"
	// cipherKeyLen is the base64 length of a 16-byte key.
	cipherKeyLen = 24

	// KeySize is the size of the image decryption key.
	KeySize = 16
)

// DecryptLicense returns the plaintext document of a license file.
func DecryptLicense(data []byte) ([]byte, error) {
	if len(data) <= licenseHeaderSize {
		return nil, errors.Wrapf(ErrKeyRecovery, "license of %d bytes has no ciphertext", len(data))
	}
	ct := data[licenseHeaderSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, errors.Wrapf(ErrKeyRecovery, "license ciphertext of %d bytes is not block aligned", len(ct))
	}

	block, err := aes.NewCipher(licenseKey[:])
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(pt, ct)
	return pkcs7Unpad(pt)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrKeyRecovery, "empty license plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, errors.Wrapf(ErrKeyRecovery, "bad license padding length %d", n)
	}
	if !bytes.Equal(data[len(data)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, errors.Wrap(ErrKeyRecovery, "bad license padding")
	}
	return data[:len(data)-n], nil
}

// CipherKey extracts the image key from a decrypted license document.
func CipherKey(plaintext []byte) ([]byte, error) {
	i := bytes.Index(plaintext, []byte(cipherKeyTag))
	if i < 0 {
		return nil, errors.Wrap(ErrKeyRecovery, "no "+cipherKeyTag+" in license")
	}
	encoded := plaintext[i+len(cipherKeyTag):]
	if len(encoded) < cipherKeyLen {
		return nil, errors.Wrapf(ErrKeyRecovery, "%s value has %d bytes, want %d", cipherKeyTag, len(encoded), cipherKeyLen)
	}
	encoded = encoded[:cipherKeyLen]

	// StdEncoding ignores non-zero trailing bits, which some licenses carry.
	key := make([]byte, base64.StdEncoding.DecodedLen(cipherKeyLen))
	n, err := base64.StdEncoding.Decode(key, encoded)
	if err != nil {
		return nil, errors.Wrapf(ErrKeyRecovery, "%s value %q: %v", cipherKeyTag, encoded, err)
	}
	if n < KeySize {
		return nil, errors.Wrapf(ErrKeyRecovery, "%s decodes to %d bytes, want %d", cipherKeyTag, n, KeySize)
	}
	return key[:KeySize], nil
}

// RecoverKey decrypts a license file and extracts the image key.
func RecoverKey(license []byte) (key, plaintext []byte, err error) {
	plaintext, err = DecryptLicense(license)
	if err != nil {
		return nil, nil, err
	}
	key, err = CipherKey(plaintext)
	if err != nil {
		return nil, plaintext, err
	}
	return key, plaintext, nil
}
