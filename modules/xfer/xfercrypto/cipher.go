// Package xfercrypto implements the transfer engine's authenticated
// encryption scheme: AES-128 CTR for file bodies, a CBC-MAC accumulator
// per chunk, and the CBC fold that combines chunk MACs into a single
// file-wide mac-of-macs. These are treated as fixed wire-compatible
// primitives, not as a pluggable cipher suite, so this package wraps
// crypto/aes directly rather than exposing a cipher.Block to callers.
package xfercrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"

	"gitlab.com/NebulousLabs/errors"
)

// ErrBadToken is returned when an upload-completion response body is
// neither a valid 36-byte token nor a legacy 27-byte decoded token.
var ErrBadToken = errors.New("response body is not a valid upload token")

// Cipher binds a single transfer's 16-byte symmetric key to the block
// cipher operations the engine needs: a keyed CTR stream per byte range,
// a CBC-MAC accumulator per chunk, and the single-block encryption used
// to fold chunk MACs together.
type Cipher struct {
	block cipher.Block
}

// NewCipher constructs a Cipher from a transfer's 16-byte key.
func NewCipher(key [16]byte) (*Cipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.AddContext(err, "failed to construct aes cipher")
	}
	return &Cipher{block: block}, nil
}

// ctrIV builds the 16-byte CTR initialization value for a byte range
// starting at offset: the high 8 bytes are the transfer's ctriv, the low
// 8 bytes are the big-endian block counter (offset / 16).
func ctrIV(ctriv uint64, offset int64) [16]byte {
	var iv [16]byte
	binary.BigEndian.PutUint64(iv[0:8], ctriv)
	binary.BigEndian.PutUint64(iv[8:16], uint64(offset/aes.BlockSize))
	return iv
}

// Stream returns a CTR keystream positioned for a request starting at
// byte offset (which must be a multiple of the block size; the transfer
// engine only ever issues block-aligned byte ranges).
func (c *Cipher) Stream(ctriv uint64, offset int64) cipher.Stream {
	iv := ctrIV(ctriv, offset)
	return cipher.NewCTR(c.block, iv[:])
}

// XORKeyStream encrypts or decrypts buf in place (CTR is symmetric)
// against the keystream for the range starting at offset.
func (c *Cipher) XORKeyStream(ctriv uint64, offset int64, buf []byte) {
	c.Stream(ctriv, offset).XORKeyStream(buf, buf)
}

// encryptBlock runs a single 16-byte block through the raw block cipher;
// used both by ChunkMAC (CBC-MAC) and by the mac-of-macs fold, which is
// plain single-block AES-CBC encryption of a running accumulator.
func (c *Cipher) encryptBlock(in [16]byte) [16]byte {
	var out [16]byte
	c.block.Encrypt(out[:], in[:])
	return out
}

// MacOfMacsEncrypter adapts Cipher to the xfer package's BlockEncrypter
// hook, so ChunkMacMap.MacsMac can fold chunk MACs without importing
// crypto/aes directly.
func (c *Cipher) MacOfMacsEncrypter() func(in [16]byte) [16]byte {
	return c.encryptBlock
}

// ChunkMAC accumulates a CBC-MAC over one chunk's plaintext, block by
// block, zero-padding only the final partial block of the file.
type ChunkMAC struct {
	c   *Cipher
	acc [16]byte
}

// NewChunkMAC starts a fresh accumulator.
func NewChunkMAC(c *Cipher) *ChunkMAC {
	return &ChunkMAC{c: c}
}

// Write folds len(p) plaintext bytes into the accumulator. Every call
// except possibly the last must supply a multiple of the block size;
// Sum handles zero-padding the final partial block.
func (m *ChunkMAC) Write(p []byte) {
	for len(p) >= aes.BlockSize {
		m.absorbBlock(p[:aes.BlockSize])
		p = p[aes.BlockSize:]
	}
	if len(p) > 0 {
		var block [16]byte
		copy(block[:], p)
		m.absorbBlock(block[:])
	}
}

func (m *ChunkMAC) absorbBlock(block []byte) {
	var in [16]byte
	for i := 0; i < 16; i++ {
		in[i] = m.acc[i] ^ block[i]
	}
	m.acc = m.c.encryptBlock(in)
}

// Sum returns the chunk's MAC so far without resetting the accumulator.
func (m *ChunkMAC) Sum() [16]byte {
	return m.acc
}

// PackFileKey builds the 32-byte key blob sent to the cloud on upload
// completion: bytes 0-16 are the transfer key verbatim,
// bytes 16-24 are ctriv, bytes 24-32 are the first 8 bytes of the file
// mac-of-macs, and the second half is then XORed with the first half for
// obfuscation.
func PackFileKey(transferKey [16]byte, ctriv uint64, metamac [16]byte) [32]byte {
	var key [32]byte
	copy(key[0:16], transferKey[:])
	binary.BigEndian.PutUint64(key[16:24], ctriv)
	copy(key[24:32], metamac[0:8])
	for i := 0; i < 16; i++ {
		key[16+i] ^= key[i]
	}
	return key
}

// UnpackFileKey reverses PackFileKey, recovering the transfer key, ctriv,
// and the first 8 bytes of the stored mac-of-macs.
func UnpackFileKey(key [32]byte) (transferKey [16]byte, ctriv uint64, macPrefix [8]byte) {
	copy(transferKey[:], key[0:16])
	var second [16]byte
	copy(second[:], key[16:32])
	for i := 0; i < 16; i++ {
		second[i] ^= key[i]
	}
	ctriv = binary.BigEndian.Uint64(second[0:8])
	copy(macPrefix[:], second[8:16])
	return
}

// ParseUploadToken validates a storage server's upload-completion
// response body, accepting either a current-format 36-byte token or a
// legacy base64-encoded token that decodes to 27 bytes.
func ParseUploadToken(body []byte) ([]byte, error) {
	if len(body) == 36 {
		return body, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(string(body))
	if err == nil && len(decoded) == 27 {
		return decoded, nil
	}
	return nil, ErrBadToken
}
