package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/minio/sio"
)

const (
	sealMagic   = "WXE1"
	sealVersion = uint16(1)
	nonceSize   = 12
	headerSize  = len(sealMagic) + 2 + nonceSize
)

var ErrBadHeader = errors.New("invalid sealed payload header")

// EncryptWriter wraps w so archive bytes are sealed with DARE (sio) as they stream.
func EncryptWriter(w io.Writer, key []byte) (io.WriteCloser, error) {
	return sio.EncryptWriter(w, sio.Config{Key: key})
}

// DecryptReader opens a stream produced by EncryptWriter.
func DecryptReader(r io.Reader, key []byte) (io.Reader, error) {
	return sio.DecryptReader(r, sio.Config{Key: key})
}

// EncryptConfig seals a small payload (config files, manifests) with AES-GCM
// behind a magic and version header.
func EncryptConfig(plain []byte, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	buf.Grow(headerSize + len(plain) + aead.Overhead())
	buf.WriteString(sealMagic)
	if err := binary.Write(buf, binary.BigEndian, sealVersion); err != nil {
		return nil, err
	}
	buf.Write(nonce)
	buf.Write(aead.Seal(nil, nonce, plain, []byte(sealMagic)))
	return buf.Bytes(), nil
}

// DecryptConfig opens a payload produced by EncryptConfig.
func DecryptConfig(sealed []byte, key []byte) ([]byte, error) {
	if len(sealed) < headerSize || string(sealed[:len(sealMagic)]) != sealMagic {
		return nil, ErrBadHeader
	}
	ver := binary.BigEndian.Uint16(sealed[len(sealMagic) : len(sealMagic)+2])
	if ver != sealVersion {
		return nil, fmt.Errorf("unsupported sealed payload version %d", ver)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[len(sealMagic)+2 : headerSize]
	return aead.Open(nil, nonce, sealed[headerSize:], []byte(sealMagic))
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
