package store

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sealed record layout:
//
//	"MALT" | version (1) | salt (16) | nonce (24) | ciphertext+tag
//
// The 45-byte header is authenticated as associated data. The record key is
// HKDF-SHA256(master, salt, recordInfo).
const (
	recordMagic       = "MALT"
	recordVersion     = byte(1)
	recordSaltSize    = 16
	recordHeaderSize  = len(recordMagic) + 1 + recordSaltSize + chacha20poly1305.NonceSizeX
	recordInfo        = "malauth token record v1"
	MasterKeySize     = 32
	minimumRecordSize = recordHeaderSize + chacha20poly1305.Overhead
)

var (
	errRecordTooShort  = errors.New("sealed record is truncated")
	errRecordMagic     = errors.New("sealed record has an unknown format")
	errRecordVersion   = errors.New("sealed record version is not supported")
	errRecordTampered  = errors.New("sealed record failed authentication")
	errMasterKeyLength = fmt.Errorf("master key must be %d bytes", MasterKeySize)
)

func deriveRecordKey(master, salt []byte) ([]byte, error) {
	if len(master) != MasterKeySize {
		return nil, errMasterKeyLength
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(recordInfo)), key); err != nil {
		return nil, fmt.Errorf("derive record key: %w", err)
	}
	return key, nil
}

// sealRecord encrypts plaintext under a fresh salt and nonce.
func sealRecord(master, plaintext []byte) ([]byte, error) {
	header := make([]byte, recordHeaderSize, recordHeaderSize+len(plaintext)+chacha20poly1305.Overhead)
	copy(header, recordMagic)
	header[len(recordMagic)] = recordVersion
	saltAndNonce := header[len(recordMagic)+1:]
	if _, err := rand.Read(saltAndNonce); err != nil {
		return nil, fmt.Errorf("generate record salt: %w", err)
	}
	salt := saltAndNonce[:recordSaltSize]
	nonce := saltAndNonce[recordSaltSize:]

	key, err := deriveRecordKey(master, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(header, nonce, plaintext, header), nil
}

// openRecord authenticates and decrypts a sealed record.
func openRecord(master, record []byte) ([]byte, error) {
	if len(record) < minimumRecordSize {
		return nil, errRecordTooShort
	}
	if !bytes.Equal(record[:len(recordMagic)], []byte(recordMagic)) {
		return nil, errRecordMagic
	}
	if record[len(recordMagic)] != recordVersion {
		return nil, errRecordVersion
	}
	header := record[:recordHeaderSize]
	salt := header[len(recordMagic)+1 : len(recordMagic)+1+recordSaltSize]
	nonce := header[len(recordMagic)+1+recordSaltSize:]

	key, err := deriveRecordKey(master, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, record[recordHeaderSize:], header)
	if err != nil {
		return nil, errRecordTampered
	}
	return plaintext, nil
}
