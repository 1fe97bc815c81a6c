package types

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Block encoding: u32 BE header length, header bytes, body bytes. The
// header's first 8 bytes are the block number in big-endian, so a decoded
// block knows its own number without external context.
const (
	blockHeaderLenSize = 4
	blockNumberSize    = 8
)

// MaxBlockSize bounds a single encoded block. Anything larger indicates a
// corrupt length prefix rather than a real block.
const MaxBlockSize = 1 << 30

// DecodedBlock is the header/body split of one encoded block.
type DecodedBlock struct {
	Number uint64
	Header []byte
	Body   []byte
}

// EncodeBlock assembles block bytes from a number, extra header bytes, and a
// body. The inverse of DecodeBlock.
func EncodeBlock(number uint64, headerRest, body []byte) []byte {
	headerLen := blockNumberSize + len(headerRest)
	out := make([]byte, 0, blockHeaderLenSize+headerLen+len(body))
	out = binary.BigEndian.AppendUint32(out, uint32(headerLen))
	out = binary.BigEndian.AppendUint64(out, number)
	out = append(out, headerRest...)
	out = append(out, body...)
	return out
}

// DecodeBlock splits raw block bytes into header and body.
func DecodeBlock(raw []byte) (DecodedBlock, error) {
	if len(raw) < blockHeaderLenSize+blockNumberSize {
		return DecodedBlock{}, fmt.Errorf("block too short: %d bytes", len(raw))
	}
	headerLen := int(binary.BigEndian.Uint32(raw))
	if headerLen < blockNumberSize || blockHeaderLenSize+headerLen > len(raw) {
		return DecodedBlock{}, fmt.Errorf("invalid header length %d in %d-byte block", headerLen, len(raw))
	}
	header := raw[blockHeaderLenSize : blockHeaderLenSize+headerLen]
	return DecodedBlock{
		Number: binary.BigEndian.Uint64(header),
		Header: header,
		Body:   raw[blockHeaderLenSize+headerLen:],
	}, nil
}

// BlockHash returns the canonical hash of encoded block bytes.
func BlockHash(raw []byte) [32]byte {
	return sha256.Sum256(raw)
}
