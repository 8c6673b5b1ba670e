package database

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// The block log uses a fixed binary schema instead of JSON: little-endian
// fixed-width integers and length-prefixed byte fields. Hashing the header
// encoding gives a deterministic digest independent of any marshaler.

// ErrShortRecord is returned when a record ends before all fields are read.
var ErrShortRecord = errors.New("record truncated")

// =============================================================================

// encoder accumulates the binary encoding of a record.
type encoder struct {
	buf []byte
}

func (e *encoder) u16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *encoder) bytes(v []byte) {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) str(v string) {
	e.bytes([]byte(v))
}

func (e *encoder) bigInt(v *big.Int) {
	if v == nil {
		e.u32(0)
		return
	}
	e.bytes(v.Bytes())
}

// =============================================================================

// decoder consumes the binary encoding of a record. The first read failure
// sticks so callers can check the error once at the end.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) u16() uint16 {
	if d.err != nil || len(d.buf) < 2 {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint16(d.buf)
	d.buf = d.buf[2:]
	return v
}

func (d *decoder) u32() uint32 {
	if d.err != nil || len(d.buf) < 4 {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) u64() uint64 {
	if d.err != nil || len(d.buf) < 8 {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v
}

func (d *decoder) bytes() []byte {
	n := int(d.u32())
	if d.err != nil || len(d.buf) < n {
		d.fail()
		return nil
	}
	v := d.buf[:n]
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) str() string {
	return string(d.bytes())
}

func (d *decoder) bigInt() *big.Int {
	b := d.bytes()
	if len(b) == 0 {
		return nil
	}
	return new(big.Int).SetBytes(b)
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = ErrShortRecord
	}
}

// =============================================================================

// encodeHeader produces the canonical binary encoding of a block header.
// This encoding is the input to the block hash.
func encodeHeader(h BlockHeader) []byte {
	var e encoder
	e.u64(h.Height)
	e.str(h.PrevBlockHash)
	e.u64(h.TimeStamp)
	e.u64(h.Nonce)
	e.str(string(h.ValidatorID))
	e.u64(h.Difficulty)
	e.str(h.TransRoot)
	return e.buf
}

func decodeHeader(d *decoder) BlockHeader {
	return BlockHeader{
		Height:        d.u64(),
		PrevBlockHash: d.str(),
		TimeStamp:     d.u64(),
		Nonce:         d.u64(),
		ValidatorID:   AccountID(d.str()),
		Difficulty:    d.u64(),
		TransRoot:     d.str(),
	}
}

func encodeTx(e *encoder, tx Tx) {
	e.u16(tx.ChainID)
	e.u64(tx.Nonce)
	e.str(string(tx.FromID))
	e.str(string(tx.ToID))
	e.u64(tx.Amount)
	e.u64(tx.Fee)
	e.u64(tx.TimeStamp)

	e.u32(uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		e.str(in.TxHash)
		e.u32(in.OutputIndex)
	}

	e.u32(uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		e.str(string(out.ToID))
		e.u64(out.Amount)
	}

	e.bigInt(tx.V)
	e.bigInt(tx.R)
	e.bigInt(tx.S)
}

func decodeTx(d *decoder) Tx {
	tx := Tx{
		ChainID:   d.u16(),
		Nonce:     d.u64(),
		FromID:    AccountID(d.str()),
		ToID:      AccountID(d.str()),
		Amount:    d.u64(),
		Fee:       d.u64(),
		TimeStamp: d.u64(),
	}

	nIn := int(d.u32())
	for i := 0; i < nIn && d.err == nil; i++ {
		tx.Inputs = append(tx.Inputs, TxInput{TxHash: d.str(), OutputIndex: d.u32()})
	}

	nOut := int(d.u32())
	for i := 0; i < nOut && d.err == nil; i++ {
		tx.Outputs = append(tx.Outputs, TxOutput{ToID: AccountID(d.str()), Amount: d.u64()})
	}

	tx.V = d.bigInt()
	tx.R = d.bigInt()
	tx.S = d.bigInt()

	return tx
}

// EncodeBlockData produces the binary record written to the block log.
func EncodeBlockData(bd BlockData) []byte {
	var e encoder
	e.str(bd.Hash)
	e.bytes(encodeHeader(bd.Header))
	e.str(bd.Sig)
	e.u32(uint32(len(bd.Trans)))
	for _, tx := range bd.Trans {
		encodeTx(&e, tx)
	}
	return e.buf
}

// DecodeBlockData parses a binary record read from the block log.
func DecodeBlockData(data []byte) (BlockData, error) {
	d := decoder{buf: data}

	bd := BlockData{
		Hash: d.str(),
	}

	hd := decoder{buf: d.bytes()}
	bd.Header = decodeHeader(&hd)
	if hd.err != nil {
		return BlockData{}, fmt.Errorf("decoding header: %w", hd.err)
	}

	bd.Sig = d.str()

	n := int(d.u32())
	for i := 0; i < n && d.err == nil; i++ {
		bd.Trans = append(bd.Trans, decodeTx(&d))
	}

	if d.err != nil {
		return BlockData{}, d.err
	}

	return bd, nil
}
