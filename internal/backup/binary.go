package backup

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shiba4life/fold-db-sub003/internal/keys"
)

// Binary framing: 4-byte magic, big-endian u32 version, fixed parameter
// block, then length-prefixed salt/nonce/ciphertext/metadata. Inputs
// shorter than the fixed header or with a mismatched magic are rejected
// before any cryptographic work.
var binaryMagic = [4]byte{'F', 'D', 'K', 'B'}

const (
	binaryHeaderSize = 36

	maxBinarySalt     = 1024
	maxBinaryNonce    = 255
	maxBinaryCT       = 1 << 20
	maxMetadataPairs  = 64
	maxMetadataStrLen = 4096
)

var ErrInvalidFraming = errors.New("invalid backup framing")

var (
	kdfTags  = map[KDF]byte{KDFArgon2id: 1, KDFPBKDF2: 2, KDFScrypt: 3}
	kdfByTag = map[byte]KDF{1: KDFArgon2id, 2: KDFPBKDF2, 3: KDFScrypt}

	cipherTags  = map[Cipher]byte{CipherXChaCha20Poly1305: 1, CipherAESGCM: 2}
	cipherByTag = map[byte]Cipher{1: CipherXChaCha20Poly1305, 2: CipherAESGCM}

	hashTags  = map[string]byte{"": 0, "sha256": 1, "sha512": 2}
	hashByTag = map[byte]string{0: "", 1: "sha256", 2: "sha512"}
)

// EncodeBinary packs rec into the binary frame.
func EncodeBinary(rec *Record) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: record is nil", ErrInvalidFraming)
	}
	kdfTag, ok := kdfTags[rec.KDF]
	if !ok {
		return nil, fmt.Errorf("%w: kdf %q", ErrInvalidFraming, rec.KDF)
	}
	cipherTag, ok := cipherTags[rec.Encryption]
	if !ok {
		return nil, fmt.Errorf("%w: encryption %q", ErrInvalidFraming, rec.Encryption)
	}
	hashTag, ok := hashTags[rec.KDFParams.Hash]
	if !ok {
		return nil, fmt.Errorf("%w: hash %q", ErrInvalidFraming, rec.KDFParams.Hash)
	}
	if len(rec.Salt) > maxBinarySalt || len(rec.Nonce) > maxBinaryNonce || len(rec.Ciphertext) > maxBinaryCT {
		return nil, fmt.Errorf("%w: field too large", ErrInvalidFraming)
	}
	if len(rec.Metadata) > maxMetadataPairs {
		return nil, fmt.Errorf("%w: too many metadata entries", ErrInvalidFraming)
	}

	var buf bytes.Buffer
	buf.Write(binaryMagic[:])
	writeU32(&buf, uint32(rec.Version))
	buf.WriteByte(kdfTag)
	buf.WriteByte(cipherTag)
	buf.WriteByte(hashTag)
	buf.WriteByte(rec.KDFParams.Parallelism)
	writeU32(&buf, rec.KDFParams.Iterations)
	writeU32(&buf, rec.KDFParams.MemoryKB)
	writeU32(&buf, rec.KDFParams.CostN)
	writeU32(&buf, rec.KDFParams.BlockSizeR)
	writeI64(&buf, rec.Created.Unix())
	writeBytes16(&buf, rec.Salt)
	writeBytes16(&buf, rec.Nonce)
	writeU32(&buf, uint32(len(rec.Ciphertext)))
	buf.Write(rec.Ciphertext)

	writeU16(&buf, uint16(len(rec.Metadata)))
	for _, k := range sortedKeys(rec.Metadata) {
		v := rec.Metadata[k]
		if len(k) > maxMetadataStrLen || len(v) > maxMetadataStrLen {
			return nil, fmt.Errorf("%w: metadata entry too large", ErrInvalidFraming)
		}
		writeBytes16(&buf, []byte(k))
		writeBytes16(&buf, []byte(v))
	}
	return buf.Bytes(), nil
}

// DecodeBinary unpacks a binary frame back into a Record. Magic and
// minimum-size checks run first; any structural defect, including
// trailing bytes, fails.
func DecodeBinary(data []byte) (*Record, error) {
	if len(data) < binaryHeaderSize {
		return nil, fmt.Errorf("%w: input shorter than header", ErrInvalidFraming)
	}
	if !bytes.Equal(data[:4], binaryMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidFraming)
	}
	r := &binaryReader{data: data, off: 4}

	version := r.u32()
	kdfTag := r.u8()
	cipherTag := r.u8()
	hashTag := r.u8()
	parallelism := r.u8()
	iterations := r.u32()
	memoryKB := r.u32()
	costN := r.u32()
	blockSizeR := r.u32()
	createdUnix := r.i64()
	salt := r.bytes16(maxBinarySalt)
	nonce := r.bytes16(maxBinaryNonce)
	ciphertext := r.bytes32(maxBinaryCT)

	metaCount := r.u16()
	var metadata map[string]string
	if metaCount > maxMetadataPairs {
		return nil, fmt.Errorf("%w: too many metadata entries", ErrInvalidFraming)
	}
	if metaCount > 0 {
		metadata = make(map[string]string, metaCount)
		for i := 0; i < metaCount; i++ {
			k := r.bytes16(maxMetadataStrLen)
			v := r.bytes16(maxMetadataStrLen)
			if r.err != nil {
				break
			}
			metadata[string(k)] = string(v)
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(data) {
		return nil, fmt.Errorf("%w: trailing bytes", ErrInvalidFraming)
	}

	kdfName, ok := kdfByTag[kdfTag]
	if !ok {
		return nil, fmt.Errorf("%w: kdf tag %d", ErrInvalidFraming, kdfTag)
	}
	cipherName, ok := cipherByTag[cipherTag]
	if !ok {
		return nil, fmt.Errorf("%w: cipher tag %d", ErrInvalidFraming, cipherTag)
	}
	hashName, ok := hashByTag[hashTag]
	if !ok {
		return nil, fmt.Errorf("%w: hash tag %d", ErrInvalidFraming, hashTag)
	}

	return &Record{
		Version: int(version),
		KDF:     kdfName,
		KDFParams: KDFParams{
			Iterations:  iterations,
			MemoryKB:    memoryKB,
			Parallelism: parallelism,
			Hash:        hashName,
			CostN:       costN,
			BlockSizeR:  blockSizeR,
		},
		Encryption: cipherName,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Created:    time.Unix(createdUnix, 0).UTC(),
		Metadata:   metadata,
	}, nil
}

// ExportBinary is Export followed by binary framing.
func ExportBinary(kp *keys.KeyPair, passphrase string, opts Options) ([]byte, error) {
	rec, err := Export(kp, passphrase, opts)
	if err != nil {
		return nil, err
	}
	return EncodeBinary(rec)
}

// ImportBinary decodes a binary frame and restores the key pair. Framing
// defects surface as the generic import failure.
func ImportBinary(data []byte, passphrase string, opts ImportOptions) (*keys.KeyPair, map[string]string, error) {
	rec, err := DecodeBinary(data)
	if err != nil {
		return nil, nil, ErrImport
	}
	return Import(rec, passphrase, opts)
}

type binaryReader struct {
	data []byte
	off  int
	err  error
}

func (r *binaryReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: truncated input", ErrInvalidFraming)
		return nil
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out
}

func (r *binaryReader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binaryReader) u16() int {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return int(binary.BigEndian.Uint16(b))
}

func (r *binaryReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *binaryReader) i64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *binaryReader) bytes16(max int) []byte {
	n := r.u16()
	if r.err != nil {
		return nil
	}
	if n > max {
		r.err = fmt.Errorf("%w: field too large", ErrInvalidFraming)
		return nil
	}
	return append([]byte(nil), r.take(n)...)
}

func (r *binaryReader) bytes32(max int) []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	if int(n) > max {
		r.err = fmt.Errorf("%w: field too large", ErrInvalidFraming)
		return nil
	}
	return append([]byte(nil), r.take(int(n))...)
}

// Metadata is written in key order so encoding is deterministic.
func sortedKeys(m map[string]string) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeBytes16(buf *bytes.Buffer, b []byte) {
	writeU16(buf, uint16(len(b)))
	buf.Write(b)
}
