package xfer

import (
	"bytes"
	"encoding/binary"
	"io"

	"gitlab.com/NebulousLabs/encoding"
	"gitlab.com/NebulousLabs/errors"
	"go.cryptosync.io/xfer/modules/xfer/xfercrypto"
)

// ErrTrailingData is returned by Unmarshal when the input contains bytes
// past the end of a valid Transfer record.
var ErrTrailingData = errors.New("trailing data after transfer record")

// File is one client-side attachment a Transfer's bytes are destined
// for (GET) or sourced from (PUT): a local path plus the node-tree
// bookkeeping needed to register the result once the transfer
// completes.
type File struct {
	ParentDBID uint32
	NodeHandle [6]byte
	LocalName  string
	HasCRC     bool
	CRC        [16]byte
	MTime      int64
	Syncable   bool
	ShortName  string
}

// Transfer is the per-file descriptor: everything
// needed to resume an upload or download across a process restart.
type Transfer struct {
	Size              int64
	FSID              uint64
	TransferKey       [16]byte
	CTRIV             uint64
	MetaMac           [16]byte
	Pos               int64
	ProgressCompleted int64
	Upload            bool
	ChunkMacs         *ChunkMacMap
	UploadToken       []byte
	Files             []File

	// slot is the index of this transfer's active TransferSlot in the
	// owning client's slot table, or -1 while no slot is attached. An
	// index rather than a pointer: destruction clears both sides by index
	// so neither side can dangle. Runtime state, never serialized.
	slot int
}

// NewTransfer returns an empty Transfer of the given size and direction.
func NewTransfer(size int64, upload bool) *Transfer {
	return &Transfer{
		Size:      size,
		Upload:    upload,
		ChunkMacs: NewChunkMacMap(),
		slot:      -1,
	}
}

const (
	expansionFlagNone = 0
)

// FileKey packs the 32-byte obfuscated key blob registered with the
// cloud once an upload completes: transferkey, ctriv, and the
// mac-of-macs, with the second half XORed against the first. Only
// meaningful once MetaMac has been finalized.
func (t *Transfer) FileKey() [32]byte {
	return xfercrypto.PackFileKey(t.TransferKey, t.CTRIV, t.MetaMac)
}

// Marshal serializes t with a fixed, bit-exact field order: size, fsid,
// transfer key, ctriv, metamac, pos, progresscompleted, the upload flag,
// the upload token (u32 length then raw bytes), the file count and one
// record per attached File (parent-dbid, node-handle, localname, optional
// crc+mtime, syncable, an expansion-flag byte, optional shortname), then
// the chunk-MAC list.
func (t *Transfer) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := encoding.NewEncoder(&buf)

	if err := enc.Encode(t.Size); err != nil {
		return nil, errors.AddContext(err, "failed to encode size")
	}
	if err := enc.Encode(t.FSID); err != nil {
		return nil, errors.AddContext(err, "failed to encode fsid")
	}
	if err := enc.Encode(t.TransferKey); err != nil {
		return nil, errors.AddContext(err, "failed to encode transfer key")
	}
	if err := enc.Encode(t.CTRIV); err != nil {
		return nil, errors.AddContext(err, "failed to encode ctriv")
	}
	if err := enc.Encode(t.MetaMac); err != nil {
		return nil, errors.AddContext(err, "failed to encode metamac")
	}
	if err := enc.Encode(t.Pos); err != nil {
		return nil, errors.AddContext(err, "failed to encode pos")
	}
	if err := enc.Encode(t.ProgressCompleted); err != nil {
		return nil, errors.AddContext(err, "failed to encode progresscompleted")
	}
	if err := enc.Encode(t.Upload); err != nil {
		return nil, errors.AddContext(err, "failed to encode direction")
	}

	tokenLen := uint32(len(t.UploadToken))
	if err := enc.Encode(tokenLen); err != nil {
		return nil, errors.AddContext(err, "failed to encode upload token length")
	}
	if tokenLen > 0 {
		if _, err := buf.Write(t.UploadToken); err != nil {
			return nil, errors.AddContext(err, "failed to write upload token")
		}
	}

	if err := enc.Encode(uint32(len(t.Files))); err != nil {
		return nil, errors.AddContext(err, "failed to encode file count")
	}
	for i := range t.Files {
		if err := marshalFile(&buf, enc, &t.Files[i]); err != nil {
			return nil, errors.AddContext(err, "failed to encode file attachment")
		}
	}

	if err := marshalChunkMacs(&buf, enc, t.ChunkMacs); err != nil {
		return nil, errors.AddContext(err, "failed to encode chunk macs")
	}

	return buf.Bytes(), nil
}

func marshalFile(w io.Writer, enc *encoding.Encoder, f *File) error {
	if err := enc.Encode(f.ParentDBID); err != nil {
		return err
	}
	if err := enc.Encode(f.NodeHandle); err != nil {
		return err
	}
	if err := writeShortString(w, f.LocalName); err != nil {
		return err
	}
	if err := enc.Encode(f.HasCRC); err != nil {
		return err
	}
	if f.HasCRC {
		if err := enc.Encode(f.CRC); err != nil {
			return err
		}
		if err := writeVarint(w, f.MTime); err != nil {
			return err
		}
	}
	if err := enc.Encode(f.Syncable); err != nil {
		return err
	}
	if err := enc.Encode(uint8(expansionFlagNone)); err != nil {
		return err
	}
	if err := writeShortString(w, f.ShortName); err != nil {
		return err
	}
	return nil
}

// writeShortString writes a u16-length-prefixed string.
// NebulousLabs/encoding's own string support always uses an 8-byte
// length prefix, so the u16 prefix is written with stdlib
// encoding/binary directly into the same stream.
func writeShortString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return errors.New("string exceeds u16 length prefix")
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readShortString(r *bytes.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", err
	}
	return string(out), nil
}

// writeVarint writes mtime as a varint64. Like the short-string prefix,
// this is a case NebulousLabs/encoding has no primitive for, so stdlib
// encoding/binary supplies it directly.
func writeVarint(w io.Writer, v int64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func readVarint(r *bytes.Reader) (int64, error) {
	return binary.ReadVarint(r)
}

func marshalChunkMacs(w io.Writer, enc *encoding.Encoder, m *ChunkMacMap) error {
	m.mu.Lock()
	entries := make([]chunkMacEntry, len(m.entries))
	copy(entries, m.entries)
	m.mu.Unlock()

	if err := enc.Encode(uint32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := enc.Encode(e.pos); err != nil {
			return err
		}
		if err := enc.Encode(e.mac); err != nil {
			return err
		}
		if err := enc.Encode(e.finished); err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal decodes a Transfer record produced by Marshal, rejecting
// short reads and any trailing data.
func Unmarshal(data []byte) (*Transfer, error) {
	r := bytes.NewReader(data)
	dec := encoding.NewDecoder(r, len(data)*3)

	t := &Transfer{ChunkMacs: NewChunkMacMap(), slot: -1}

	if err := dec.Decode(&t.Size); err != nil {
		return nil, errors.AddContext(err, "failed to decode size")
	}
	if err := dec.Decode(&t.FSID); err != nil {
		return nil, errors.AddContext(err, "failed to decode fsid")
	}
	if err := dec.Decode(&t.TransferKey); err != nil {
		return nil, errors.AddContext(err, "failed to decode transfer key")
	}
	if err := dec.Decode(&t.CTRIV); err != nil {
		return nil, errors.AddContext(err, "failed to decode ctriv")
	}
	if err := dec.Decode(&t.MetaMac); err != nil {
		return nil, errors.AddContext(err, "failed to decode metamac")
	}
	if err := dec.Decode(&t.Pos); err != nil {
		return nil, errors.AddContext(err, "failed to decode pos")
	}
	if err := dec.Decode(&t.ProgressCompleted); err != nil {
		return nil, errors.AddContext(err, "failed to decode progresscompleted")
	}
	if err := dec.Decode(&t.Upload); err != nil {
		return nil, errors.AddContext(err, "failed to decode direction")
	}

	var tokenLen uint32
	if err := dec.Decode(&tokenLen); err != nil {
		return nil, errors.AddContext(err, "failed to decode upload token length")
	}
	if tokenLen > 0 {
		t.UploadToken = make([]byte, tokenLen)
		if _, err := io.ReadFull(r, t.UploadToken); err != nil {
			return nil, errors.AddContext(err, "failed to read upload token")
		}
	}

	var fileCount uint32
	if err := dec.Decode(&fileCount); err != nil {
		return nil, errors.AddContext(err, "failed to decode file count")
	}
	t.Files = make([]File, fileCount)
	for i := range t.Files {
		if err := unmarshalFile(r, dec, &t.Files[i]); err != nil {
			return nil, errors.AddContext(err, "failed to decode file attachment")
		}
	}

	if err := unmarshalChunkMacs(r, dec, t.ChunkMacs); err != nil {
		return nil, errors.AddContext(err, "failed to decode chunk macs")
	}

	if r.Len() != 0 {
		return nil, ErrTrailingData
	}

	return t, nil
}

func unmarshalFile(r *bytes.Reader, dec *encoding.Decoder, f *File) error {
	if err := dec.Decode(&f.ParentDBID); err != nil {
		return err
	}
	if err := dec.Decode(&f.NodeHandle); err != nil {
		return err
	}
	name, err := readShortString(r)
	if err != nil {
		return err
	}
	f.LocalName = name

	if err := dec.Decode(&f.HasCRC); err != nil {
		return err
	}
	if f.HasCRC {
		if err := dec.Decode(&f.CRC); err != nil {
			return err
		}
		mtime, err := readVarint(r)
		if err != nil {
			return err
		}
		f.MTime = mtime
	}

	if err := dec.Decode(&f.Syncable); err != nil {
		return err
	}

	var expansion uint8
	if err := dec.Decode(&expansion); err != nil {
		return err
	}

	short, err := readShortString(r)
	if err != nil {
		return err
	}
	f.ShortName = short
	return nil
}

func unmarshalChunkMacs(r *bytes.Reader, dec *encoding.Decoder, m *ChunkMacMap) error {
	var n uint32
	if err := dec.Decode(&n); err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		var pos int64
		var mac MacBlock
		var finished bool
		if err := dec.Decode(&pos); err != nil {
			return err
		}
		if err := dec.Decode(&mac); err != nil {
			return err
		}
		if err := dec.Decode(&finished); err != nil {
			return err
		}
		m.Insert(pos, mac)
		if finished {
			m.MarkFinished(pos)
		}
	}
	return nil
}
