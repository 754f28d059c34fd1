package xfer

import "testing"

func TestTransferMarshalRoundTrip(t *testing.T) {
	tr := NewTransfer(524288, false)
	tr.TransferKey = [16]byte{1, 2, 3, 4}
	tr.CTRIV = 0xdeadbeef
	tr.MetaMac = [16]byte{5, 6, 7}
	tr.Pos = 131072
	tr.ProgressCompleted = 131072
	tr.Files = []File{
		{
			ParentDBID: 7,
			NodeHandle: [6]byte{1, 2, 3, 4, 5, 6},
			LocalName:  "movie.mkv",
			HasCRC:     true,
			CRC:        [16]byte{9, 9, 9},
			MTime:      1234567890,
			Syncable:   true,
			ShortName:  "MOVIE~1.MKV",
		},
		{
			LocalName: "no-crc.bin",
		},
	}
	tr.ChunkMacs.Insert(131072, MacBlock{1})
	tr.ChunkMacs.MarkFinished(131072)

	data, err := tr.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if got.Size != tr.Size || got.CTRIV != tr.CTRIV || got.Pos != tr.Pos {
		t.Fatalf("scalar fields did not round-trip: %+v", got)
	}
	if got.TransferKey != tr.TransferKey || got.MetaMac != tr.MetaMac {
		t.Fatalf("key/mac fields did not round-trip")
	}
	if len(got.Files) != 2 || got.Files[0].LocalName != "movie.mkv" || got.Files[0].ShortName != "MOVIE~1.MKV" {
		t.Fatalf("file attachments did not round-trip: %+v", got.Files)
	}
	if got.Files[1].HasCRC {
		t.Fatalf("expected second file to have no crc")
	}
	if !got.ChunkMacs.Contains(131072) {
		t.Fatalf("chunk macs did not round-trip")
	}
}

func TestTransferUnmarshalRejectsTrailingData(t *testing.T) {
	tr := NewTransfer(0, true)
	data, err := tr.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	data = append(data, 0xFF)

	if _, err := Unmarshal(data); err == nil {
		t.Fatal("expected trailing-data rejection")
	}
}

func TestTransferUnmarshalRejectsShortInput(t *testing.T) {
	tr := NewTransfer(1024, false)
	data, err := tr.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	short := data[:len(data)-4]
	if _, err := Unmarshal(short); err == nil {
		t.Fatal("expected short-read rejection")
	}
}

func TestTransferZeroByteFile(t *testing.T) {
	tr := NewTransfer(0, true)
	if tr.Size != 0 {
		t.Fatal("expected zero size")
	}
	if tr.ChunkMacs.Len() != 0 {
		t.Fatal("expected no chunk macs for zero-byte file")
	}
	data, err := tr.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty encoded record even for a zero-byte transfer")
	}
}
