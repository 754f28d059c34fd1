package xfer

import (
	"bytes"
	"testing"

	"github.com/klauspost/reedsolomon"
	"gitlab.com/NebulousLabs/fastrand"
	"go.cryptosync.io/xfer/modules"
)

// encodeStripeLine splits 80 bytes of content into the six 16-byte
// shards a storage node set would hold: five data shards plus the
// parity shard produced by the same erasure code the buffer manager
// reconstructs with.
func encodeStripeLine(t *testing.T, data []byte) [][]byte {
	t.Helper()
	if len(data) != modules.RaidDataBytesPerLine {
		t.Fatalf("stripe line must be %d bytes, got %d", modules.RaidDataBytesPerLine, len(data))
	}
	enc, err := reedsolomon.New(modules.RaidMinParts, modules.RaidParts-modules.RaidMinParts)
	if err != nil {
		t.Fatalf("failed to construct encoder: %v", err)
	}
	shards := make([][]byte, modules.RaidParts)
	for i := 0; i < modules.RaidMinParts; i++ {
		shards[i] = append([]byte(nil), data[i*16:(i+1)*16]...)
	}
	shards[modules.RaidParts-1] = make([]byte, modules.RaidParityBytesPerLine)
	if err := enc.Encode(shards); err != nil {
		t.Fatalf("failed to encode parity: %v", err)
	}
	return shards
}

func TestRaidLineReconstructAllParts(t *testing.T) {
	data := fastrand.Bytes(modules.RaidDataBytesPerLine)
	shards := encodeStripeLine(t, data)

	r, err := NewRaidBufferManager(int64(len(data)), 0, nil)
	if err != nil {
		t.Fatalf("failed to construct buffer manager: %v", err)
	}
	for i, shard := range shards {
		if err := r.SubmitShard(i, 0, shard); err != nil {
			t.Fatalf("submit shard %d: %v", i, err)
		}
	}

	out, ready, err := r.LineReady(0)
	if err != nil || !ready {
		t.Fatalf("expected line to be ready: ready=%v err=%v", ready, err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("reconstructed line does not match original data")
	}
}

func TestRaidLineReconstructMissingPart(t *testing.T) {
	data := fastrand.Bytes(modules.RaidDataBytesPerLine)
	shards := encodeStripeLine(t, data)

	r, err := NewRaidBufferManager(int64(len(data)), 0, nil)
	if err != nil {
		t.Fatalf("failed to construct buffer manager: %v", err)
	}
	// Data part 2 never arrives; the parity shard covers for it.
	for i, shard := range shards {
		if i == 2 {
			continue
		}
		if err := r.SubmitShard(i, 0, shard); err != nil {
			t.Fatalf("submit shard %d: %v", i, err)
		}
	}

	out, ready, err := r.LineReady(0)
	if err != nil || !ready {
		t.Fatalf("expected line to reconstruct from five parts: ready=%v err=%v", ready, err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("reconstructed line does not match original data")
	}
}

func TestRaidLineNotReadyWithFourParts(t *testing.T) {
	data := fastrand.Bytes(modules.RaidDataBytesPerLine)
	shards := encodeStripeLine(t, data)

	r, err := NewRaidBufferManager(int64(len(data)), 0, nil)
	if err != nil {
		t.Fatalf("failed to construct buffer manager: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := r.SubmitShard(i, 0, shards[i]); err != nil {
			t.Fatalf("submit shard %d: %v", i, err)
		}
	}

	if _, ready, _ := r.LineReady(0); ready {
		t.Fatal("four shards must not suffice to reconstruct a line")
	}
}

func TestRaidLateShardAfterReconstructionDiscarded(t *testing.T) {
	data := fastrand.Bytes(modules.RaidDataBytesPerLine)
	shards := encodeStripeLine(t, data)

	r, err := NewRaidBufferManager(int64(len(data)), 0, nil)
	if err != nil {
		t.Fatalf("failed to construct buffer manager: %v", err)
	}
	for i := 0; i < modules.RaidMinParts; i++ {
		if err := r.SubmitShard(i, 0, shards[i]); err != nil {
			t.Fatalf("submit shard %d: %v", i, err)
		}
	}
	if _, ready, err := r.LineReady(0); err != nil || !ready {
		t.Fatalf("expected reconstruction: ready=%v err=%v", ready, err)
	}

	// The sixth shard arrives after the line was drained; it must not
	// resurrect the line.
	if err := r.SubmitShard(5, 0, shards[5]); err != nil {
		t.Fatalf("late shard submission should be a no-op: %v", err)
	}
	if len(r.lines) != 0 {
		t.Fatal("late shard resurrected a reconstructed line")
	}
}

func TestRaidDetectSlowestPart(t *testing.T) {
	lines := int64(25)
	size := lines * modules.RaidDataBytesPerLine
	r, err := NewRaidBufferManager(size, 0, nil)
	if err != nil {
		t.Fatalf("failed to construct buffer manager: %v", err)
	}

	if slowest := r.DetectSlowestPart(); slowest != -1 {
		t.Fatalf("no part should be flagged before any data arrives, got %d", slowest)
	}

	// Parts 0-4 deliver every line; part 5 delivers only the first.
	for l := int64(0); l < lines; l++ {
		data := fastrand.Bytes(modules.RaidDataBytesPerLine)
		shards := encodeStripeLine(t, data)
		for i := 0; i < modules.RaidMinParts; i++ {
			if err := r.SubmitShard(i, l, shards[i]); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
		if l == 0 {
			if err := r.SubmitShard(5, l, shards[5]); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}

	if slowest := r.DetectSlowestPart(); slowest != 5 {
		t.Fatalf("expected part 5 to be flagged slowest, got %d", slowest)
	}
}

func TestRaidLineCount(t *testing.T) {
	r, err := NewRaidBufferManager(modules.RaidDataBytesPerLine*3+1, 0, nil)
	if err != nil {
		t.Fatalf("failed to construct buffer manager: %v", err)
	}
	if got := r.lineCount(); got != 4 {
		t.Fatalf("expected 4 stripe lines for a partial trailing line, got %d", got)
	}
}
