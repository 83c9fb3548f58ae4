package mutationlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/util"
)

// HarvestedItem is one surviving key after a log harvest.
type HarvestedItem struct {
	VBucketID uint16
	Key       string
	RowID     int64
}

// Harvester streams a mutation log and folds it into the set of keys to
// reload at warmup. A batch counts as committed only when closed by both
// commit1 and commit2; new records of an unclosed batch are reported as
// uncommitted so warmup can purge them from the underlying store.
type Harvester struct {
	logger *zap.Logger

	// committed fold: key -> last committed record outcome.
	applied map[uint16]map[string]int64
	deleted map[uint16]map[string]struct{}

	pending     []Record
	uncommitted []Record
	sawCommit1  bool

	blocksRead   int
	recordsRead  int
	badBlockSeen bool
}

// NewHarvester creates an empty harvester.
func NewHarvester(logger *zap.Logger) *Harvester {
	return &Harvester{
		logger:  logger,
		applied: make(map[uint16]map[string]int64),
		deleted: make(map[uint16]map[string]struct{}),
	}
}

// Load reads the log file at path block by block. A checksum mismatch or
// torn block terminates the read without error; everything before it is
// kept. A missing file is not an error.
func (h *Harvester) Load(path string, blockSize int) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.logger.Info("No mutation log to harvest", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("failed to open mutation log: %w", err)
	}
	defer file.Close()

	buf := make([]byte, blockSize)
	for {
		if _, err := io.ReadFull(file, buf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				h.badBlockSeen = true
				h.logger.Warn("Torn block at mutation log tail; stopping harvest",
					zap.Int("blocks_read", h.blocksRead))
				break
			}
			return fmt.Errorf("failed to read mutation log block: %w", err)
		}
		sum := binary.LittleEndian.Uint32(buf[blockSize-4:])
		if !util.ValidateChecksum(buf[:blockSize-4], sum) {
			h.badBlockSeen = true
			h.logger.Warn("Mutation log block checksum mismatch; stopping harvest",
				zap.Int("blocks_read", h.blocksRead))
			break
		}
		if err := h.loadBlock(buf[:blockSize-4]); err != nil {
			return err
		}
		h.blocksRead++
	}

	// Whatever is still pending never saw its commit pair.
	h.uncommitted = append(h.uncommitted, newRecords(h.pending)...)
	h.pending = nil

	h.logger.Info("Mutation log harvested",
		zap.String("path", path),
		zap.Int("blocks", h.blocksRead),
		zap.Int("records", h.recordsRead),
		zap.Int("uncommitted", len(h.uncommitted)))
	return nil
}

func (h *Harvester) loadBlock(block []byte) error {
	count := int(binary.LittleEndian.Uint16(block[0:2]))
	rest := block[2:]
	for i := 0; i < count; i++ {
		rec, n, err := parseRecord(rest)
		if err != nil {
			return fmt.Errorf("failed to parse mutation log record: %w", err)
		}
		rest = rest[n:]
		h.recordsRead++
		h.apply(rec)
	}
	return nil
}

func (h *Harvester) apply(rec Record) {
	switch rec.Type {
	case RecNew, RecDel:
		h.pending = append(h.pending, rec)
	case RecCommit1:
		h.sawCommit1 = true
	case RecCommit2:
		if !h.sawCommit1 {
			// A lone commit2 cannot close a batch.
			return
		}
		for _, r := range h.pending {
			h.fold(r)
		}
		h.pending = nil
		h.sawCommit1 = false
	}
}

// fold merges one committed record into the last-wins key state.
func (h *Harvester) fold(r Record) {
	switch r.Type {
	case RecNew:
		delete(h.deleted[r.VBucketID], r.Key)
		m := h.applied[r.VBucketID]
		if m == nil {
			m = make(map[string]int64)
			h.applied[r.VBucketID] = m
		}
		m[r.Key] = r.RowID
	case RecDel:
		if r.Key == "" {
			// Whole-vbucket invalidation.
			delete(h.applied, r.VBucketID)
			delete(h.deleted, r.VBucketID)
			return
		}
		delete(h.applied[r.VBucketID], r.Key)
		m := h.deleted[r.VBucketID]
		if m == nil {
			m = make(map[string]struct{})
			h.deleted[r.VBucketID] = m
		}
		m[r.Key] = struct{}{}
	}
}

func newRecords(recs []Record) []Record {
	out := recs[:0:0]
	for _, r := range recs {
		if r.Type == RecNew {
			out = append(out, r)
		}
	}
	return out
}

// Committed returns the keys whose last committed record is new, with
// their row ids.
func (h *Harvester) Committed() []HarvestedItem {
	var out []HarvestedItem
	for vb, keys := range h.applied {
		for key, rowID := range keys {
			out = append(out, HarvestedItem{VBucketID: vb, Key: key, RowID: rowID})
		}
	}
	return out
}

// Deleted reports whether the key's last committed record is a del, so
// reload must skip it.
func (h *Harvester) Deleted(vbID uint16, key string) bool {
	_, ok := h.deleted[vbID][key]
	return ok
}

// Uncommitted returns the new records of unclosed batches, to be purged
// from the underlying store after reload.
func (h *Harvester) Uncommitted() []Record {
	return h.uncommitted
}

// LiveCount returns how many committed keys survive the fold.
func (h *Harvester) LiveCount() int {
	n := 0
	for _, keys := range h.applied {
		n += len(keys)
	}
	return n
}

// RecordsRead returns the total records parsed.
func (h *Harvester) RecordsRead() int { return h.recordsRead }

// SawBadBlock reports whether the harvest stopped at a corrupt or torn
// block.
func (h *Harvester) SawBadBlock() bool { return h.badBlockSeen }
