package lstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

const metadataMagic = "LSTR"
const metadataVersion = uint32(1)

// tableDescriptor is the per-table record stored in the metadata file:
// just enough to recreate an empty table.Table and then repopulate it by
// scanning its page ranges (spec.md §6/§4.9). Primary/secondary indexes
// are not persisted; they are rebuilt by Table.RebuildPrimaryIndex and a
// fresh CreateIndex call respectively.
type tableDescriptor struct {
	Name      string
	NumCols   int
	KeyColumn int
}

func metadataPath(root string) string { return filepath.Join(root, "metadata") }

func writeMetadata(root string, tables []tableDescriptor) error {
	f, err := os.Create(metadataPath(root))
	if err != nil {
		return fmt.Errorf("lstore: write metadata: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 0, 64*(len(tables)+1))
	buf = append(buf, metadataMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, metadataVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tables)))
	for _, td := range tables {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(td.Name)))
		buf = append(buf, td.Name...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(td.NumCols))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(td.KeyColumn))
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("lstore: write metadata: %w", err)
	}
	return f.Sync()
}

// readMetadata returns no tables, not an error, if the metadata file does
// not yet exist (a freshly created database directory).
func readMetadata(root string) ([]tableDescriptor, error) {
	data, err := os.ReadFile(metadataPath(root))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lstore: read metadata: %w", err)
	}
	if len(data) < len(metadataMagic)+8 || string(data[:len(metadataMagic)]) != metadataMagic {
		return nil, fmt.Errorf("lstore: corrupt metadata header")
	}
	off := len(metadataMagic)
	version := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	if version != metadataVersion {
		return nil, fmt.Errorf("lstore: unsupported metadata version %d", version)
	}
	count := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4

	out := make([]tableDescriptor, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("lstore: truncated metadata")
		}
		nameLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if off+nameLen+8 > len(data) {
			return nil, fmt.Errorf("lstore: truncated metadata")
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		numCols := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		keyCol := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		out = append(out, tableDescriptor{Name: name, NumCols: numCols, KeyColumn: keyCol})
	}
	return out, nil
}
