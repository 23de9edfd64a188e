// Package walog implements a write-ahead log of UPDATE/BEGIN/COMMIT/ABORT
// records, binary-framed by LSN, with the durability guarantee that a
// transaction's COMMIT record (and everything before it) is forced to
// stable storage before the commit is reported to the caller.
package walog

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/relycore/relydb/pageio"
	"github.com/relycore/relydb/txid"
)

// ErrCorrupted is returned when the log file's framing cannot be parsed.
var ErrCorrupted = errors.New("walog: log file is corrupted")

// RecordType distinguishes the kinds of log record.
type RecordType uint32

const (
	RecordBegin RecordType = iota
	RecordUpdate
	RecordCommit
	RecordAbort
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "begin"
	case RecordUpdate:
		return "update"
	case RecordCommit:
		return "commit"
	case RecordAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Record is one entry in the log. OldImage/NewImage are only populated for
// RecordUpdate and are full-page before/after images, not byte ranges: the
// buffer pool's NO-STEAL policy makes whole-page before-images cheap to keep
// in memory, so the log mirrors that instead of diffing within a page.
type Record struct {
	LSN      uint64
	Type     RecordType
	Txn      txid.TxID
	Page     pageio.PageID
	OldImage []byte
	NewImage []byte
}

// Log is the "LG" component: an append-only, LSN-ordered sequence of
// records backed by one file, opened in append mode so concurrent writers
// can never interleave partial records.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	nextLSN uint64
	log     *zap.Logger
}

// Open opens (creating if necessary) the log file at path and recovers the
// next LSN to hand out by scanning any records already present.
func Open(path string, log *zap.Logger) (*Log, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	l := &Log{file: f, nextLSN: 1, log: log}
	if err := l.recoverLSN(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) recoverLSN() error {
	stat, err := l.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() == 0 {
		return nil
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var lastLSN uint64
	for {
		var lsn uint64
		if err := binary.Read(l.file, binary.BigEndian, &lsn); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		var size uint32
		if err := binary.Read(l.file, binary.BigEndian, &size); err != nil {
			return err
		}
		if _, err := l.file.Seek(int64(size), io.SeekCurrent); err != nil {
			return err
		}
		lastLSN = lsn
	}
	l.nextLSN = lastLSN + 1
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// LogBegin appends a BEGIN record for tid.
func (l *Log) LogBegin(tid txid.TxID) (uint64, error) {
	return l.append(&Record{Type: RecordBegin, Txn: tid})
}

// LogUpdate appends an UPDATE record carrying the full before/after page
// images. The caller (the buffer pool) owns the slices; Log copies them.
func (l *Log) LogUpdate(tid txid.TxID, pid pageio.PageID, before, after []byte) (uint64, error) {
	return l.append(&Record{Type: RecordUpdate, Txn: tid, Page: pid, OldImage: before, NewImage: after})
}

// LogCommit appends a COMMIT record and forces the log to stable storage
// before returning, satisfying the WAL durability contract: a transaction
// is not considered committed until this call returns nil.
func (l *Log) LogCommit(tid txid.TxID) (uint64, error) {
	lsn, err := l.append(&Record{Type: RecordCommit, Txn: tid})
	if err != nil {
		return lsn, err
	}
	return lsn, l.Force()
}

// LogAbort appends an ABORT record.
func (l *Log) LogAbort(tid txid.TxID) (uint64, error) {
	return l.append(&Record{Type: RecordAbort, Txn: tid})
}

func (l *Log) append(r *Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r.LSN = l.nextLSN
	l.nextLSN++

	buf := encode(r)
	if _, err := l.file.Write(buf); err != nil {
		return r.LSN, err
	}
	l.log.Debug("appended log record",
		zap.Uint64("lsn", r.LSN), zap.String("type", r.Type.String()), zap.Uint64("txn", uint64(r.Txn)))
	return r.LSN, nil
}

func encode(r *Record) []byte {
	buf := make([]byte, 0, 64+len(r.OldImage)+len(r.NewImage))

	lsn := make([]byte, 8)
	binary.BigEndian.PutUint64(lsn, r.LSN)
	buf = append(buf, lsn...)

	sizePos := len(buf)
	buf = append(buf, make([]byte, 4)...) // filled below

	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], uint32(r.Type))
	buf = append(buf, scratch[:4]...)

	binary.BigEndian.PutUint64(scratch[:8], uint64(r.Txn))
	buf = append(buf, scratch[:8]...)

	binary.BigEndian.PutUint64(scratch[:8], r.Page.TableID)
	buf = append(buf, scratch[:8]...)
	binary.BigEndian.PutUint64(scratch[:8], uint64(int64(r.Page.PageNo)))
	buf = append(buf, scratch[:8]...)

	binary.BigEndian.PutUint32(scratch[:4], uint32(len(r.OldImage)))
	buf = append(buf, scratch[:4]...)
	buf = append(buf, r.OldImage...)

	binary.BigEndian.PutUint32(scratch[:4], uint32(len(r.NewImage)))
	buf = append(buf, scratch[:4]...)
	buf = append(buf, r.NewImage...)

	binary.BigEndian.PutUint32(buf[sizePos:sizePos+4], uint32(len(buf)-sizePos-4))
	return buf
}

// ReadAll reads every record currently in the log, in LSN order. It is used
// by tests and by tooling that inspects the log; ordinary transaction
// processing never needs to read its own writes back.
func (l *Log) ReadAll() ([]*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	defer l.file.Seek(0, io.SeekEnd)

	var records []*Record
	for {
		var lsn uint64
		if err := binary.Read(l.file, binary.BigEndian, &lsn); err != nil {
			if err == io.EOF {
				break
			}
			return nil, ErrCorrupted
		}
		var size uint32
		if err := binary.Read(l.file, binary.BigEndian, &size); err != nil {
			return nil, ErrCorrupted
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(l.file, body); err != nil {
			return nil, ErrCorrupted
		}
		r, err := decode(lsn, body)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

func decode(lsn uint64, data []byte) (*Record, error) {
	if len(data) < 36 {
		return nil, ErrCorrupted
	}
	pos := 0
	typ := RecordType(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	tid := txid.TxID(binary.BigEndian.Uint64(data[pos:]))
	pos += 8
	tableID := binary.BigEndian.Uint64(data[pos:])
	pos += 8
	pageNo := int(int64(binary.BigEndian.Uint64(data[pos:])))
	pos += 8

	oldLen := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if pos+oldLen > len(data) {
		return nil, ErrCorrupted
	}
	old := make([]byte, oldLen)
	copy(old, data[pos:pos+oldLen])
	pos += oldLen

	newLen := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if pos+newLen > len(data) {
		return nil, ErrCorrupted
	}
	newImg := make([]byte, newLen)
	copy(newImg, data[pos:pos+newLen])

	return &Record{
		LSN:      lsn,
		Type:     typ,
		Txn:      tid,
		Page:     pageio.PageID{TableID: tableID, PageNo: pageNo},
		OldImage: old,
		NewImage: newImg,
	}, nil
}

// Force flushes the log to stable storage.
func (l *Log) Force() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Sync()
}

// Close closes the underlying log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
