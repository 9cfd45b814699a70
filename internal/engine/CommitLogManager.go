package engine

import (
	"bytes"
	"claimkv/internal/model"
	"claimkv/internal/storage"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	ErrEnqueueTimeout = errors.New("commit log: timeout waiting to enqueue mutation")
	ErrClosed         = errors.New("commit log: closed")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type CommitLogFlusher struct {
	activeSegment *os.File
	// segmentEnd is the size of the segment after the last successful flush.
	segmentEnd     int64
	nextLSN        uint64
	buffer         bytes.Buffer
	maxBufferBytes int
	syncOnAppend   bool
}

type commitLogMsg struct {
	mut  model.Mutation
	done chan error
}

type CommitLogCfg struct {
	Path                 string
	EnqueueTimeout       time.Duration
	FlushInterval        time.Duration
	MaxEnqueuingMutation int
	BufferBytes          int
	// SyncOnAppend flushes and fsyncs every record before Append returns.
	SyncOnAppend bool
	Logger       *slog.Logger
}

/*
Channel-backed append flow keeps a single writer goroutine in charge of the WAL:
- Ordering: channel preserves request order; the writer assigns LSNs.
- Simplicity: only the writer goroutine touches the buffer/file.
- Backpressure: bounded channel + timeout lets callers fail fast instead of unbounded queueing.
- Durability handshake: per-request done channel lets callers wait for buffering (or fsync with SyncOnAppend).
- Shutdown: Close cancels the writer, which flushes outstanding data before exit.
*/
type CommitLogManager struct {
	flusher CommitLogFlusher
	queue   chan commitLogMsg
	cfg     CommitLogCfg
	flushT  *time.Ticker
	logger  *slog.Logger

	recovered []model.Mutation
	cancel    context.CancelFunc
	stopped   chan struct{}
	closeOnce sync.Once
}

const (
	payloadLenBytes                = 4
	checksumBytes                  = 4
	lsnBytes                       = 8
	opTypeBytes                    = 1
	sequenceBytes                  = 8
	lenFieldSize                   = 4
	defaultCommitLogBufferBytes    = 4 * 1024 * 1024
	minimalCommitLogBufferBytes    = 128
	defaultMaxEnqueuingMutationVal = 1024
	defaultEnqueueTimeout          = 500 * time.Millisecond
	defaultFlushInterval           = time.Second
)

// NewCommitLogManager opens (or creates) the log at cfg.Path, recovers the
// valid prefix of records and starts the writer goroutine. Bytes after the
// first corrupt or truncated record are cut off so new records stay reachable.
func NewCommitLogManager(ctx context.Context, cfg CommitLogCfg) (*CommitLogManager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	recovered, validEnd, err := scanCommitLog(cfg.Path, logger)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open commit log: %w", err)
	}
	size, err := storage.Size(cfg.Path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if size > validEnd {
		logger.Warn("truncating commit log tail",
			slog.Int64("valid_bytes", validEnd), slog.Int64("file_bytes", size))
		if err := f.Truncate(validEnd); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate commit log: %w", err)
		}
	}

	var nextLSN uint64 = 1
	if n := len(recovered); n > 0 {
		nextLSN = recovered[n-1].LSN + 1
	}

	bufferBytes := cfg.BufferBytes
	if bufferBytes <= 0 {
		bufferBytes = defaultCommitLogBufferBytes
	}
	if bufferBytes < minimalCommitLogBufferBytes {
		bufferBytes = minimalCommitLogBufferBytes
	}

	maxQueue := cfg.MaxEnqueuingMutation
	if maxQueue <= 0 {
		maxQueue = defaultMaxEnqueuingMutationVal
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	m := &CommitLogManager{
		cfg:    cfg,
		queue:  make(chan commitLogMsg, maxQueue),
		flushT: time.NewTicker(cfg.FlushInterval),
		logger: logger,
		flusher: CommitLogFlusher{
			activeSegment:  f,
			segmentEnd:     min(size, validEnd),
			nextLSN:        nextLSN,
			maxBufferBytes: bufferBytes,
			syncOnAppend:   cfg.SyncOnAppend,
		},
		recovered: recovered,
		stopped:   make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go func() {
		defer close(m.stopped)
		m.run(runCtx)
		m.flushT.Stop()
		_ = m.flusher.activeSegment.Close()
	}()
	return m, nil
}

// Append durably queues mut and waits until the writer has buffered it.
// The LSN field is assigned by the writer.
func (cm *CommitLogManager) Append(mut model.Mutation) error {
	msg := commitLogMsg{mut: mut, done: make(chan error, 1)}
	timer := time.NewTimer(cm.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case cm.queue <- msg:
	case <-cm.stopped:
		return ErrClosed
	case <-timer.C:
		return ErrEnqueueTimeout
	}

	select {
	case err := <-msg.done:
		return err
	case <-cm.stopped:
		// The writer drains the queue before stopping; a reply may still be there.
		select {
		case err := <-msg.done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Recovered returns the mutations read back when the manager was opened.
func (cm *CommitLogManager) Recovered() []model.Mutation {
	out := make([]model.Mutation, len(cm.recovered))
	copy(out, cm.recovered)
	return out
}

// Close stops the writer and waits for the final flush.
func (cm *CommitLogManager) Close() error {
	cm.closeOnce.Do(cm.cancel)
	<-cm.stopped
	return nil
}

func (cm *CommitLogManager) run(ctx context.Context) {
	for {
		select {
		case msg := <-cm.queue:
			msg.done <- cm.flusher.append(msg.mut)
		case <-cm.flushT.C:
			if err := cm.flusher.flush(); err != nil {
				cm.logger.Error("commit log periodic flush", slog.Any("err", err))
			}
		case <-ctx.Done():
		drain:
			for {
				select {
				case msg := <-cm.queue:
					msg.done <- cm.flusher.append(msg.mut)
				default:
					break drain
				}
			}
			cm.logger.Info("commit log shutting down, flushing active segment")
			if err := cm.flusher.flush(); err != nil {
				cm.logger.Error("commit log shutdown flush", slog.Any("err", err))
			}
			return
		}
	}
}

// append buffers mut under the next LSN. A rejected record never stays in the
// buffer and never consumes an LSN.
func (flusher *CommitLogFlusher) append(mut model.Mutation) error {
	mut.LSN = flusher.nextLSN
	mark := flusher.buffer.Len()
	if err := flusher.write(encodeMutation(mut)); err != nil {
		return err
	}
	if flusher.syncOnAppend {
		if err := flusher.flush(); err != nil {
			flusher.buffer.Truncate(mark)
			return err
		}
	}
	flusher.nextLSN++
	return nil
}

func (flusher *CommitLogFlusher) write(data []byte) error {
	if flusher.activeSegment == nil {
		return errors.New("no active segment")
	}

	if len(data) > flusher.maxBufferBytes {
		return fmt.Errorf("commit log entry (%d bytes) exceeds buffer size (%d bytes)", len(data), flusher.maxBufferBytes)
	}

	if flusher.buffer.Len()+len(data) > flusher.maxBufferBytes {
		if err := flusher.flush(); err != nil {
			return err
		}
	}

	_, err := flusher.buffer.Write(data)
	return err
}

func (flusher *CommitLogFlusher) flush() error {
	if flusher.activeSegment == nil {
		return errors.New("no active segment")
	}
	if flusher.buffer.Len() == 0 {
		return nil
	}

	n := int64(flusher.buffer.Len())
	err := storage.Write(flusher.activeSegment, flusher.buffer.Bytes())
	if err == nil {
		err = flusher.activeSegment.Sync()
	}
	if err != nil {
		// Cut any partial write so a retry of the buffer cannot duplicate records.
		if terr := flusher.activeSegment.Truncate(flusher.segmentEnd); terr != nil {
			err = errors.Join(err, fmt.Errorf("rewind commit log: %w", terr))
		}
		return err
	}
	flusher.segmentEnd += n
	flusher.buffer.Reset()
	return nil
}

// scanCommitLog returns the valid records of the log at path and the byte
// offset where the valid prefix ends. A missing file is an empty log.
func scanCommitLog(path string, logger *slog.Logger) ([]model.Mutation, int64, error) {
	mutations := make([]model.Mutation, 0)

	readFile, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return mutations, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open commit log for reading: %w", err)
	}
	defer readFile.Close()

	fileInfo, err := readFile.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat commit log: %w", err)
	}
	fileSize := fileInfo.Size()

	var offset int64
	for offset < fileSize {
		recordNum := len(mutations)

		header, err := storage.Read(readFile, offset, payloadLenBytes+checksumBytes)
		if err != nil {
			return nil, 0, err
		}
		if len(header) < payloadLenBytes+checksumBytes {
			logger.Warn("commit log truncated in record header",
				slog.Int("record", recordNum), slog.Int64("offset", offset))
			break
		}
		payloadLen := binary.BigEndian.Uint32(header[:payloadLenBytes])
		expectedChecksum := binary.BigEndian.Uint32(header[payloadLenBytes:])

		payloadStart := offset + payloadLenBytes + checksumBytes
		if payloadStart+int64(payloadLen) > fileSize {
			logger.Warn("commit log truncated in payload",
				slog.Int("record", recordNum), slog.Int64("offset", payloadStart),
				slog.Uint64("expected_bytes", uint64(payloadLen)))
			break
		}

		payload, err := storage.Read(readFile, payloadStart, int(payloadLen))
		if err != nil {
			return nil, 0, err
		}

		if actual := crc32.Checksum(payload, castagnoli); actual != expectedChecksum {
			logger.Warn("commit log CRC mismatch, stopping at corruption boundary",
				slog.Int("record", recordNum),
				slog.String("expected", fmt.Sprintf("%x", expectedChecksum)),
				slog.String("actual", fmt.Sprintf("%x", actual)))
			break
		}

		mut, err := decodePayload(payload)
		if err != nil {
			logger.Warn("commit log record undecodable, stopping",
				slog.Int("record", recordNum), slog.Any("err", err))
			break
		}

		mutations = append(mutations, mut)
		offset = payloadStart + int64(payloadLen)
	}

	logger.Info("loaded commit log",
		slog.Int("mutations", len(mutations)), slog.Int64("file_bytes", fileSize))
	return mutations, offset, nil
}

/*
Return encoded mutation record for Commit Log.

| PayloadLength | CRC32C  | LSN     | OpType | Sequence | KeyLen  | Key     | OwnerLen | Owner   |
|---------------|---------|---------|--------|----------|---------|---------|----------|---------|
| 4 bytes       | 4 bytes | 8 bytes | 1 byte | 8 bytes  | 4 bytes | K bytes | 4 bytes  | O bytes |

CRC32C covers the payload, i.e. everything from LSN to Owner.
*/
func encodeMutation(mut model.Mutation) []byte {
	payload := make([]byte, 0, lsnBytes+opTypeBytes+sequenceBytes+lenFieldSize+len(mut.Key)+lenFieldSize+len(mut.Owner))
	payload = binary.BigEndian.AppendUint64(payload, mut.LSN)
	payload = append(payload, byte(mut.Op))
	payload = binary.BigEndian.AppendUint64(payload, mut.Sequence)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(mut.Key)))
	payload = append(payload, mut.Key...)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(mut.Owner)))
	payload = append(payload, mut.Owner...)

	record := make([]byte, 0, payloadLenBytes+checksumBytes+len(payload))
	record = binary.BigEndian.AppendUint32(record, uint32(len(payload)))
	record = binary.BigEndian.AppendUint32(record, crc32.Checksum(payload, castagnoli))
	record = append(record, payload...)
	return record
}

// decodePayload extracts a Mutation from the payload portion of a record.
func decodePayload(payload []byte) (model.Mutation, error) {
	minSize := lsnBytes + opTypeBytes + sequenceBytes + lenFieldSize + lenFieldSize
	if len(payload) < minSize {
		return model.Mutation{}, fmt.Errorf("payload too short: %d bytes (minimum %d)", len(payload), minSize)
	}

	pos := 0
	lsn := binary.BigEndian.Uint64(payload[pos : pos+lsnBytes])
	pos += lsnBytes

	op := model.OpsType(payload[pos])
	if !op.Valid() {
		return model.Mutation{}, fmt.Errorf("invalid operation type: %d", op)
	}
	pos += opTypeBytes

	seq := binary.BigEndian.Uint64(payload[pos : pos+sequenceBytes])
	pos += sequenceBytes

	key, pos, err := readField(payload, pos, "key")
	if err != nil {
		return model.Mutation{}, err
	}
	owner, pos, err := readField(payload, pos, "owner")
	if err != nil {
		return model.Mutation{}, err
	}
	if pos != len(payload) {
		return model.Mutation{}, fmt.Errorf("%d trailing bytes in payload", len(payload)-pos)
	}

	return model.Mutation{
		LSN:      lsn,
		Op:       op,
		Key:      key,
		Owner:    string(owner),
		Sequence: seq,
	}, nil
}

func readField(payload []byte, pos int, name string) ([]byte, int, error) {
	if pos+lenFieldSize > len(payload) {
		return nil, pos, fmt.Errorf("%s length field exceeds payload bounds", name)
	}
	n := int(binary.BigEndian.Uint32(payload[pos : pos+lenFieldSize]))
	pos += lenFieldSize
	if n > len(payload)-pos {
		return nil, pos, fmt.Errorf("%s length (%d) exceeds payload bounds", name, n)
	}
	out := make([]byte, n)
	copy(out, payload[pos:pos+n])
	return out, pos + n, nil
}
