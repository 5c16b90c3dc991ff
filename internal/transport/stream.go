package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"

	"github.com/warpgrid/warpgrid/internal/fec"
	"github.com/warpgrid/warpgrid/internal/observability"
	"github.com/warpgrid/warpgrid/internal/p2p"
	"github.com/warpgrid/warpgrid/internal/store"
	"github.com/warpgrid/warpgrid/internal/types"
	"github.com/warpgrid/warpgrid/internal/verifier"
)

// Sender ships chunks to a peer, one unidirectional stream per chunk,
// drawing on the scheduler's per-peer upload budget.
type Sender struct {
	conn      *quic.Conn
	peer      types.PeerID
	scheduler *p2p.Engine
	log       *observability.Logger
}

// NewSender wraps an established connection to an identified peer.
func NewSender(conn *quic.Conn, peer types.PeerID, scheduler *p2p.Engine, log *observability.Logger) *Sender {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Sender{conn: conn, peer: peer, scheduler: scheduler, log: log}
}

// SendChunk frames the chunk onto a fresh unidirectional stream. The
// peer must be unchoked; its bandwidth share gates the write.
func (s *Sender) SendChunk(ctx context.Context, chunk *types.ChunkData) error {
	frame := EncodeChunk(chunk)

	if s.scheduler != nil {
		if err := s.scheduler.ConsumeUpload(s.peer, len(frame)); err != nil {
			return err
		}
	}

	stream, err := s.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("failed to open chunk stream: %w", err)
	}

	if _, err := stream.Write(frame); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("failed to write chunk frame: %w", err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("failed to close chunk stream: %w", err)
	}

	if s.scheduler != nil {
		s.scheduler.RecordUploaded(s.peer, uint64(len(frame)))
	}
	return nil
}

// Receiver accepts chunk streams from a peer, authenticates each
// chunk, and lands the survivors in the store. Chunks tagged with a
// FEC group also feed the FEC engine; recovered packets are stored as
// chunks in their own right.
type Receiver struct {
	conn         *quic.Conn
	peer         types.PeerID
	store        *store.ChunkStore
	verifier     *verifier.Verifier
	scheduler    *p2p.Engine
	fec          *fec.Engine
	fecBlockSize int
	maxChunkSize int
	log          *observability.Logger
}

// NewReceiver wraps an established connection from an identified peer.
func NewReceiver(conn *quic.Conn, peer types.PeerID, chunkStore *store.ChunkStore,
	v *verifier.Verifier, scheduler *p2p.Engine, maxChunkSize int,
	log *observability.Logger) *Receiver {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Receiver{
		conn:         conn,
		peer:         peer,
		store:        chunkStore,
		verifier:     v,
		scheduler:    scheduler,
		maxChunkSize: maxChunkSize,
		log:          log,
	}
}

// WithFEC attaches a FEC engine. A chunk's position within its group
// is its sequence modulo the block size.
func (r *Receiver) WithFEC(engine *fec.Engine, blockSize int) *Receiver {
	r.fec = engine
	r.fecBlockSize = blockSize
	return r
}

// Run accepts streams until the context or connection dies. Chunks
// failing verification are dropped without surfacing an error to the
// sender; the verifier's counters make the drops observable.
func (r *Receiver) Run(ctx context.Context) error {
	for {
		stream, err := r.conn.AcceptUniStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to accept chunk stream: %w", err)
		}
		go r.handleStream(stream)
	}
}

func (r *Receiver) handleStream(stream io.Reader) {
	chunk, err := DecodeChunk(stream, r.maxChunkSize)
	if err != nil {
		r.log.Error(err, "dropping undecodable chunk stream")
		return
	}

	// The frame claims a source peer, but identity comes from the
	// connection: a peer cannot speak for another.
	chunk.SourcePeer = r.peer

	if r.verifier != nil {
		if err := r.verifier.Verify(chunk); err != nil {
			// Revoked and forged chunks are dropped silently here; the
			// verifier has already counted them.
			return
		}
	}

	evicted := r.store.Insert(chunk)
	r.log.ChunkStored(chunk.ID, chunk.Size(), evicted)

	if r.scheduler != nil {
		r.scheduler.RecordDownloaded(r.peer, uint64(chunk.Size()))
	}

	if r.fec != nil && chunk.HasFecGroup && r.fecBlockSize > 0 {
		r.feedFEC(chunk)
	}
}

// feedFEC hands a grouped chunk to the FEC engine and stores whatever
// the group recovery materializes.
func (r *Receiver) feedFEC(chunk *types.ChunkData) {
	packet := types.Packet{
		GroupID: chunk.FecGroup,
		Index:   int(chunk.Sequence % uint64(r.fecBlockSize)),
		Data:    chunk.Data,
	}
	recoverable, err := r.fec.AddPacket(packet)
	if err != nil || !recoverable {
		return
	}

	recovered, err := r.fec.Recover(chunk.FecGroup)
	if err != nil {
		r.log.Error(err, "FEC recovery failed")
		return
	}
	for _, p := range recovered {
		base := chunk.Sequence - chunk.Sequence%uint64(r.fecBlockSize)
		r.store.Insert(&types.ChunkData{
			ID:          ChunkIDFor(p.Data),
			Sequence:    base + uint64(p.Index),
			Timestamp:   chunk.Timestamp,
			SourcePeer:  chunk.SourcePeer,
			Data:        p.Data,
			FecGroup:    p.GroupID,
			HasFecGroup: true,
		})
	}
}
