package cluster

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"time"

	"github.com/ironfish/clusterd/internal/ierrors"
	"github.com/ironfish/clusterd/internal/model"
)

// MaxGossipMessageBytes bounds a single framed NetworkMessage; an over-size
// frame is a protocol error that closes the connection (spec §4.4).
const MaxGossipMessageBytes = 1 << 20 // 1 MiB

// RPCTimeout bounds a synchronous send-and-receive round trip.
const RPCTimeout = 5 * time.Second

// NetworkMessageKind tags the NetworkMessage union carried over the gossip
// transport.
type NetworkMessageKind string

const (
	MsgGossip            NetworkMessageKind = "gossip"
	MsgSyncRequest       NetworkMessageKind = "sync_request"
	MsgSyncResponse      NetworkMessageKind = "sync_response"
	MsgPing              NetworkMessageKind = "ping"
	MsgPong              NetworkMessageKind = "pong"
	MsgDiscoveryRequest  NetworkMessageKind = "discovery_request"
	MsgDiscoveryResponse NetworkMessageKind = "discovery_response"

	// Consensus RPCs ride the same framed transport as gossip (spec §4.4
	// treats raft/bully messaging as part of the cluster network).
	MsgVoteRequest         NetworkMessageKind = "vote_request"
	MsgVoteResponse        NetworkMessageKind = "vote_response"
	MsgAppendEntries       NetworkMessageKind = "append_entries"
	MsgAppendEntriesResult NetworkMessageKind = "append_entries_result"
)

// NetworkMessage is the wire envelope for the gossip/RPC transport (spec
// §4.4/§6). Unknown kinds are ignored by receivers rather than treated as
// protocol errors.
type NetworkMessage struct {
	Kind NetworkMessageKind `json:"kind"`

	Gossip      *model.GossipEnvelope  `json:"gossip,omitempty"`
	FromVersion uint64                 `json:"from_version,omitempty"`
	Entries     []model.GossipEnvelope `json:"entries,omitempty"`
	Nodes       []model.NodeInfo       `json:"nodes,omitempty"`

	Vote           *VoteRequest            `json:"vote,omitempty"`
	VoteResult     *VoteResponse           `json:"vote_result,omitempty"`
	Append         *AppendEntriesRequest   `json:"append,omitempty"`
	AppendResult   *AppendEntriesResponse  `json:"append_result,omitempty"`
}

// GossipListener accepts inbound framed NetworkMessage connections on
// local_port+100 (spec §4.4 "dedicated TCP listener").
type GossipListener struct {
	ln net.Listener
}

// ListenGossip starts the dedicated gossip TCP listener.
func ListenGossip(bindAddr string) (*GossipListener, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, ierrors.WithKind(ierrors.Wrap(err, "listen gossip"), ierrors.KindNetwork)
	}
	return &GossipListener{ln: ln}, nil
}

// Addr returns the bound listener address.
func (l *GossipListener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *GossipListener) Close() error { return l.ln.Close() }

// Accept blocks for the next inbound connection. Callers should loop this
// in a dedicated accept task and hand each conn to Gossiper.ServeConn in
// its own goroutine.
func (l *GossipListener) Accept() (net.Conn, error) {
	return l.ln.Accept()
}

// WriteMessage frames and writes msg to conn: 4-byte big-endian length
// prefix followed by JSON-encoded NetworkMessage.
func WriteMessage(conn net.Conn, msg NetworkMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return ierrors.Wrap(err, "marshal network message")
	}
	if len(payload) > MaxGossipMessageBytes {
		return ierrors.WithKind(ierrors.Newf("network message too large: %d bytes", len(payload)), ierrors.KindNetwork)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := conn.Write(header); err != nil {
		return ierrors.WithKind(ierrors.Wrap(err, "write frame header"), ierrors.KindNetwork)
	}
	if _, err := conn.Write(payload); err != nil {
		return ierrors.WithKind(ierrors.Wrap(err, "write frame payload"), ierrors.KindNetwork)
	}
	return nil
}

// ReadMessage reads one framed NetworkMessage from r. A frame whose declared
// length exceeds MaxGossipMessageBytes is a protocol error — the caller
// should close the connection.
func ReadMessage(r *bufio.Reader) (NetworkMessage, error) {
	var msg NetworkMessage

	header := make([]byte, 4)
	if _, err := readFull(r, header); err != nil {
		return msg, err
	}
	size := binary.BigEndian.Uint32(header)
	if size > MaxGossipMessageBytes {
		return msg, ierrors.WithKind(ierrors.Newf("frame exceeds max size: %d bytes", size), ierrors.KindNetwork)
	}

	payload := make([]byte, size)
	if _, err := readFull(r, payload); err != nil {
		return msg, err
	}

	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, ierrors.Wrap(err, "unmarshal network message")
	}
	return msg, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, ierrors.WithKind(ierrors.Wrap(err, "read frame"), ierrors.KindNetwork)
		}
	}
	return n, nil
}

// SendAndClose dials addr, writes msg, and optionally waits for one
// response message — used for gossip sends and by synchronous RPCs (sync
// request, vote request, append entries). Bounded by RPCTimeout for both
// connect and read.
func SendAndClose(ctx context.Context, addr string, msg NetworkMessage, expectReply bool) (*NetworkMessage, error) {
	dialer := net.Dialer{Timeout: RPCTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ierrors.WithKind(ierrors.Wrap(err, "dial gossip peer"), ierrors.KindNetwork)
	}
	defer conn.Close()

	if err := WriteMessage(conn, msg); err != nil {
		return nil, err
	}
	if !expectReply {
		return nil, nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(RPCTimeout))
	reply, err := ReadMessage(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return &reply, nil
}
