package transport

import (
	"sync"

	"github.com/ruvnet/swarmbft/internal/consensus"
)

// MemoryHub wires a set of in-process MemoryTransport instances together,
// the way a test harness or single-process simulation needs to exercise
// PBFT/Raft without a real network.
type MemoryHub struct {
	mu    sync.RWMutex
	peers map[consensus.NodeID]*MemoryTransport
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{peers: make(map[consensus.NodeID]*MemoryTransport)}
}

// NewTransport creates and registers a MemoryTransport for nodeID.
func (h *MemoryHub) NewTransport(nodeID consensus.NodeID) *MemoryTransport {
	t := &MemoryTransport{
		hub:     h,
		nodeID:  nodeID,
		msgChan: make(chan *consensus.ConsensusMessage, 1000),
	}
	h.mu.Lock()
	h.peers[nodeID] = t
	h.mu.Unlock()
	return t
}

// MemoryTransport implements consensus.Transport entirely with in-process
// channels, matching RPCTransport's buffered msgChan shape without a wire
// format or listener.
type MemoryTransport struct {
	hub     *MemoryHub
	nodeID  consensus.NodeID
	msgChan chan *consensus.ConsensusMessage
	stopped bool
	mu      sync.Mutex
}

func (m *MemoryTransport) Start() error { return nil }

func (m *MemoryTransport) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *MemoryTransport) Send(nodeID consensus.NodeID, msg *consensus.ConsensusMessage) error {
	m.hub.mu.RLock()
	peer, ok := m.hub.peers[nodeID]
	m.hub.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case peer.msgChan <- msg:
	default:
	}
	return nil
}

func (m *MemoryTransport) Broadcast(msg *consensus.ConsensusMessage) error {
	m.hub.mu.RLock()
	defer m.hub.mu.RUnlock()
	for id, peer := range m.hub.peers {
		if id == m.nodeID {
			continue
		}
		select {
		case peer.msgChan <- msg:
		default:
		}
	}
	return nil
}

func (m *MemoryTransport) Receive() <-chan *consensus.ConsensusMessage { return m.msgChan }

func (m *MemoryTransport) GetAddress(nodeID consensus.NodeID) string { return string(nodeID) }
