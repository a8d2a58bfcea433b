package player

import (
	"context"
	"sync"

	"GuildFM/core/lavalink"
)

// Node 管理器需要的节点能力，*lavalink.Node 实现了该接口
type Node interface {
	Name() string
	Connected() bool
	Penalty() int
	On(kind lavalink.EventKind, h lavalink.Handler)
	LoadTracks(ctx context.Context, identifier string) (*lavalink.LoadResult, error)
	UpdatePlayer(ctx context.Context, guildID string, update lavalink.PlayerUpdate, noReplace bool) (*lavalink.Player, error)
	DestroyPlayer(ctx context.Context, guildID string) error
	FetchPlayers(ctx context.Context) ([]lavalink.Player, error)
}

var _ Node = (*lavalink.Node)(nil)

// NodePool 所有已配置的节点
type NodePool struct {
	mu    sync.RWMutex
	nodes []Node
}

// NewNodePool 创建节点池
func NewNodePool(nodes ...Node) *NodePool {
	return &NodePool{nodes: append([]Node(nil), nodes...)}
}

// Add 加入节点
func (p *NodePool) Add(n Node) {
	p.mu.Lock()
	p.nodes = append(p.nodes, n)
	p.mu.Unlock()
}

// Nodes 节点列表副本
func (p *NodePool) Nodes() []Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Node(nil), p.nodes...)
}

// Get 按名称查找
func (p *NodePool) Get(name string) (Node, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, n := range p.nodes {
		if n.Name() == name {
			return n, true
		}
	}
	return nil, false
}

// Best 选择惩罚值最小的已连接节点
func (p *NodePool) Best() (Node, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best Node
	bestPenalty := 0
	for _, n := range p.nodes {
		if !n.Connected() {
			continue
		}
		penalty := n.Penalty()
		if best == nil || penalty < bestPenalty {
			best, bestPenalty = n, penalty
		}
	}
	if best == nil {
		return nil, ErrNoAvailableNode
	}
	return best, nil
}
