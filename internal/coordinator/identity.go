package coordinator

import (
	"crypto/ecdsa"
	"time"

	"github.com/google/uuid"
)

// Identity 是进程生命周期内不变的节点身份，启动时构造一次并传给各组件。
type Identity struct {
	Wallet    string
	Key       *ecdsa.PrivateKey
	NodeID    string
	Country   string
	Hardware  string
	SessionID string
	StartedAt time.Time
}

// NewIdentity 构造节点身份。nodeID 为空时使用钱包地址。
func NewIdentity(wallet string, key *ecdsa.PrivateKey, nodeID, country, hardware string, startedAt time.Time) Identity {
	if nodeID == "" {
		nodeID = wallet
	}
	if country == "" {
		country = "N/A"
	}
	if hardware == "" {
		hardware = "N/A"
	}
	return Identity{
		Wallet:    wallet,
		Key:       key,
		NodeID:    nodeID,
		Country:   country,
		Hardware:  hardware,
		SessionID: uuid.NewString(),
		StartedAt: startedAt,
	}
}

// Uptime 返回自启动以来的时长。
func (id Identity) Uptime(now time.Time) time.Duration {
	return now.Sub(id.StartedAt)
}

// EligibilityID 返回查询奖励资格时使用的标识。
func (id Identity) EligibilityID(key string) string {
	if key == "node_id" {
		return id.NodeID
	}
	return id.Wallet
}
