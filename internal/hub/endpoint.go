package hub

import (
	"github.com/paperclash/realtime/internal/config"
	"github.com/paperclash/realtime/internal/topic"
)

// Endpoint binds an upgrade path to its frame-size ceiling, inbound
// message budget, token policy, and the topic namespaces it serves.
type Endpoint struct {
	Name          string
	Path          string
	ReadLimit     int64
	MessageLimit  int
	TokenRequired bool
	Namespaces    map[string]bool
}

// Allows reports whether a topic namespace is served on this endpoint.
func (e Endpoint) Allows(ns string) bool {
	return e.Namespaces[ns]
}

// Endpoints returns the fixed upgrade surface. Frame-size ceilings differ
// per endpoint: the market firehose carries large token-list snapshots,
// contest and wallet traffic is small commands only.
func Endpoints(cfg *config.Config) []Endpoint {
	return []Endpoint{
		{
			Name:         "market-data",
			Path:         "/ws/market-data",
			ReadLimit:    5 << 20,
			MessageLimit: cfg.MarketMessageLimit,
			Namespaces:   map[string]bool{topic.NSMarket: true, topic.NSToken: true},
		},
		{
			Name:          "contest",
			Path:          "/ws/contest",
			ReadLimit:     32 << 10,
			MessageLimit:  cfg.ContestMessageLimit,
			TokenRequired: true,
			Namespaces:    map[string]bool{topic.NSContest: true, topic.NSRoom: true},
		},
		{
			Name:          "wallet",
			Path:          "/ws/wallet",
			ReadLimit:     32 << 10,
			MessageLimit:  cfg.DefaultMessageLimit,
			TokenRequired: true,
			Namespaces:    map[string]bool{topic.NSWallet: true},
		},
		{
			Name:          "notifications",
			Path:          "/ws/notifications",
			ReadLimit:     50 << 10,
			MessageLimit:  cfg.DefaultMessageLimit,
			TokenRequired: true,
			Namespaces:    map[string]bool{topic.NSNotifications: true},
		},
		{
			Name:          "system-settings",
			Path:          "/ws/system-settings",
			ReadLimit:     2 << 20,
			MessageLimit:  cfg.DefaultMessageLimit,
			TokenRequired: true,
			Namespaces:    map[string]bool{topic.NSSettings: true, topic.NSAdmin: true},
		},
	}
}
