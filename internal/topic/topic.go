// Package topic parses and normalizes the `<namespace>.<scope>` keys the
// subscription tables are indexed by.
package topic

import (
	"strings"

	"github.com/paperclash/realtime/internal/protocol"
)

// Namespaces. The scope grammar depends on the namespace: "*" for
// firehoses, a symbol for token, a numeric id for contest/room, a wallet
// address for wallet/notifications, a dotted category or key for settings.
const (
	NSMarket        = "market"
	NSToken         = "token"
	NSContest       = "contest"
	NSRoom          = "room"
	NSWallet        = "wallet"
	NSNotifications = "notifications"
	NSSettings      = "settings"
	NSAdmin         = "admin"
)

var validNamespaces = map[string]bool{
	NSMarket:        true,
	NSToken:         true,
	NSContest:       true,
	NSRoom:          true,
	NSWallet:        true,
	NSNotifications: true,
	NSSettings:      true,
	NSAdmin:         true,
}

// Key is a parsed topic identifier. Equality of canonical strings is
// topic equality; symbol scopes are folded to lower case on parse so
// token.SOL and token.sol land in the same subscriber set.
type Key struct {
	Namespace string
	Scope     string
}

// Parse validates and normalizes a raw topic string.
func Parse(raw string) (Key, error) {
	ns, scope, ok := strings.Cut(raw, ".")
	if !ok || ns == "" || scope == "" {
		return Key{}, protocol.Errf(protocol.CodeBadRequest, "malformed topic %q", raw)
	}
	ns = strings.ToLower(ns)
	if !validNamespaces[ns] {
		return Key{}, protocol.Errf(protocol.CodeBadRequest, "unknown topic namespace %q", ns)
	}
	if ns == NSToken {
		scope = strings.ToLower(scope)
	}
	return Key{Namespace: ns, Scope: scope}, nil
}

func (k Key) String() string {
	return k.Namespace + "." + k.Scope
}

// Public reports whether the topic is readable without authentication.
// Market and token feeds are the only anonymous surfaces.
func (k Key) Public() bool {
	return k.Namespace == NSMarket || k.Namespace == NSToken
}

// Market builds market.<scope>, e.g. Market("tokens").
func Market(scope string) Key { return Key{Namespace: NSMarket, Scope: scope} }

// Token builds token.<symbol> with the symbol lower-cased.
func Token(symbol string) Key {
	return Key{Namespace: NSToken, Scope: strings.ToLower(symbol)}
}

// Wallet builds wallet.<addr>.
func Wallet(addr string) Key { return Key{Namespace: NSWallet, Scope: addr} }

// Notifications builds notifications.<addr>.
func Notifications(addr string) Key {
	return Key{Namespace: NSNotifications, Scope: addr}
}

// Settings builds settings.<scope> where scope is a category or full key.
func Settings(scope string) Key { return Key{Namespace: NSSettings, Scope: scope} }
