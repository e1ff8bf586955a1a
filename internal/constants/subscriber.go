package constants

import "time"

// Wire protocol message labels (NIP-01 subset).
const (
	MsgReq    = "REQ"
	MsgClose  = "CLOSE"
	MsgEvent  = "EVENT"
	MsgEOSE   = "EOSE"
	MsgNotice = "NOTICE"
	MsgOK     = "OK"
)

// Reserved single-letter tags. "e" and "p" have fixed meaning in filters.
const (
	TagEvent  = "e"
	TagPubkey = "p"
)

// Connection tuning defaults.
const (
	DefaultPingInterval = 30 * time.Second
	DialTimeout         = 10 * time.Second
	WriteTimeout        = 10 * time.Second
	CloseGraceTimeout   = 2 * time.Second
	ReconnectRatePerSec = 2.0
	ReconnectBurst      = 4
)

// Health evaluation baselines. MaxSilence derives from the ping interval;
// SilenceFactor is the multiplier applied at the performance tier.
const (
	SilenceFactor              = 2.5
	DefaultSubscriptionTimeout = 30 * time.Second
	DefaultMaxReconnects       = 10
)

// Pipeline defaults.
const (
	DefaultDedupCapacity = 1000
	BloomExpectedItems   = 100000
	BloomHashFuncs       = 5
)

// Delivery limits. Event payloads above MaxInlinePayloadBytes are delivered
// by identifier only.
const (
	MaxInlinePayloadBytes = 500 * 1024
	DispatchTimeout       = 15 * time.Second
)
