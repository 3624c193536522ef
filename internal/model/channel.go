// internal/model/channel.go
package model

import (
	"fmt"
	"strings"
)

// Channel identifies a delivery channel. Campaigns and delivery logs are
// stored in one table per channel, so the channel is part of their identity.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
	ChannelVoice    Channel = "voice"
	ChannelEmail    Channel = "email"
)

// Channels lists every supported channel in a stable order.
func Channels() []Channel {
	return []Channel{ChannelSMS, ChannelWhatsApp, ChannelTelegram, ChannelVoice, ChannelEmail}
}

// ParseChannel normalizes s and checks it against the supported channels.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelWhatsApp, ChannelTelegram, ChannelVoice, ChannelEmail:
		return true
	}
	return false
}

// ContactKind tells which contact field addresses a lead on this channel.
func (c Channel) ContactKind() ContactKind {
	if c == ChannelEmail {
		return ContactEmail
	}
	return ContactPhone
}

// SupportsEngagement reports whether the channel emits opened/clicked receipts.
func (c Channel) SupportsEngagement() bool {
	return c == ChannelEmail
}

// CampaignTable and LogTable return the per-channel table names.
func (c Channel) CampaignTable() string { return string(c) + "_campaigns" }
func (c Channel) LogTable() string      { return string(c) + "_logs" }

type ContactKind string

const (
	ContactPhone ContactKind = "phone"
	ContactEmail ContactKind = "email"
)
