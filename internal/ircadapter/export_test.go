package ircadapter

import twitch "github.com/gempir/go-twitch-irc/v3"

// DeliverNoticeForTest feeds a synthetic NOTICE through the adapter's
// callback, for tests outside this package that need to observe the
// Banned() channel without a real IRC connection.
func (a *Adapter) DeliverNoticeForTest(channel, msgID string) {
	a.handleNoticeMessage(twitch.NoticeMessage{Channel: channel, MsgID: msgID})
}
