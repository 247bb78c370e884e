package session

import (
	"go-livechat/internal/feed"
	"go-livechat/internal/poller"
	"go-livechat/internal/transport"
)

// Observer receives UI-facing updates. Calls are made on the session loop,
// one at a time; an Observer must not block and must not wait on the
// Session it observes.
type Observer interface {
	FeedChanged(entries []feed.Entry)
	ConnectionChanged(status transport.Status, degraded bool)
	RefreshChanged(state poller.RefreshState)
	MembersChanged(members []feed.Member)
	ScrollToLatest()
}

type NopObserver struct{}

func (NopObserver) FeedChanged([]feed.Entry)                 {}
func (NopObserver) ConnectionChanged(transport.Status, bool) {}
func (NopObserver) RefreshChanged(poller.RefreshState)       {}
func (NopObserver) MembersChanged([]feed.Member)             {}
func (NopObserver) ScrollToLatest()                          {}
