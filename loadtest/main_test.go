package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go-livechat/internal/feed"
)

func msg(id int64, status feed.Status) feed.Entry {
	return feed.MessageEntry(feed.Message{ID: id, Status: status})
}

func TestTally(t *testing.T) {
	notice := feed.NoticeEntry(feed.SystemNotice{ID: "system-1"})

	tests := []struct {
		name    string
		entries []feed.Entry
		want    bool
	}{
		{"exact", []feed.Entry{msg(1, feed.Confirmed), notice, msg(2, feed.Confirmed)}, true},
		{"missing", []feed.Entry{msg(1, feed.Confirmed)}, false},
		{"duplicated", []feed.Entry{msg(1, feed.Confirmed), msg(1, feed.Confirmed), msg(2, feed.Confirmed)}, false},
		{"pending", []feed.Entry{msg(1, feed.Confirmed), msg(0, feed.Pending)}, false},
		{"failed", []feed.Entry{msg(1, feed.Confirmed), msg(2, feed.Failed)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, count(tt.entries).converged(2))
		})
	}
}
