package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeed_IndexAndKnownIDs(t *testing.T) {
	f := New()
	f.Append(MessageEntry(Message{ID: 4, Content: "a"}))
	f.Append(NoticeEntry(SystemNotice{ID: "n1", Content: "hello"}))
	f.Append(MessageEntry(Message{TempID: "tmp", Content: "b", Status: Pending}))

	assert.Equal(t, 0, f.IndexByID(4))
	assert.Equal(t, -1, f.IndexByID(0))
	assert.Equal(t, 2, f.IndexByTempID("tmp"))
	assert.Equal(t, -1, f.IndexByTempID(""))

	ids := f.KnownIDs()
	assert.True(t, ids.Has(4))
	assert.Len(t, ids, 1)
	assert.Len(t, f.Messages(), 2)
}

func TestFeed_SnapshotIsDetached(t *testing.T) {
	f := New()
	f.Append(MessageEntry(Message{ID: 1, Content: "a"}))

	snap := f.Snapshot()
	f.Replace(0, MessageEntry(Message{ID: 1, Content: "changed"}))
	f.Remove(0)

	assert.Equal(t, "a", snap[0].Message.Content)
	assert.Equal(t, 0, f.Len())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "status(9)", Status(9).String())
}
