package feed

// Feed is the ordered sequence shown to the user. It is not safe for
// concurrent use; its owner serializes access.
type Feed struct {
	entries []Entry
}

func New() *Feed {
	return &Feed{}
}

func (f *Feed) Len() int { return len(f.entries) }

func (f *Feed) At(i int) Entry { return f.entries[i] }

// Snapshot returns a copy the caller may keep.
func (f *Feed) Snapshot() []Entry {
	out := make([]Entry, len(f.entries))
	copy(out, f.entries)
	return out
}

// KnownIDs returns the confirmed ids currently in the feed.
func (f *Feed) KnownIDs() IDSet {
	ids := make(IDSet, len(f.entries))
	for _, e := range f.entries {
		if e.Kind == KindMessage && e.Message.HasServerID() {
			ids[e.Message.ID] = struct{}{}
		}
	}
	return ids
}

func (f *Feed) Append(e Entry) {
	f.entries = append(f.entries, e)
}

func (f *Feed) Replace(i int, e Entry) {
	f.entries[i] = e
}

func (f *Feed) Remove(i int) {
	f.entries = append(f.entries[:i], f.entries[i+1:]...)
}

// IndexByID returns the position of the message with server id, or -1.
func (f *Feed) IndexByID(id int64) int {
	if id <= 0 {
		return -1
	}
	for i, e := range f.entries {
		if e.Kind == KindMessage && e.Message.ID == id {
			return i
		}
	}
	return -1
}

// IndexByTempID returns the position of the message with the temp id, or -1.
func (f *Feed) IndexByTempID(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, e := range f.entries {
		if e.Kind == KindMessage && e.Message.TempID == tempID {
			return i
		}
	}
	return -1
}

// Messages returns the authored entries in feed order.
func (f *Feed) Messages() []Message {
	out := make([]Message, 0, len(f.entries))
	for _, e := range f.entries {
		if e.Kind == KindMessage {
			out = append(out, e.Message)
		}
	}
	return out
}
