package backfill_test

import (
	"chatsink/backend/internal/models"
	"chatsink/backend/internal/pii"
	"chatsink/backend/internal/platform"
	"chatsink/backend/internal/storage"
	"context"
	"fmt"
	"strconv"
	"sync"
)

// fakeAPI serves a fixed channel history, newest first like the real API.
type fakeAPI struct {
	mu sync.Mutex

	channel    platform.Channel
	channelErr error
	history    []platform.Message
	replies    map[string][]platform.Message
	replyErrs  map[string]error

	// historyErrs are returned, in order, before any page is served.
	historyErrs []error

	// blockOnHistoryCall parks that ListMessages call until release is closed.
	blockOnHistoryCall int
	entered            chan struct{}
	release            chan struct{}

	historyCalls int
	replyCalls   int
	infoCalls    int
}

func newFakeAPI(n int) *fakeAPI {
	f := &fakeAPI{
		channel:   platform.Channel{ID: "C1", Name: "general", IsMember: true},
		replies:   map[string][]platform.Message{},
		replyErrs: map[string]error{},
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	for i := n - 1; i >= 0; i-- {
		f.history = append(f.history, historyMessage(i))
	}
	return f
}

func historyTS(i int) string {
	return fmt.Sprintf("%d.000100", 1700000000+i)
}

func historyMessage(i int) platform.Message {
	return platform.Message{
		Type: "message",
		TS:   historyTS(i),
		User: "U" + strconv.Itoa(i%7),
		Text: "message " + strconv.Itoa(i),
	}
}

func (f *fakeAPI) ListMessages(_ context.Context, req platform.ListMessagesRequest) (*platform.MessagePage, error) {
	f.mu.Lock()
	f.historyCalls++
	call := f.historyCalls
	if len(f.historyErrs) > 0 {
		err := f.historyErrs[0]
		f.historyErrs = f.historyErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	if call == f.blockOnHistoryCall {
		close(f.entered)
		<-f.release
	}

	start := 0
	if req.Cursor != "" {
		start, _ = strconv.Atoi(req.Cursor)
	}
	end := min(start+req.Limit, len(f.history))
	page := &platform.MessagePage{Messages: append([]platform.Message(nil), f.history[start:end]...)}
	if end < len(f.history) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeAPI) ListThreadReplies(_ context.Context, _ string, threadTS string, _ int) ([]platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replyCalls++
	if err := f.replyErrs[threadTS]; err != nil {
		return nil, err
	}
	return append([]platform.Message(nil), f.replies[threadTS]...), nil
}

func (f *fakeAPI) GetChannel(_ context.Context, _ string) (*platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	if f.channelErr != nil {
		return nil, f.channelErr
	}
	ch := f.channel
	return &ch, nil
}

func (f *fakeAPI) ListChannels(context.Context) ([]platform.Channel, error) {
	return []platform.Channel{f.channel}, nil
}

func (f *fakeAPI) calls() (history, replies, info int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyCalls, f.replyCalls, f.infoCalls
}

// recordingStore remembers every progress value written per operation.
type recordingStore struct {
	storage.ProgressStore

	mu       sync.Mutex
	percents map[string][]int
}

func newRecordingStore(inner storage.ProgressStore) *recordingStore {
	return &recordingStore{ProgressStore: inner, percents: map[string][]int{}}
}

func (s *recordingStore) Set(ctx context.Context, op *models.BackfillOperation) error {
	s.mu.Lock()
	s.percents[op.ID] = append(s.percents[op.ID], op.ProgressPercent)
	s.mu.Unlock()
	return s.ProgressStore.Set(ctx, op)
}

func (s *recordingStore) history(id string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.percents[id]...)
}

// gatedScanner blocks its first call until release is closed.
type gatedScanner struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedScanner() *gatedScanner {
	return &gatedScanner{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedScanner) Scan(context.Context, string, string, string) ([]pii.Finding, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return nil, nil
}

// terminalGate parks the first terminal snapshot write, after it lands,
// until release is closed.
type terminalGate struct {
	storage.ProgressStore

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newTerminalGate(inner storage.ProgressStore) *terminalGate {
	return &terminalGate{ProgressStore: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *terminalGate) Set(ctx context.Context, op *models.BackfillOperation) error {
	err := g.ProgressStore.Set(ctx, op)
	if op.Status.IsTerminal() {
		first := false
		g.once.Do(func() { first = true })
		if first {
			close(g.entered)
			<-g.release
		}
	}
	return err
}
