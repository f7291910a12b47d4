package app

import (
	"sync"

	"github.com/rs/zerolog"

	"absurdroom/internal/domain"
	"absurdroom/internal/store"
)

type watcher struct {
	id int
	fn func(RoomView)
}

// RoomFeed merges a room's document subscription and its submissions
// subscription into RoomViews and delivers them to watchers.
//
// Store callbacks only record the latest snapshots and mark the feed dirty;
// views are built and delivered on the feed's own goroutine, so a slow
// watcher delays later views instead of losing them.
type RoomFeed struct {
	code   string
	logger zerolog.Logger

	mu       sync.Mutex
	room     store.Snapshot
	roomSeen bool
	subs     []store.Document
	subsSeen bool

	dirty chan struct{}
	join  chan watcher
	leave chan int
	done  chan struct{}

	nextID    int
	idMu      sync.Mutex
	stopRoom  func()
	stopSubs  func()
	closeOnce sync.Once
}

// NewRoomFeed subscribes to the room with the given code
func NewRoomFeed(st store.Store, code string, logger zerolog.Logger) (*RoomFeed, error) {
	f := &RoomFeed{
		code:   code,
		logger: logger.With().Str("room", code).Logger(),
		dirty:  make(chan struct{}, 1),
		join:   make(chan watcher),
		leave:  make(chan int),
		done:   make(chan struct{}),
	}

	stopRoom, err := st.Subscribe(RoomKey(code), f.onRoom)
	if err != nil {
		return nil, err
	}
	stopSubs, err := st.SubscribeCollection(SubmissionsKey(code), f.onSubmissions)
	if err != nil {
		stopRoom()
		return nil, err
	}
	f.stopRoom, f.stopSubs = stopRoom, stopSubs

	go f.eventLoop()

	return f, nil
}

// AddWatcher registers fn. It receives the latest view right away, if one
// exists, and every later one until the returned func is called.
func (f *RoomFeed) AddWatcher(fn func(RoomView)) func() {
	f.idMu.Lock()
	f.nextID++
	id := f.nextID
	f.idMu.Unlock()

	select {
	case f.join <- watcher{id: id, fn: fn}:
	case <-f.done:
	}

	return func() {
		select {
		case f.leave <- id:
		case <-f.done:
		}
	}
}

// Close releases the store subscriptions and stops delivery
func (f *RoomFeed) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
		f.stopRoom()
		f.stopSubs()
	})
}

func (f *RoomFeed) onRoom(snap store.Snapshot) {
	f.mu.Lock()
	f.room = snap
	f.roomSeen = true
	f.mu.Unlock()
	f.markDirty()
}

func (f *RoomFeed) onSubmissions(docs []store.Document) {
	f.mu.Lock()
	f.subs = docs
	f.subsSeen = true
	f.mu.Unlock()
	f.markDirty()
}

func (f *RoomFeed) markDirty() {
	select {
	case f.dirty <- struct{}{}:
	default:
	}
}

// view builds the current view. It reports false until both subscriptions
// have delivered once.
func (f *RoomFeed) view() (RoomView, bool) {
	f.mu.Lock()
	if !f.roomSeen || !f.subsSeen {
		f.mu.Unlock()
		return RoomView{}, false
	}
	snap := f.room
	docs := f.subs
	f.mu.Unlock()

	if !snap.Exists {
		return newRoomView(f.code, nil, nil), true
	}

	room, err := decodeRoom(snap.Doc)
	if err != nil {
		f.logger.Warn().Err(err).Msg("room document unreadable")
		return RoomView{Code: f.code, Status: ViewTransient, Submissions: []*domain.Submission{}}, true
	}
	return newRoomView(f.code, room, decodeSubmissions(docs, f.logger)), true
}

func (f *RoomFeed) eventLoop() {
	watchers := make(map[int]func(RoomView))
	var latest *RoomView

	for {
		select {
		case <-f.done:
			return
		case w := <-f.join:
			watchers[w.id] = w.fn
			if latest != nil {
				w.fn(*latest)
			}
		case id := <-f.leave:
			delete(watchers, id)
		case <-f.dirty:
			v, ok := f.view()
			if !ok {
				continue
			}
			latest = &v
			for _, fn := range watchers {
				fn(v)
			}
		}
	}
}
