// Package app applies round state-machine decisions to the store and turns
// store change feeds into room views for the transports.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmcvetta/randutil"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"absurdroom/internal/deck"
	"absurdroom/internal/domain"
	"absurdroom/internal/events"
	"absurdroom/internal/store"
)

const (
	roomsCollection       = "rooms"
	submissionsCollection = "submissions"

	// room codes are drawn from [minRoomCode, maxRoomCode)
	minRoomCode = 1000
	maxRoomCode = 10000

	codeAttempts = 10
	purgeWorkers = 8

	// DefaultRoomTTL is how long a room may sit idle before it is reaped
	DefaultRoomTTL = 6 * time.Hour

	// DefaultReapInterval is how often idle rooms are looked for
	DefaultReapInterval = 10 * time.Minute
)

// ErrNoRoomCode is returned when no free room code was found
var ErrNoRoomCode = errors.New("failed to generate unique room code")

// RoomKey returns the store key of a room
func RoomKey(code string) string {
	return store.Key(roomsCollection, code)
}

// SubmissionsKey returns the collection holding a room's submissions
func SubmissionsKey(code string) string {
	return store.Key(roomsCollection, code, submissionsCollection)
}

// SubmissionKey returns the store key of one submission
func SubmissionKey(code, submissionID string) string {
	return store.Key(SubmissionsKey(code), submissionID)
}

// Options tunes a Service
type Options struct {
	Clock        clockwork.Clock
	RoomTTL      time.Duration
	ReapInterval time.Duration
}

type feedEntry struct {
	feed     *RoomFeed
	watchers int
}

// Service runs room operations against the store. It holds no room state of
// its own: every operation reads the room, decides, and writes back.
type Service struct {
	store     store.Store
	deck      *deck.Deck
	publisher events.Publisher
	clock     clockwork.Clock
	logger    zerolog.Logger

	roomTTL      time.Duration
	reapInterval time.Duration
	newCode      func() (string, error)

	feeds map[string]*feedEntry
	mu    sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewService creates a service. Call Start to run the idle-room reaper.
func NewService(st store.Store, dk *deck.Deck, pub events.Publisher, opts Options, logger zerolog.Logger) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RoomTTL <= 0 {
		opts.RoomTTL = DefaultRoomTTL
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	if pub == nil {
		pub = events.NewLogPublisher(logger)
	}

	return &Service{
		store:        st,
		deck:         dk,
		publisher:    pub,
		clock:        opts.Clock,
		logger:       logger.With().Str("component", "rooms").Logger(),
		roomTTL:      opts.RoomTTL,
		reapInterval: opts.ReapInterval,
		newCode:      randomRoomCode,
		feeds:        make(map[string]*feedEntry),
		done:         make(chan struct{}),
	}
}

// Deck returns the deck rounds are played with
func (s *Service) Deck() *deck.Deck {
	return s.deck
}

// CreateRoom creates a room hosted by hostID and returns it as stored
func (s *Service) CreateRoom(ctx context.Context, hostName, hostID string) (*domain.Room, error) {
	var code string
	for attempts := 0; attempts < codeAttempts; attempts++ {
		candidate, err := s.newCode()
		if err != nil {
			return nil, fmt.Errorf("generate room code: %w", err)
		}
		snap, err := s.store.Get(ctx, RoomKey(candidate))
		if err != nil {
			return nil, storeErr(err)
		}
		if !snap.Exists {
			code = candidate
			break
		}
	}
	if code == "" {
		return nil, ErrNoRoomCode
	}

	room, err := domain.NewRoom(code, hostName, hostID, s.deck.RandomPrompt())
	if err != nil {
		return nil, err
	}

	fields := store.Fields(room.Fields())
	fields[domain.FieldCreatedAt] = store.ServerTimestamp
	if err := s.store.Set(ctx, RoomKey(code), fields); err != nil {
		return nil, storeErr(err)
	}

	s.logger.Info().Str("room", code).Str("host", hostID).Msg("room created")
	s.publish(ctx, domain.NewEvent(domain.EventRoomCreated, code, hostID, room.CurrentRound, nil))

	return s.LoadRoom(ctx, code)
}

// LoadRoom reads a room by (possibly unnormalised) code
func (s *Service) LoadRoom(ctx context.Context, code string) (*domain.Room, error) {
	code = domain.NormalizeRoomCode(code)
	if !domain.ValidRoomCode(code) {
		return nil, domain.ErrInvalidRoomCode
	}

	snap, err := s.store.Get(ctx, RoomKey(code))
	if err != nil {
		return nil, storeErr(err)
	}
	if !snap.Exists {
		return nil, domain.ErrRoomNotFound
	}
	return decodeRoom(snap.Doc)
}

// Submissions returns every stored submission of a room, oldest first
func (s *Service) Submissions(ctx context.Context, code string) ([]*domain.Submission, error) {
	docs, err := s.store.List(ctx, SubmissionsKey(code))
	if err != nil {
		return nil, storeErr(err)
	}
	return decodeSubmissions(docs, s.logger), nil
}

// View reads the current view of a room once
func (s *Service) View(ctx context.Context, code string) (RoomView, error) {
	room, err := s.LoadRoom(ctx, code)
	if err != nil {
		return RoomView{}, err
	}
	subs, err := s.Submissions(ctx, room.Code)
	if err != nil {
		return RoomView{}, err
	}
	return newRoomView(room.Code, room, subs), nil
}

// Submit writes the player's answer for the current round. Submitting again
// in the same round replaces the earlier answer.
func (s *Service) Submit(ctx context.Context, code, playerID, playerName, text string) (*domain.Submission, error) {
	room, err := s.LoadRoom(ctx, code)
	if err != nil {
		return nil, err
	}

	sub, err := room.NewSubmission(playerID, playerName, text)
	if err != nil {
		return nil, err
	}

	fields := store.Fields(sub.Fields())
	fields[domain.FieldCreatedAt] = store.ServerTimestamp
	if err := s.store.Set(ctx, SubmissionKey(room.Code, sub.ID), fields); err != nil {
		return nil, storeErr(err)
	}

	s.logger.Debug().Str("room", room.Code).Str("submission", sub.ID).Msg("submission written")
	s.publish(ctx, domain.NewEvent(domain.EventSubmissionMade, room.Code, playerID, sub.Round, &domain.SubmissionPayload{
		SubmissionID: sub.ID,
		PlayerName:   sub.PlayerName,
	}))

	return sub, nil
}

// CloseSubmissions moves the room to judging (host only)
func (s *Service) CloseSubmissions(ctx context.Context, code, actorID string) (*domain.Room, error) {
	room, err := s.LoadRoom(ctx, code)
	if err != nil {
		return nil, err
	}

	changes, err := room.CloseSubmissions(actorID)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return room, nil
	}

	if err := s.store.Update(ctx, RoomKey(room.Code), store.Fields(changes)); err != nil {
		return nil, storeErr(err)
	}

	s.publish(ctx, domain.NewEvent(domain.EventSubmissionsClosed, room.Code, actorID, room.Round(), nil))
	return room, nil
}

// PickWinner reveals the submission with the given id as the round winner
func (s *Service) PickWinner(ctx context.Context, code, actorID, submissionID string) (*domain.Room, error) {
	room, err := s.LoadRoom(ctx, code)
	if err != nil {
		return nil, err
	}

	snap, err := s.store.Get(ctx, SubmissionKey(room.Code, submissionID))
	if err != nil {
		return nil, storeErr(err)
	}
	var sub *domain.Submission
	if snap.Exists {
		if sub, err = decodeSubmission(snap.Doc); err != nil {
			return nil, err
		}
	}

	changes, err := room.PickWinner(sub)
	if err != nil {
		return nil, err
	}

	if err := s.store.Update(ctx, RoomKey(room.Code), store.Fields(changes)); err != nil {
		return nil, storeErr(err)
	}

	s.publish(ctx, domain.NewEvent(domain.EventWinnerPicked, room.Code, actorID, room.Round(), &domain.WinnerPayload{
		WinnerName: room.WinnerName,
		WinnerText: room.WinnerText,
	}))
	return room, nil
}

// NextRound purges the finished round's submissions and then starts the next
// round. The two steps are separate writes: if the purge succeeds and the
// update fails, the room keeps its old round and phase with no submissions
// left, and the host can simply retry.
func (s *Service) NextRound(ctx context.Context, code, actorID string) (*domain.Room, error) {
	room, err := s.LoadRoom(ctx, code)
	if err != nil {
		return nil, err
	}

	changes, finished, err := room.NextRound(s.deck.RandomPromptExcluding(room.Prompt))
	if err != nil {
		return nil, err
	}

	keys, err := s.store.QueryByField(ctx, SubmissionsKey(room.Code), domain.FieldRound, finished)
	if err != nil {
		return nil, storeErr(err)
	}
	stale, err := s.staleSubmissionKeys(ctx, room.Code, finished)
	if err != nil {
		return nil, err
	}
	keys = append(keys, stale...)
	if err := s.deleteAll(ctx, keys); err != nil {
		return nil, storeErr(err)
	}

	if err := s.store.Update(ctx, RoomKey(room.Code), store.Fields(changes)); err != nil {
		s.logger.Warn().Err(err).Str("room", room.Code).Int("round", finished).
			Msg("submissions purged but round not advanced")
		return nil, storeErr(err)
	}

	s.logger.Info().Str("room", room.Code).Int("round", room.CurrentRound).Int("purged", len(keys)).Msg("round advanced")
	s.publish(ctx, domain.NewEvent(domain.EventRoundAdvanced, room.Code, actorID, room.CurrentRound, &domain.RoundAdvancedPayload{
		FinishedRound: finished,
		Purged:        len(keys),
		Prompt:        room.Prompt,
	}))
	return room, nil
}

// staleSubmissionKeys finds submissions of rounds before finished. They are
// written by players who submitted from an old room snapshot after an advance.
func (s *Service) staleSubmissionKeys(ctx context.Context, code string, finished int) ([]string, error) {
	subs, err := s.Submissions(ctx, code)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, sub := range subs {
		if sub.Round < finished {
			keys = append(keys, SubmissionKey(code, sub.ID))
		}
	}
	return keys, nil
}

// ShareText returns the invite message for a room
func (s *Service) ShareText(ctx context.Context, code string) (string, error) {
	room, err := s.LoadRoom(ctx, code)
	if err != nil {
		return "", err
	}
	options := domain.DrawOptions(s.deck.Answers, domain.DefaultOptionCount, newRand())
	return domain.ShareText(room, options), nil
}

// Watch calls fn with the room's view now and after every change until the
// returned func is called. Watchers of the same room share one pair of store
// subscriptions.
func (s *Service) Watch(code string, fn func(RoomView)) (func(), error) {
	code = domain.NormalizeRoomCode(code)
	if !domain.ValidRoomCode(code) {
		return nil, domain.ErrInvalidRoomCode
	}

	s.mu.Lock()
	entry, ok := s.feeds[code]
	if !ok {
		feed, err := NewRoomFeed(s.store, code, s.logger)
		if err != nil {
			s.mu.Unlock()
			return nil, storeErr(err)
		}
		entry = &feedEntry{feed: feed}
		s.feeds[code] = entry
	}
	entry.watchers++
	s.mu.Unlock()

	stop := entry.feed.AddWatcher(fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			s.release(code, entry)
		})
	}, nil
}

// WatcherCount returns the number of active watchers of a room
func (s *Service) WatcherCount(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.feeds[code]; ok {
		return entry.watchers
	}
	return 0
}

func (s *Service) release(code string, entry *feedEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.watchers--
	if entry.watchers > 0 {
		return
	}
	if s.feeds[code] == entry {
		delete(s.feeds, code)
	}
	entry.feed.Close()
}

// Start runs the idle-room reaper until Close
func (s *Service) Start() {
	go s.reapLoop()
}

// Close stops the reaper and every room feed
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		defer s.mu.Unlock()
		for code, entry := range s.feeds {
			entry.feed.Close()
			delete(s.feeds, code)
		}
	})
}

// reapLoop periodically deletes idle rooms
func (s *Service) reapLoop() {
	ticker := s.clock.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := s.ReapIdleRooms(ctx); err != nil {
				s.logger.Error().Err(err).Msg("reaping idle rooms failed")
			}
			cancel()
		}
	}
}

// ReapIdleRooms deletes rooms, with their submissions, that nobody has
// written to for longer than the room TTL. It returns the reaped codes.
func (s *Service) ReapIdleRooms(ctx context.Context) ([]string, error) {
	rooms, err := s.store.List(ctx, roomsCollection)
	if err != nil {
		return nil, storeErr(err)
	}

	now := s.clock.Now()
	var reaped []string
	for _, doc := range rooms {
		code := doc.ID
		subs, err := s.store.List(ctx, SubmissionsKey(code))
		if err != nil {
			return reaped, storeErr(err)
		}

		last := doc.UpdateTime
		keys := make([]string, 0, len(subs))
		for _, sub := range subs {
			if sub.UpdateTime.After(last) {
				last = sub.UpdateTime
			}
			keys = append(keys, sub.Key)
		}
		if now.Sub(last) <= s.roomTTL {
			continue
		}

		if err := s.deleteAll(ctx, keys); err != nil {
			return reaped, storeErr(err)
		}
		if err := s.store.Delete(ctx, doc.Key); err != nil {
			return reaped, storeErr(err)
		}

		reaped = append(reaped, code)
		s.logger.Info().Str("room", code).Dur("idle", now.Sub(last)).Msg("idle room reaped")
		s.publish(ctx, domain.NewEvent(domain.EventRoomReaped, code, "", 0, nil))
	}
	return reaped, nil
}

// deleteAll deletes keys in parallel. Deletes already done are not undone
// when another fails.
func (s *Service) deleteAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(purgeWorkers)
	for _, key := range keys {
		p.Go(func(ctx context.Context) error {
			return s.store.Delete(ctx, key)
		})
	}
	return p.Wait()
}

func (s *Service) publish(ctx context.Context, event *domain.RoomEvent) {
	event.Timestamp = s.clock.Now()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("type", string(event.Type)).Str("room", event.RoomCode).Msg("failed to publish room event")
	}
}

func randomRoomCode() (string, error) {
	n, err := randutil.IntRange(minRoomCode, maxRoomCode)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(n), nil
}

// storeErr classifies a store failure as a domain error
func storeErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.ErrRoomNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
}
