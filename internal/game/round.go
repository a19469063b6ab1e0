package game

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
)

// State is the round lifecycle: READY → IN_PROGRESS → FINISHED → READY.
// StateNone is the zero value of a round that was never reset.
type State int

const (
	StateNone State = iota
	StateReady
	StateInProgress
	StateFinished
)

var stateNames = [...]string{"NONE", "READY", "IN_PROGRESS", "FINISHED"}

func (s State) String() string {
	if s < StateNone || s > StateFinished {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	if s < StateNone || s > StateFinished {
		return nil, fmt.Errorf("invalid state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

const (
	// MinPlayers is the smallest table that can play a round.
	MinPlayers = 2
	// MaxPlayers keeps the opening deal within a single deck.
	MaxPlayers = 52 / dealtCards

	dealtCards = 2
)

var (
	ErrIllegalState     = errors.New("action not allowed in the current round state")
	ErrNoCurrentPlayer  = errors.New("no player holds the turn")
	ErrNotEnoughPlayers = errors.New("not enough players for a round")
	ErrTooManyPlayers   = errors.New("too many players for one deck")
	ErrDealerNotSeated  = errors.New("dealer is not in the player list")
	ErrDeckExhausted    = errors.New("deck is empty")
)

// RoundOption configures a Round.
type RoundOption func(*Round)

// WithDeckSource replaces the shuffled standard deck drawn at every reset.
func WithDeckSource(fn func() *Deck) RoundOption {
	return func(r *Round) { r.newDeck = fn }
}

// WithRand shuffles the standard deck with rng.
func WithRand(rng *rand.Rand) RoundOption {
	return func(r *Round) {
		r.newDeck = func() *Deck { return NewStandardDeck().Shuffle(rng) }
	}
}

// Round runs one table's deal, turn sequence and settlement. Player order is
// fixed at Reset: it starts to the dealer's left and ends with the dealer.
// Players removed mid-round stay in the order so their stake is still at
// risk, but they are never given the turn.
//
// Every method is safe for concurrent use. Events raised by a method,
// including the changes it makes to its players, are delivered to subscribers
// in the order they happened, after the round's mutex has been released.
type Round struct {
	mu      sync.Mutex
	number  int
	players []*Player
	removed map[string]bool
	state   State
	dealer  *Player
	turn    int
	stake   int
	deck    *Deck
	newDeck func() *Deck
	unsubs  []func()

	pendingMu sync.Mutex
	pending   []Event

	subsMu  sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// NewRound returns a round in StateNone.
func NewRound(opts ...RoundOption) *Round {
	r := &Round{
		turn:    -1,
		removed: make(map[string]bool),
		subs:    make(map[int]func(Event)),
		newDeck: func() *Deck { return NewStandardDeck().Shuffle(nil) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn for round events and returns a function that
// removes it.
func (r *Round) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subsMu.Unlock()
	return func() {
		r.subsMu.Lock()
		delete(r.subs, id)
		r.subsMu.Unlock()
	}
}

// do runs fn under the round mutex, then publishes whatever it raised.
func (r *Round) do(fn func() error) error {
	r.mu.Lock()
	err := fn()
	r.mu.Unlock()

	r.pendingMu.Lock()
	events := r.pending
	r.pending = nil
	r.pendingMu.Unlock()

	if len(events) == 0 {
		return err
	}
	r.subsMu.RLock()
	fns := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subsMu.RUnlock()
	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
	return err
}

// Reset prepares the next round for players with the given dealer and stake.
// No cards are dealt until Start.
func (r *Round) Reset(players []*Player, dealer *Player, stake int) error {
	return r.do(func() error {
		if r.state == StateInProgress {
			return fmt.Errorf("reset: %w", ErrIllegalState)
		}
		if len(players) < MinPlayers {
			return ErrNotEnoughPlayers
		}
		if len(players) > MaxPlayers {
			return ErrTooManyPlayers
		}
		at := -1
		for i, p := range players {
			if p.Equal(dealer) {
				at = i
				break
			}
		}
		if at < 0 {
			return ErrDealerNotSeated
		}

		n := len(players)
		ordered := make([]*Player, 0, n)
		for i := 1; i <= n; i++ {
			ordered = append(ordered, players[(at+i)%n])
		}

		for _, unsub := range r.unsubs {
			unsub()
		}
		r.unsubs = r.unsubs[:0]
		for _, p := range ordered {
			r.unsubs = append(r.unsubs, p.Subscribe(r.raise))
		}

		r.number++
		r.players = ordered
		r.dealer = players[at]
		r.stake = stake
		r.removed = make(map[string]bool)
		r.deck = r.newDeck()
		for _, p := range r.players {
			p.SetStatus(StatusPlaying)
		}
		r.setTurn(-1)
		r.raise(Event{Kind: EventDealerChanged, Player: viewOf(r.dealer)})
		r.setState(StateReady)
		return nil
	})
}

// Start deals two cards to every player and settles any naturals.
func (r *Round) Start() error {
	return r.do(r.start)
}

func (r *Round) start() error {
	if r.state != StateReady {
		return fmt.Errorf("start: %w", ErrIllegalState)
	}
	for _, p := range r.players {
		p.ClearHand()
		p.SetStatus(StatusPlaying)
	}
	for _, p := range r.players {
		for i := 0; i < dealtCards; i++ {
			c, ok := r.deck.Draw()
			if !ok {
				return ErrDeckExhausted
			}
			p.AddCard(c)
		}
	}
	r.setState(StateInProgress)
	r.checkNaturals()
	return nil
}

// Hit deals one card to the player holding the turn. A bust pays the stake to
// the dealer and a 21 ends the turn; otherwise the player keeps the turn.
func (r *Round) Hit() error {
	return r.do(func() error {
		p, err := r.currentLocked("hit")
		if err != nil {
			return err
		}
		c, ok := r.deck.Draw()
		if !ok {
			return ErrDeckExhausted
		}
		p.AddCard(c)

		switch v := p.HandValue(); {
		case v > Blackjack:
			p.SetStatus(StatusLoser)
			p.TransferTokens(r.dealer, r.stake)
			r.advance()
		case v == Blackjack:
			r.advance()
		}
		return nil
	})
}

// Stick ends the current player's turn.
func (r *Round) Stick() error {
	return r.do(func() error {
		if _, err := r.currentLocked("stick"); err != nil {
			return err
		}
		r.advance()
		return nil
	})
}

func (r *Round) currentLocked(op string) (*Player, error) {
	if r.state != StateInProgress {
		return nil, fmt.Errorf("%s: %w", op, ErrIllegalState)
	}
	if r.turn < 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrNoCurrentPlayer)
	}
	return r.players[r.turn], nil
}

// RemovePlayer takes p out of turn rotation for the rest of the round. If the
// dealer leaves before the deal, the round starts at once; if p holds the
// turn, play moves on.
func (r *Round) RemovePlayer(p *Player) error {
	return r.do(func() error {
		if r.indexOf(p) < 0 {
			return nil
		}
		r.removed[p.ID()] = true

		if r.state == StateReady && p.Equal(r.dealer) {
			if err := r.start(); err != nil {
				return err
			}
		}
		if r.state == StateInProgress && r.turn >= 0 && r.players[r.turn].Equal(p) {
			r.advance()
		}
		return nil
	})
}

// advance passes the turn to the next seated player. Reaching the dealer with
// nobody else still in play, or running out of players, settles the round.
func (r *Round) advance() {
	for next := r.turn + 1; next < len(r.players); next++ {
		p := r.players[next]
		if r.removed[p.ID()] {
			continue
		}
		r.setTurn(next)
		if p.Equal(r.dealer) && !r.othersInPlay() {
			r.settle()
		}
		return
	}
	r.settle()
}

func (r *Round) othersInPlay() bool {
	for _, p := range r.players {
		if !p.Equal(r.dealer) && p.Status() == StatusPlaying {
			return true
		}
	}
	return false
}

func (r *Round) checkNaturals() {
	var winners []*Player
	for _, p := range r.players {
		if p.HandValue() == Blackjack {
			p.SetStatus(StatusWinner)
			winners = append(winners, p)
		}
	}
	if len(winners) == 0 {
		r.advance()
		return
	}

	if len(winners) == 1 {
		w := winners[0]
		for _, p := range r.players {
			if p.Equal(w) {
				continue
			}
			p.TransferTokens(w, r.stake*2)
			p.SetStatus(StatusLoser)
		}
	}

	dealerWon := false
	for _, w := range winners {
		if w.Equal(r.dealer) {
			dealerWon = true
			break
		}
	}
	if !dealerWon {
		r.dealer = winners[0]
		r.raise(Event{Kind: EventDealerChanged, Player: viewOf(r.dealer)})
	}
	r.setState(StateFinished)
}

// settle pays out every player still in play against the dealer.
func (r *Round) settle() {
	dealerBust := r.dealer.Status() == StatusLoser
	for _, p := range r.players {
		if p.Equal(r.dealer) || p.Status() != StatusPlaying {
			continue
		}
		if dealerBust {
			r.dealer.TransferTokens(p, r.stake)
			p.SetStatus(StatusWinner)
			continue
		}
		switch c := p.Hand().Compare(r.dealer.Hand()); {
		case c < 0:
			p.TransferTokens(r.dealer, r.stake)
			p.SetStatus(StatusLoser)
		case c > 0:
			r.dealer.TransferTokens(p, r.stake)
			p.SetStatus(StatusWinner)
		}
	}
	r.setState(StateFinished)
}

func (r *Round) setTurn(i int) {
	r.turn = i
	var v *PlayerView
	if i >= 0 {
		v = viewOf(r.players[i])
	}
	r.raise(Event{Kind: EventTurnChanged, Player: v})
}

func (r *Round) setState(s State) {
	r.state = s
	ev := Event{Kind: EventStateChanged, State: s, Round: r.number}
	if s == StateReady || s == StateFinished {
		ev.Player = viewOf(r.dealer)
		ev.Players = make([]PlayerView, len(r.players))
		for i, p := range r.players {
			ev.Players[i] = p.View()
		}
	}
	r.raise(ev)
}

// raise queues ev for delivery when the current operation returns. Players
// call it directly, so it takes only the pending mutex.
func (r *Round) raise(ev Event) {
	r.pendingMu.Lock()
	r.pending = append(r.pending, ev)
	r.pendingMu.Unlock()
}

func (r *Round) indexOf(p *Player) int {
	for i, q := range r.players {
		if q.Equal(p) {
			return i
		}
	}
	return -1
}

func viewOf(p *Player) *PlayerView {
	if p == nil {
		return nil
	}
	v := p.View()
	return &v
}

// State returns the lifecycle state.
func (r *Round) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Number counts resets; it is zero before the first one.
func (r *Round) Number() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.number
}

func (r *Round) Dealer() *Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dealer
}

// Current returns the turn holder, or nil.
func (r *Round) Current() *Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.turn < 0 {
		return nil
	}
	return r.players[r.turn]
}

// Players returns the round's roster in turn order, removed players included.
func (r *Round) Players() []*Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Player, len(r.players))
	copy(out, r.players)
	return out
}

func (r *Round) Stake() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stake
}

// Removed reports whether the player with id left during this round.
func (r *Round) Removed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed[id]
}

// DeckLen is the number of undealt cards.
func (r *Round) DeckLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deck == nil {
		return 0
	}
	return r.deck.Len()
}
