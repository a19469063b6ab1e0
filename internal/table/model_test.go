package table

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"twentyone/internal/game"
)

const testStake = 20

func c(r game.Rank, s game.Suit) game.Card { return game.Card{Suit: s, Rank: r} }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTest(t *testing.T, opts ...game.RoundOption) *Model {
	t.Helper()
	return New(Config{Stake: testStake, MaxPlayers: 7}, quietLogger(), opts...)
}

func stacked(cards ...game.Card) game.RoundOption {
	return game.WithDeckSource(func() *game.Deck { return game.NewDeck(cards...) })
}

// recorder collects events delivered by a Model.
type recorder struct {
	mu     sync.Mutex
	events []game.Event
}

func (r *recorder) record(ev game.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []game.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]game.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) states() []game.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []game.State
	for _, ev := range r.events {
		if ev.Kind == game.EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func seat(t *testing.T, m *Model, ids ...string) []*game.Player {
	t.Helper()
	out := make([]*game.Player, len(ids))
	for i, id := range ids {
		p := game.NewPlayer(id, "name-"+id, 100)
		if err := m.AddPlayer(p); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
		out[i] = p
	}
	return out
}

func TestFirstPlayerIsDealer(t *testing.T) {
	m := setupTest(t)
	seat(t, m, "alice")

	if m.Dealer() == nil || m.Dealer().ID() != "alice" {
		t.Fatalf("expected alice as dealer, got %v", m.Dealer())
	}
	if m.RoundState() != game.StateNone {
		t.Fatalf("expected no round with one player, got %s", m.RoundState())
	}
}

func TestSecondPlayerReadiesRound(t *testing.T) {
	m := setupTest(t)
	seat(t, m, "alice", "bob")

	if m.RoundState() != game.StateReady {
		t.Fatalf("expected READY, got %s", m.RoundState())
	}
	players := m.RoundPlayers()
	if len(players) != 2 || players[0].ID() != "bob" || players[1].ID() != "alice" {
		t.Fatalf("expected [bob alice], got %v", players)
	}
}

func TestLateJoinerWaitsForNextRound(t *testing.T) {
	m := setupTest(t)
	seat(t, m, "alice", "bob", "carol")

	if n := len(m.RoundPlayers()); n != 2 {
		t.Fatalf("expected 2 round players, got %d", n)
	}
	if n := len(m.LobbyPlayers()); n != 3 {
		t.Fatalf("expected 3 lobby players, got %d", n)
	}
}

func TestLobbyBackToTwoReplacesUndealtRound(t *testing.T) {
	m := setupTest(t, noNaturals())
	seat(t, m, "alice", "bob")
	if _, err := m.RemovePlayer("bob"); err != nil {
		t.Fatalf("remove bob: %v", err)
	}
	if m.RoundState() != game.StateReady {
		t.Fatalf("expected round still READY, got %s", m.RoundState())
	}

	seat(t, m, "carol")

	players := m.RoundPlayers()
	if len(players) != 2 || players[0].ID() != "carol" || players[1].ID() != "alice" {
		t.Fatalf("expected round [carol alice], got %v", players)
	}
	if m.Info().Round != 2 {
		t.Fatalf("expected a fresh round, got round %d", m.Info().Round)
	}

	// The departed player is not dealt in.
	if err := m.Deal("alice"); err != nil {
		t.Fatalf("deal: %v", err)
	}
	for _, p := range m.RoundPlayers() {
		if p.ID() == "bob" {
			t.Fatal("bob should not be in the round")
		}
	}
	if cur := m.round.Current(); cur == nil || cur.ID() != "carol" {
		t.Fatalf("expected carol to act first, got %v", cur)
	}
}

func TestJoinEventCarriesRoster(t *testing.T) {
	m := setupTest(t)
	rec := &recorder{}
	m.Subscribe(rec.record)
	seat(t, m, "alice", "bob", "carol")

	var joined []game.Event
	for _, ev := range rec.events {
		if ev.Kind == game.EventPlayerJoined {
			joined = append(joined, ev)
		}
	}
	if len(joined) != 3 {
		t.Fatalf("expected 3 join events, got %d", len(joined))
	}
	// Before any round: the lobby, newcomer included.
	if ids := viewIDs(joined[1].Players); fmt.Sprint(ids) != "[alice bob]" {
		t.Fatalf("bob saw %v", ids)
	}
	// During a round: the round's players, without the late joiner.
	if ids := viewIDs(joined[2].Players); fmt.Sprint(ids) != "[bob alice]" {
		t.Fatalf("carol saw %v", ids)
	}
}

func viewIDs(vs []game.PlayerView) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.ID
	}
	return out
}

func TestAddPlayerDuplicate(t *testing.T) {
	m := setupTest(t)
	seat(t, m, "alice")
	err := m.AddPlayer(game.NewPlayer("alice", "again", 10))
	if !errors.Is(err, ErrDuplicatePlayer) {
		t.Fatalf("expected ErrDuplicatePlayer, got %v", err)
	}
}

func TestAddPlayerTableFull(t *testing.T) {
	m := New(Config{Stake: testStake, MaxPlayers: 2}, quietLogger())
	seat(t, m, "alice", "bob")
	if err := m.AddPlayer(game.NewPlayer("carol", "carol", 10)); !errors.Is(err, ErrTableFull) {
		t.Fatalf("expected ErrTableFull, got %v", err)
	}
}

// noNaturals deals bob 12, carol 13 (if seated) and alice 17.
func noNaturals() game.RoundOption {
	return stacked(
		c(game.Ten, game.Clubs), c(game.Two, game.Clubs),
		c(game.Ten, game.Spades), c(game.Three, game.Spades),
		c(game.Nine, game.Hearts), c(game.Eight, game.Hearts),
	)
}

func TestDealOnlyByDealer(t *testing.T) {
	m := setupTest(t, noNaturals())
	seat(t, m, "alice", "bob")

	if err := m.Deal("bob"); !errors.Is(err, ErrNotDealer) {
		t.Fatalf("expected ErrNotDealer, got %v", err)
	}
	if err := m.Deal("mallory"); !errors.Is(err, ErrUnknownPlayer) {
		t.Fatalf("expected ErrUnknownPlayer, got %v", err)
	}
	if err := m.Deal("alice"); err != nil {
		t.Fatalf("deal: %v", err)
	}
	if s := m.RoundState(); s != game.StateInProgress {
		t.Fatalf("expected IN_PROGRESS after deal, got %s", s)
	}
}

func TestTurnActionsRequireTurn(t *testing.T) {
	m := setupTest(t, stacked(
		c(game.Ten, game.Clubs), c(game.Two, game.Clubs), // bob
		c(game.Nine, game.Spades), c(game.Eight, game.Spades), // alice
		c(game.Three, game.Hearts),
	))
	seat(t, m, "alice", "bob")

	if err := m.Hit("bob"); !errors.Is(err, game.ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState before deal, got %v", err)
	}
	if err := m.Deal("alice"); err != nil {
		t.Fatalf("deal: %v", err)
	}
	if err := m.Hit("alice"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
	if err := m.Stick("alice"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
	if err := m.Hit("bob"); err != nil {
		t.Fatalf("hit: %v", err)
	}
	if v := m.Player("bob").HandValue(); v != 15 {
		t.Fatalf("expected 15, got %d", v)
	}
}

func TestFinishedRoundRollsOver(t *testing.T) {
	m := setupTest(t, stacked(
		c(game.King, game.Spades), c(game.Ace, game.Hearts), // bob: natural
		c(game.Ten, game.Clubs), c(game.Nine, game.Diamonds), // alice
	))
	rec := &recorder{}
	m.Subscribe(rec.record)
	players := seat(t, m, "alice", "bob")

	if err := m.Deal("alice"); err != nil {
		t.Fatalf("deal: %v", err)
	}

	want := []game.State{game.StateReady, game.StateInProgress, game.StateFinished, game.StateReady}
	got := rec.states()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}
	if players[0].Tokens() != 60 || players[1].Tokens() != 140 {
		t.Fatalf("expected 60/140, got %d/%d", players[0].Tokens(), players[1].Tokens())
	}
	if m.Dealer().ID() != "bob" {
		t.Fatalf("expected bob to take the deal, got %s", m.Dealer().ID())
	}
	rp := m.RoundPlayers()
	if rp[len(rp)-1].ID() != "bob" {
		t.Fatalf("expected bob to deal last in the next round, got %v", rp)
	}
	if info := m.Info(); info.Round != 2 {
		t.Fatalf("expected round 2, got %d", info.Round)
	}
}

func TestBrokePlayerEliminated(t *testing.T) {
	m := setupTest(t, stacked(
		c(game.King, game.Spades), c(game.Ace, game.Hearts), // bob: natural
		c(game.Ten, game.Clubs), c(game.Nine, game.Diamonds), // alice
	))
	rec := &recorder{}
	m.Subscribe(rec.record)

	alice := game.NewPlayer("alice", "alice", 40)
	bob := game.NewPlayer("bob", "bob", 100)
	m.AddPlayer(alice)
	m.AddPlayer(bob)

	if err := m.Deal("alice"); err != nil {
		t.Fatalf("deal: %v", err)
	}
	if alice.Tokens() != 0 {
		t.Fatalf("expected alice broke, got %d", alice.Tokens())
	}
	if m.Player("alice") != nil {
		t.Fatal("expected alice to be evicted")
	}
	if m.RoundState() != game.StateFinished {
		t.Fatalf("expected table to idle in FINISHED, got %s", m.RoundState())
	}

	found := false
	for _, ev := range rec.events {
		if ev.Kind == game.EventPlayerEliminated && ev.Player.ID == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an elimination event for alice")
	}

	// A new arrival restarts play.
	seat(t, m, "carol")
	if m.RoundState() != game.StateReady {
		t.Fatalf("expected READY after carol joins, got %s", m.RoundState())
	}
}

func TestRemoveBrokePlayersDirect(t *testing.T) {
	m := setupTest(t)
	seat(t, m, "alice", "bob")
	broke := game.NewPlayer("carol", "carol", 0)
	m.AddPlayer(broke)

	out := m.RemoveBrokePlayers()
	if len(out) != 1 || out[0].ID() != "carol" {
		t.Fatalf("expected carol evicted, got %v", out)
	}
	if len(m.LobbyPlayers()) != 2 {
		t.Fatalf("expected 2 lobby players, got %d", len(m.LobbyPlayers()))
	}
}

func TestRemoveDealerReassigns(t *testing.T) {
	m := setupTest(t, noNaturals())
	seat(t, m, "alice", "bob", "carol")

	if _, err := m.RemovePlayer("alice"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if m.Dealer().ID() != "bob" {
		t.Fatalf("expected bob as dealer, got %s", m.Dealer().ID())
	}
	// alice was dealing the ready round, so it was forced to start.
	if s := m.RoundState(); s != game.StateInProgress {
		t.Fatalf("expected forced start, got %s", s)
	}
}

func TestRemoveUnknownPlayer(t *testing.T) {
	m := setupTest(t)
	if _, err := m.RemovePlayer("ghost"); !errors.Is(err, ErrUnknownPlayer) {
		t.Fatalf("expected ErrUnknownPlayer, got %v", err)
	}
}

func TestRemoveCurrentPlayerPassesTurn(t *testing.T) {
	m := setupTest(t, stacked(
		c(game.Ten, game.Clubs), c(game.Two, game.Clubs), // bob
		c(game.Ten, game.Spades), c(game.Three, game.Spades), // carol
		c(game.Nine, game.Hearts), c(game.Eight, game.Hearts), // alice
	))
	seat(t, m, "alice", "bob", "carol")
	if err := m.Deal("alice"); err != nil {
		t.Fatalf("deal: %v", err)
	}

	if _, err := m.RemovePlayer("bob"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := m.Stick("carol"); err != nil {
		t.Fatalf("expected carol to hold the turn: %v", err)
	}
}

func TestStickToFinishRollsOver(t *testing.T) {
	m := setupTest(t, stacked(
		c(game.Ten, game.Clubs), c(game.Two, game.Clubs), // bob
		c(game.Nine, game.Hearts), c(game.Eight, game.Hearts), // alice
	))
	seat(t, m, "alice", "bob")
	m.Deal("alice")
	m.Stick("bob")
	m.Stick("alice")

	// The finished round rolled straight into the next one.
	if s := m.RoundState(); s != game.StateReady {
		t.Fatalf("expected READY, got %s", s)
	}

	seat(t, m, "carol")
	if _, err := m.RemovePlayer("bob"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := len(m.LobbyPlayers()); got != 2 {
		t.Fatalf("expected 2 lobby players, got %d", got)
	}
}

func TestSubscriberMayCallBack(t *testing.T) {
	m := setupTest(t)

	// An eager dealer deals the moment a round is ready.
	var dealt []int
	m.Subscribe(func(ev game.Event) {
		if ev.Kind == game.EventStateChanged && ev.State == game.StateReady {
			dealt = append(dealt, ev.Round)
			if err := m.Deal(ev.Player.ID); err != nil {
				t.Errorf("deal from subscriber: %v", err)
			}
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.AddPlayer(game.NewPlayer("alice", "alice", 100))
		m.AddPlayer(game.NewPlayer("bob", "bob", 100))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock: subscriber calling back into the model")
	}
	if len(dealt) == 0 {
		t.Fatal("expected the subscriber to deal")
	}
	if s := m.RoundState(); s == game.StateReady {
		t.Fatal("expected round past READY")
	}
}

func TestEventsArriveInOrder(t *testing.T) {
	m := setupTest(t)
	rec := &recorder{}
	m.Subscribe(rec.record)
	seat(t, m, "alice", "bob")

	kinds := rec.kinds()
	if kinds[0] != game.EventPlayerJoined {
		t.Fatalf("expected join first, got %v", kinds[0])
	}
	if last := kinds[len(kinds)-1]; last != game.EventStateChanged {
		t.Fatalf("expected READY last, got %v", last)
	}
}

// Every seat hammers the table with random actions while players come and
// go. Nothing may deadlock and no tokens may appear or vanish.
func TestConcurrentActionsConserveTokens(t *testing.T) {
	m := setupTest(t, game.WithRand(rand.New(rand.NewPCG(3, 4))))

	const seats = 5
	var (
		mu  sync.Mutex
		all []*game.Player
	)
	newPlayer := func(id string) *game.Player {
		p := game.NewPlayer(id, id, 200)
		mu.Lock()
		all = append(all, p)
		mu.Unlock()
		return p
	}
	for i := 0; i < seats; i++ {
		m.AddPlayer(newPlayer(fmt.Sprintf("seat%d", i)))
	}

	var wg sync.WaitGroup
	for i := 0; i < seats; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(i), 99))
			id := fmt.Sprintf("seat%d", i)
			for n := 0; n < 300; n++ {
				switch rng.IntN(10) {
				case 0:
					m.RemovePlayer(id)
					id = fmt.Sprintf("seat%d-%d", i, n)
					m.AddPlayer(newPlayer(id))
				case 1, 2:
					m.Deal(id)
				case 3, 4, 5:
					m.Hit(id)
				default:
					m.Stick(id)
				}
				_ = m.Info()
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("deadlock under concurrent play")
	}

	total := 0
	for _, p := range all {
		if p.Tokens() < 0 {
			t.Fatalf("%s has negative balance %d", p.ID(), p.Tokens())
		}
		total += p.Tokens()
	}
	if total != len(all)*200 {
		t.Fatalf("expected %d tokens in total, got %d", len(all)*200, total)
	}
}
