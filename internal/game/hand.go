package game

import (
	"sync"

	"twentyone/internal/lockorder"
)

// Blackjack is the best possible hand value.
const Blackjack = 21

// Hand is the cards a player holds in the current round. The key is the
// owner's stable identity and fixes the lock order used by Compare.
type Hand struct {
	mu    sync.Mutex
	key   string
	cards []Card
}

// NewHand returns an empty hand owned by key.
func NewHand(key string) *Hand {
	return &Hand{key: key}
}

func (h *Hand) Add(c Card) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cards = append(h.cards, c)
}

// Cards returns a copy of the hand in the order dealt.
func (h *Hand) Cards() []Card {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Card, len(h.cards))
	copy(out, h.cards)
	return out
}

func (h *Hand) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cards)
}

// Value is the blackjack value of the hand.
func (h *Hand) Value() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HandValue(h.cards)
}

// Compare orders hands by value: negative when h is worse than other, zero on
// a push, positive when h is better.
func (h *Hand) Compare(other *Hand) int {
	unlock := lockorder.Lock2(&h.mu, h.key, &other.mu, other.key)
	defer unlock()
	return HandValue(h.cards) - HandValue(other.cards)
}

// HandValue sums card points, counting aces as 1 instead of 11 one at a time
// until the total is 21 or less or no aces remain.
func HandValue(cards []Card) int {
	total, aces := 0, 0
	for _, c := range cards {
		total += c.Rank.Points()
		if c.Rank == Ace {
			aces++
		}
	}
	for total > Blackjack && aces > 0 {
		total -= 10
		aces--
	}
	return total
}
