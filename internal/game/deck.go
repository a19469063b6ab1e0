package game

import (
	"math/rand/v2"
	"sync"
)

// Deck is an ordered collection of cards. The top of the deck is index 0.
// It is safe for concurrent use.
type Deck struct {
	mu    sync.Mutex
	cards []Card
}

// NewDeck returns a deck holding the given cards in order.
func NewDeck(cards ...Card) *Deck {
	d := &Deck{cards: make([]Card, len(cards))}
	copy(d.cards, cards)
	return d
}

// NewStandardDeck returns an unshuffled 52-card deck, suit by suit.
func NewStandardDeck() *Deck {
	cards := make([]Card, 0, len(Suits)*len(Ranks))
	for _, s := range Suits {
		for _, r := range Ranks {
			cards = append(cards, Card{Suit: s, Rank: r})
		}
	}
	return &Deck{cards: cards}
}

// Shuffle randomizes the card order using rng, or the global source when rng
// is nil. It returns the deck for chaining.
func (d *Deck) Shuffle(rng *rand.Rand) *Deck {
	d.mu.Lock()
	defer d.mu.Unlock()
	swap := func(i, j int) { d.cards[i], d.cards[j] = d.cards[j], d.cards[i] }
	if rng == nil {
		rand.Shuffle(len(d.cards), swap)
	} else {
		rng.Shuffle(len(d.cards), swap)
	}
	return d
}

// Draw removes and returns the top card. ok is false when the deck is empty.
func (d *Deck) Draw() (c Card, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cards) == 0 {
		return Card{}, false
	}
	c = d.cards[0]
	d.cards = d.cards[1:]
	return c, true
}

// Append puts a card at the bottom of the deck.
func (d *Deck) Append(c Card) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cards = append(d.cards, c)
}

func (d *Deck) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cards)
}

// Cards returns a copy of the remaining cards, top first.
func (d *Deck) Cards() []Card {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Card, len(d.cards))
	copy(out, d.cards)
	return out
}
