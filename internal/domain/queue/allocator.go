package queue

import (
	"context"
	"fmt"
)

// Allocator issues token numbers. Callers hold the chamber-day lock and an
// open transaction, so number, insert and count see one consistent queue.
type Allocator struct {
	tokens TokenRepository
}

func NewAllocator(tokens TokenRepository) *Allocator {
	return &Allocator{tokens: tokens}
}

// Issue numbers t, stores it as waiting and returns how many active tokens
// are ahead of it.
func (a *Allocator) Issue(ctx context.Context, t *Token) (int, error) {
	n, err := a.tokens.NextNumber(ctx, t.DoctorID, t.ChamberID, t.QueueDate)
	if err != nil {
		return 0, err
	}
	t.TokenNumber = n
	t.Status = TokenWaiting
	if err := a.tokens.Insert(ctx, t); err != nil {
		return 0, err
	}
	ahead, err := a.tokens.CountAhead(ctx, t.Scope(), n)
	if err != nil {
		return 0, fmt.Errorf("count ahead of token %d: %w", n, err)
	}
	return ahead, nil
}
