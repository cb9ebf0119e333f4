package room

import (
	"context"
	"errors"

	"github.com/DoyleJ11/tile-table/pkg/protocol"
)

// The methods below post to the inbox and wait for the loop to answer, so
// callers get the serialized semantics without touching channels.

func (r *Room) post(ctx context.Context, m Msg) error {
	select {
	case r.inbox <- m:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, r *Room, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		// The loop may have answered just before stopping.
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Join registers out as a new member. The member's JOINED and snapshot
// messages are already queued on out when Join returns.
func (r *Room) Join(ctx context.Context, out chan<- protocol.Message) (JoinResult, error) {
	reply := make(chan JoinResult, 1)
	if err := r.post(ctx, Join{Outbox: out, Reply: reply}); err != nil {
		return JoinResult{}, err
	}
	res, err := await(ctx, r, reply)
	if err != nil {
		return JoinResult{}, err
	}
	return res, res.Err
}

func (r *Room) Update(ctx context.Context, playerID string, entries []protocol.Entry) error {
	reply := make(chan error, 1)
	if err := r.post(ctx, FromClient{PlayerID: playerID, Entries: entries, Reply: reply}); err != nil {
		return err
	}
	err, waitErr := await(ctx, r, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// Leave removes the member and runs per-player cleanup. Unknown players and
// closed rooms are not an error.
func (r *Room) Leave(ctx context.Context, playerID string) error {
	reply := make(chan struct{}, 1)
	if err := r.post(ctx, Leave{PlayerID: playerID, Reply: reply}); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	_, err := await(ctx, r, reply)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (r *Room) Auth(ctx context.Context, playerID, password string) (bool, error) {
	reply := make(chan AuthResult, 1)
	if err := r.post(ctx, Authenticate{PlayerID: playerID, Password: password, Reply: reply}); err != nil {
		return false, err
	}
	res, err := await(ctx, r, reply)
	if err != nil {
		return false, err
	}
	return res.OK, res.Err
}

func (r *Room) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := r.post(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	return await(ctx, r, reply)
}

// Close stops the loop and closes every member outbox. It does not wait.
func (r *Room) Close() {
	select {
	case r.inbox <- Shutdown{}:
	case <-r.done:
	default:
		r.cancel()
	}
}
