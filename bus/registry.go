package bus

import (
	"context"
	"sync"

	"github.com/m-lab/go/logx"
)

// matchRegistry reference-counts daemon-side AddMatch registrations by
// match expression.  The daemon sees exactly one AddMatch per distinct
// expression and one RemoveMatch after the last owner leaves.
//
// The mutex is held across the awaited daemon calls: AddMatch itself
// suspends, and concurrent add/remove of the same expression must not
// interleave around it.
type matchRegistry struct {
	conn *Conn

	mu     sync.Mutex
	owners map[string]map[*Condition]struct{}
}

func newMatchRegistry(c *Conn) *matchRegistry {
	return &matchRegistry{conn: c, owners: make(map[string]map[*Condition]struct{})}
}

func (r *matchRegistry) add(ctx context.Context, owner *Condition, expr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.owners[expr]; ok {
		set[owner] = struct{}{}
		return nil
	}
	logx.Debug.Println("AddMatch:", expr)
	if _, err := r.conn.Call(ctx, CallMsg{
		Destination: BusName, Path: BusPath, Interface: BusName,
		Member: "AddMatch", Signature: "s", Body: expr,
	}); err != nil {
		return err
	}
	r.owners[expr] = map[*Condition]struct{}{owner: {}}
	return nil
}

func (r *matchRegistry) remove(ctx context.Context, owner *Condition, expr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.owners[expr]
	if !ok {
		return nil
	}
	delete(set, owner)
	if len(set) > 0 {
		return nil
	}
	delete(r.owners, expr)
	logx.Debug.Println("RemoveMatch:", expr)
	_, err := r.conn.Call(ctx, CallMsg{
		Destination: BusName, Path: BusPath, Interface: BusName,
		Member: "RemoveMatch", Signature: "s", Body: expr,
	})
	return err
}
