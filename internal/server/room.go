// Package server tracks per-room presence: which connections are joined and
// how many live connections each identity holds in the room.
package server

import "sort"

// room holds the live presence state for one room. All access goes through
// the hub's mutex; room itself does no locking.
type room struct {
	clients map[*Client]struct{}
	// members counts live connections per identity so that an identity with
	// several simultaneous connections only "leaves" once the last one goes.
	members map[string]int
}

func newRoom() *room {
	return &room{
		clients: make(map[*Client]struct{}),
		members: make(map[string]int),
	}
}

// add registers a connection and bumps its identity's connection count.
func (r *room) add(c *Client) {
	r.clients[c] = struct{}{}
	r.members[c.identity]++
}

// remove drops a connection from the room. It reports whether the identity
// no longer has any live connection in this room, which is the condition for
// announcing a leave. Removing a connection that is not present is a no-op
// for the set but still reports the identity's liveness.
func (r *room) remove(c *Client) (identityGone bool) {
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		r.members[c.identity]--
		if r.members[c.identity] <= 0 {
			delete(r.members, c.identity)
		}
	}
	return r.members[c.identity] == 0
}

func (r *room) empty() bool {
	return len(r.clients) == 0
}

// memberList returns the identities currently present, sorted for stable
// inspection.
func (r *room) memberList() []string {
	members := make([]string, 0, len(r.members))
	for identity := range r.members {
		members = append(members, identity)
	}
	sort.Strings(members)
	return members
}

// clientSnapshot copies the connection set so fan-out can happen outside the
// hub lock.
func (r *room) clientSnapshot() []*Client {
	snapshot := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		snapshot = append(snapshot, c)
	}
	return snapshot
}
