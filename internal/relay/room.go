package relay

// Room pairs a host and a guest under a shared six-digit code. A room
// holds at most one of each and lives only while both connections do.
type Room struct {
	// Code is the unique identifier shared out of band.
	Code string

	// Host is the client that created the room.
	Host *Client

	// Guest is the client that joined, nil until join-room succeeds.
	Guest *Client
}

// other returns the occupant opposite to c, or nil.
func (r *Room) other(c *Client) *Client {
	if r.Host == c {
		return r.Guest
	}
	if r.Guest == c {
		return r.Host
	}
	return nil
}
