package core

// Channel is the universal 64-bit routing key on the server bus.
type Channel = uint64

// Doid identifies a distributed object cluster-wide.
type Doid = uint32

// Zone is a 32-bit zone id beneath a parent object.
type Zone = uint32

const (
	// InvalidChannel never routes anywhere; zero also stands in for
	// "unassigned" in ai/owner/parent slots.
	InvalidChannel Channel = 0

	// InvalidDoid marks a failed allocation or an unassigned parent.
	InvalidDoid Doid = 0

	// InvalidDclass in a get-all response marks an object that does not
	// exist.
	InvalidDclass uint16 = 0xFFFF

	// BChanClients is the broadcast channel every client agent subscribes.
	BChanClients Channel = 10

	// BChanStateServers is the broadcast channel for state servers and
	// database state servers.
	BChanStateServers Channel = 12

	// BChanDBServers is the broadcast channel for database servers.
	BChanDBServers Channel = 14

	parentPrefix Channel = 1 << 32
)

// LocationAsChannel derives the broadcast channel for everything interested
// in a (parent, zone) location.
func LocationAsChannel(parent Doid, zone Zone) Channel {
	return Channel(parent)<<32 | Channel(zone)
}

// ParentToChildren derives the broadcast channel a parent uses to reach all
// of its children.
func ParentToChildren(parent Doid) Channel {
	return parentPrefix | Channel(parent)
}
